package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrNoData means the upstream definitively has nothing for the window.
	ErrNoData = errors.New("no data for window")
	// ErrFatal marks errors that retrying cannot fix, such as a request that
	// cannot be constructed from the configuration.
	ErrFatal = errors.New("fatal fetch error")
)

// HTTPError is returned when the upstream answers with a status other than 2xx.
type HTTPError struct {
	Status     string
	StatusCode int
	URL        string
	Body       []byte
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("Get %q: %s (%q)", e.URL, e.Status, bytes.TrimSpace(e.Body))
}

// Class is the failure classification of a single fetch attempt.
type Class int

const (
	ClassTransient Class = iota
	ClassNoData
	ClassFatal
	ClassCancelled
)

func (c Class) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassNoData:
		return "no_data"
	case ClassFatal:
		return "fatal"
	case ClassCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classify decides how the fetcher reacts to err. Anything not recognised as
// no-data, fatal or cancellation is transient: the upstream is unreliable and
// the attempt budget bounds the cost of being wrong.
func Classify(err error) Class {
	switch {
	case errors.Is(err, ErrNoData):
		return ClassNoData
	case errors.Is(err, ErrFatal):
		return ClassFatal
	case errors.Is(err, context.Canceled):
		return ClassCancelled
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyStatus(httpErr.StatusCode)
	}
	return ClassTransient
}

func classifyStatus(code int) Class {
	switch {
	case code == http.StatusNotFound, code == http.StatusNoContent:
		return ClassNoData
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests:
		return ClassTransient
	case code >= 500:
		return ClassTransient
	case code >= 400:
		return ClassFatal
	default:
		return ClassTransient
	}
}
