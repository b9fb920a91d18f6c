package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/retry"
)

var testWindow = models.Window{
	Start: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 1, 2, 1, 0, 0, 0, time.UTC),
}

// scriptedTransport returns the scripted responses in order, repeating the last one.
type scriptedTransport struct {
	responses []func() ([]string, error)
	calls     int
}

func (s *scriptedTransport) FetchWindow(ctx context.Context, w models.Window) ([]string, error) {
	i := s.calls
	if i >= len(s.responses) {
		i = len(s.responses) - 1
	}
	s.calls++
	return s.responses[i]()
}

type pooledTransport struct {
	closed int
}

func (p *pooledTransport) FetchWindow(ctx context.Context, w models.Window) ([]string, error) {
	return nil, nil
}

func (p *pooledTransport) CloseIdleConnections() { p.closed++ }

func rowsResponse(rows ...string) func() ([]string, error) {
	return func() ([]string, error) { return rows, nil }
}

func errResponse(err error) func() ([]string, error) {
	return func() ([]string, error) { return nil, err }
}

// recordingSleep records requested delays without waiting.
type recordingSleep struct {
	delays []time.Duration
}

func (r *recordingSleep) sleep(ctx context.Context, d time.Duration) error {
	r.delays = append(r.delays, d)
	return ctx.Err()
}

func newTestFetcher(tr Transport[string], attempts int) (*Fetcher[string], *recordingSleep) {
	rs := &recordingSleep{}
	b := retry.Backoff{Attempts: attempts, Base: time.Second, Max: 4 * time.Second}
	return New[string](tr, b, WithSleep(rs.sleep)), rs
}

func TestFetcher(t *testing.T) {
	t.Run("returns rows on first success", func(t *testing.T) {
		tr := &scriptedTransport{responses: []func() ([]string, error){rowsResponse("a", "b")}}
		f, rs := newTestFetcher(tr, 5)

		res, err := f.Fetch(context.Background(), testWindow)

		require.NoError(t, err)
		assert.Equal(t, StatusRows, res.Status)
		assert.Equal(t, []string{"a", "b"}, res.Rows)
		assert.Equal(t, 1, res.Attempts)
		assert.Empty(t, rs.delays)
	})

	t.Run("passes the window to the transport", func(t *testing.T) {
		var got models.Window
		tr := TransportFunc[string](func(ctx context.Context, w models.Window) ([]string, error) {
			got = w
			return []string{"row"}, nil
		})
		f, _ := newTestFetcher(tr, 1)

		res, err := f.Fetch(context.Background(), testWindow)

		require.NoError(t, err)
		assert.Equal(t, testWindow, got)
		assert.Equal(t, testWindow, res.Window)
	})

	t.Run("closes idle connections when the transport pools them", func(t *testing.T) {
		tr := &pooledTransport{}
		f, _ := newTestFetcher(tr, 1)

		f.CloseIdleConnections()

		assert.Equal(t, 1, tr.closed)
	})

	t.Run("closing idle connections is a no-op otherwise", func(t *testing.T) {
		tr := TransportFunc[string](func(ctx context.Context, w models.Window) ([]string, error) { return nil, nil })
		f, _ := newTestFetcher(tr, 1)

		assert.NotPanics(t, f.CloseIdleConnections)
	})

	t.Run("an empty successful body is no data", func(t *testing.T) {
		tr := &scriptedTransport{responses: []func() ([]string, error){rowsResponse()}}
		f, _ := newTestFetcher(tr, 5)

		res, err := f.Fetch(context.Background(), testWindow)

		require.NoError(t, err)
		assert.Equal(t, StatusNoData, res.Status)
		assert.Nil(t, res.Rows)
	})

	t.Run("not found is no data without retry", func(t *testing.T) {
		tr := &scriptedTransport{responses: []func() ([]string, error){
			errResponse(fmt.Errorf("%w (404 Not Found)", ErrNoData)),
		}}
		f, rs := newTestFetcher(tr, 5)

		res, err := f.Fetch(context.Background(), testWindow)

		require.NoError(t, err)
		assert.Equal(t, StatusNoData, res.Status)
		assert.Equal(t, 1, tr.calls)
		assert.Empty(t, rs.delays)
	})

	t.Run("retries transient failures then succeeds", func(t *testing.T) {
		tr := &scriptedTransport{responses: []func() ([]string, error){
			errResponse(&HTTPError{Status: "503 Service Unavailable", StatusCode: 503}),
			errResponse(io.ErrUnexpectedEOF),
			rowsResponse("x"),
		}}
		f, rs := newTestFetcher(tr, 5)

		res, err := f.Fetch(context.Background(), testWindow)

		require.NoError(t, err)
		assert.Equal(t, StatusRows, res.Status)
		assert.Equal(t, 3, res.Attempts)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, rs.delays)
	})

	t.Run("gives up after exactly the configured attempts", func(t *testing.T) {
		tr := &scriptedTransport{responses: []func() ([]string, error){
			errResponse(errors.New("connection reset by peer")),
		}}
		f, rs := newTestFetcher(tr, 4)

		res, err := f.Fetch(context.Background(), testWindow)

		require.NoError(t, err)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, 4, tr.calls)
		assert.Equal(t, 4, res.Attempts)
		assert.Len(t, rs.delays, 3)
		assert.EqualError(t, res.Err, "connection reset by peer")
	})

	t.Run("backoff delays are capped", func(t *testing.T) {
		tr := &scriptedTransport{responses: []func() ([]string, error){errResponse(io.ErrUnexpectedEOF)}}
		f, rs := newTestFetcher(tr, 6)

		_, err := f.Fetch(context.Background(), testWindow)

		require.NoError(t, err)
		assert.Equal(t, []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second, 4 * time.Second, 4 * time.Second}, rs.delays)
	})

	t.Run("fatal errors abort immediately", func(t *testing.T) {
		tr := &scriptedTransport{responses: []func() ([]string, error){
			errResponse(&HTTPError{Status: "400 Bad Request", StatusCode: 400, URL: "http://x"}),
		}}
		f, _ := newTestFetcher(tr, 5)

		res, err := f.Fetch(context.Background(), testWindow)

		require.Error(t, err)
		assert.ErrorIs(t, err, ErrFatal)
		assert.Equal(t, StatusFailed, res.Status)
		assert.Equal(t, 1, tr.calls)
	})

	t.Run("cancellation during backoff stops the fetch", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		tr := &scriptedTransport{responses: []func() ([]string, error){errResponse(io.ErrUnexpectedEOF)}}
		f := New[string](tr, retry.Backoff{Attempts: 5, Base: time.Hour}, WithSleep(func(ctx context.Context, d time.Duration) error {
			cancel()
			return ctx.Err()
		}))

		_, err := f.Fetch(ctx, testWindow)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 1, tr.calls)
	})

	t.Run("already cancelled context makes no request", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		tr := &scriptedTransport{responses: []func() ([]string, error){rowsResponse("a")}}
		f, _ := newTestFetcher(tr, 5)

		_, err := f.Fetch(ctx, testWindow)

		assert.ErrorIs(t, err, context.Canceled)
		assert.Zero(t, tr.calls)
	})
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ClassNoData, Classify(fmt.Errorf("wrap: %w", ErrNoData)))
	assert.Equal(t, ClassFatal, Classify(fmt.Errorf("%w: bad url", ErrFatal)))
	assert.Equal(t, ClassCancelled, Classify(context.Canceled))
	assert.Equal(t, ClassTransient, Classify(context.DeadlineExceeded))
	assert.Equal(t, ClassTransient, Classify(io.ErrUnexpectedEOF))
	assert.Equal(t, ClassTransient, Classify(&HTTPError{StatusCode: 502}))
	assert.Equal(t, ClassTransient, Classify(&HTTPError{StatusCode: 429}))
	assert.Equal(t, ClassTransient, Classify(&HTTPError{StatusCode: 408}))
	assert.Equal(t, ClassNoData, Classify(&HTTPError{StatusCode: 404}))
	assert.Equal(t, ClassFatal, Classify(&HTTPError{StatusCode: 403}))
}

func TestGet(t *testing.T) {
	t.Run("maps status codes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/ok":
				assert.Equal(t, "secret", r.Header.Get("X-Key"))
				_, _ = io.WriteString(w, "hello")
			case "/empty":
				w.WriteHeader(http.StatusNoContent)
			case "/missing":
				http.NotFound(w, r)
			default:
				http.Error(w, "boom", http.StatusBadGateway)
			}
		}))
		defer srv.Close()
		client := NewHTTPClient(5 * time.Second)

		resp, err := Get(context.Background(), client, srv.URL+"/ok", http.Header{"X-Key": []string{"secret"}})
		require.NoError(t, err)
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		assert.Equal(t, "hello", string(body))

		_, err = Get(context.Background(), client, srv.URL+"/empty", nil)
		assert.ErrorIs(t, err, ErrNoData)

		_, err = Get(context.Background(), client, srv.URL+"/missing", nil)
		assert.ErrorIs(t, err, ErrNoData)

		_, err = Get(context.Background(), client, srv.URL+"/broken", nil)
		var httpErr *HTTPError
		require.ErrorAs(t, err, &httpErr)
		assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
		assert.Equal(t, ClassTransient, Classify(err))
	})

	t.Run("an unbuildable request is fatal", func(t *testing.T) {
		_, err := Get(context.Background(), NewHTTPClient(time.Second), "http://bad host/\x7f", nil)
		assert.ErrorIs(t, err, ErrFatal)
	})
}
