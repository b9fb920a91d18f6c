// Package erddap fetches Argo profiles from an ERDDAP tabledap server as CSV.
package erddap

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/fetch"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
)

const (
	DefaultBaseURL = "https://erddap.ifremer.fr/erddap"
	DefaultDataset = "ArgoFloats"
)

// DefaultFields are the variables requested from the ArgoFloats dataset, in column order.
var DefaultFields = []string{"platform_number", "time", "latitude", "longitude", "pres", "temp", "psal"}

// Row is one CSV record as returned by the server.
type Row []string

// Client issues one tabledap request per window.
type Client struct {
	http    *http.Client
	baseURL string
	dataset string
	fields  []string
	region  models.Region
}

// Options configures a Client. Zero values fall back to the defaults above.
type Options struct {
	BaseURL string
	Dataset string
	Fields  []string
	Region  models.Region
	Timeout time.Duration
}

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		dataset: opts.Dataset,
		fields:  opts.Fields,
		region:  opts.Region,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.dataset == "" {
		c.dataset = DefaultDataset
	}
	if len(c.fields) == 0 {
		c.fields = DefaultFields
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	c.http = fetch.NewHTTPClient(timeout)
	return c
}

// CloseIdleConnections drops keep-alive connections to the server.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// Fields returns the requested column order, which the Parser must share.
func (c *Client) Fields() []string {
	return c.fields
}

// WindowURL builds the tabledap query for w.
func (c *Client) WindowURL(w models.Window) string {
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteString("/tabledap/")
	b.WriteString(c.dataset)
	b.WriteString(".csv?")
	b.WriteString(strings.Join(c.fields, ","))

	constraint := func(variable, op, value string) {
		b.WriteString("&")
		b.WriteString(variable)
		b.WriteString(escapeOperator(op))
		b.WriteString(value)
	}
	constraint("time", ">=", w.Start.UTC().Format(time.RFC3339))
	constraint("time", "<", w.End.UTC().Format(time.RFC3339))
	if !c.region.IsZero() {
		constraint("latitude", ">=", formatFloat(c.region.LatMin))
		constraint("latitude", "<=", formatFloat(c.region.LatMax))
		constraint("longitude", ">=", formatFloat(c.region.LonMin))
		constraint("longitude", "<=", formatFloat(c.region.LonMax))
	}
	return b.String()
}

// FetchWindow performs one request. The first two CSV records are the column
// names and units; everything after them is data.
func (c *Client) FetchWindow(ctx context.Context, w models.Window) ([]Row, error) {
	fullURL := c.WindowURL(w)
	resp, err := fetch.Get(ctx, c.http, fullURL, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	rows, err := c.readCSV(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fullURL, err)
	}
	return rows, nil
}

func (c *Client) readCSV(r io.Reader) ([]Row, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.ReuseRecord = false

	var rows []Row
	for line := 0; ; line++ {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			// A body cut mid-transfer surfaces here; the fetcher retries it.
			return nil, err
		}
		switch line {
		case 0:
			if err := c.checkHeader(record); err != nil {
				return nil, err
			}
		case 1:
			// units row
		default:
			rows = append(rows, Row(record))
		}
	}
	return rows, nil
}

func (c *Client) checkHeader(header []string) error {
	if len(header) < len(c.fields) {
		return fmt.Errorf("%w: header has %d columns, requested %d", fetch.ErrFatal, len(header), len(c.fields))
	}
	for i, name := range c.fields {
		if strings.TrimSpace(header[i]) != name {
			return fmt.Errorf("%w: column %d is %q, requested %q", fetch.ErrFatal, i, header[i], name)
		}
	}
	return nil
}

func escapeOperator(op string) string {
	return strings.NewReplacer(">", "%3E", "<", "%3C").Replace(op)
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
