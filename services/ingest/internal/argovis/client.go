// Package argovis fetches Argo profiles from the Argovis REST API and
// flattens them into one row per depth level.
package argovis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/fetch"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
)

const (
	DefaultBaseURL = "https://argovis-api.colorado.edu"
	apiKeyHeader   = "x-argokey"
)

// DefaultVariables are the per-level measurements requested for every profile.
var DefaultVariables = []string{"pressure", "temperature", "salinity", "doxy", "chla"}

// Level is one depth level of one profile. Values absent from the profile are nil.
type Level struct {
	ProfileID   string
	Timestamp   string
	Latitude    *float64
	Longitude   *float64
	Pressure    *float64
	Temperature *float64
	Salinity    *float64
	Oxygen      *float64
	Chlorophyll *float64
}

// profile mirrors the subset of the Argovis profile document we read.
type profile struct {
	ID          string `json:"_id"`
	Timestamp   string `json:"timestamp"`
	Geolocation struct {
		Coordinates []*float64 `json:"coordinates"`
	} `json:"geolocation"`
	Data     [][]*float64      `json:"data"`
	DataInfo []json.RawMessage `json:"data_info"`
}

type Options struct {
	BaseURL   string
	APIKey    string
	Variables []string
	Region    models.Region
	Timeout   time.Duration
}

// Client issues one /argo search per window.
type Client struct {
	http      *http.Client
	baseURL   string
	apiKey    string
	variables []string
	region    models.Region
}

func NewClient(opts Options) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(opts.BaseURL, "/"),
		apiKey:    opts.APIKey,
		variables: opts.Variables,
		region:    opts.Region,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if len(c.variables) == 0 {
		c.variables = DefaultVariables
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	c.http = fetch.NewHTTPClient(timeout)
	return c
}

// WindowURL builds the profile search for w. Argovis treats endDate as
// exclusive, which matches the window's half-open interval.
func (c *Client) WindowURL(w models.Window) string {
	q := url.Values{}
	q.Set("startDate", w.Start.UTC().Format(time.RFC3339))
	q.Set("endDate", w.End.UTC().Format(time.RFC3339))
	q.Set("data", strings.Join(c.variables, ","))
	if !c.region.IsZero() {
		q.Set("box", fmt.Sprintf("[[%s,%s],[%s,%s]]",
			formatFloat(c.region.LonMin), formatFloat(c.region.LatMin),
			formatFloat(c.region.LonMax), formatFloat(c.region.LatMax)))
	}
	return c.baseURL + "/argo?" + q.Encode()
}

// CloseIdleConnections drops keep-alive connections to the API.
func (c *Client) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

// FetchWindow performs one request and flattens the returned profiles.
func (c *Client) FetchWindow(ctx context.Context, w models.Window) ([]Level, error) {
	fullURL := c.WindowURL(w)
	var header http.Header
	if c.apiKey != "" {
		header = http.Header{apiKeyHeader: []string{c.apiKey}}
	}

	resp, err := fetch.Get(ctx, c.http, fullURL, header)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", fullURL, err)
	}
	profiles, err := decodeProfiles(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", fullURL, err)
	}

	var levels []Level
	for _, p := range profiles {
		levels = append(levels, p.levels()...)
	}
	return levels, nil
}

// apiMessage is the {"code":..,"message":..} object the API sends instead of
// a profile array.
type apiMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// decodeProfiles accepts either a profile array or an API message object.
// Only a 404 message means the window is empty; any other message is an
// upstream error and is left for the fetcher to retry.
func decodeProfiles(body []byte) ([]profile, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, nil
	}
	if trimmed[0] == '{' {
		var msg apiMessage
		if err := json.Unmarshal(trimmed, &msg); err != nil {
			return nil, err
		}
		if msg.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", fetch.ErrNoData, msg.Message)
		}
		return nil, fmt.Errorf("argovis answered code %d: %s", msg.Code, msg.Message)
	}

	var profiles []profile
	if err := json.Unmarshal(trimmed, &profiles); err != nil {
		return nil, err
	}
	return profiles, nil
}

// levels flattens a profile. Pressure drives the level count; shorter
// variable arrays leave the missing tail nil.
func (p profile) levels() []Level {
	names := p.variableNames()
	columns := make(map[string][]*float64, len(names))
	for i, name := range names {
		if i < len(p.Data) {
			columns[name] = p.Data[i]
		}
	}

	var lat, lon *float64
	if len(p.Geolocation.Coordinates) == 2 {
		lon, lat = p.Geolocation.Coordinates[0], p.Geolocation.Coordinates[1]
	}

	pressure := columns["pressure"]
	out := make([]Level, 0, len(pressure))
	for i := range pressure {
		out = append(out, Level{
			ProfileID:   p.ID,
			Timestamp:   p.Timestamp,
			Latitude:    lat,
			Longitude:   lon,
			Pressure:    at(pressure, i),
			Temperature: at(columns["temperature"], i),
			Salinity:    at(columns["salinity"], i),
			Oxygen:      at(columns["doxy"], i),
			Chlorophyll: at(columns["chla"], i),
		})
	}
	return out
}

// variableNames reads data_info[0], the list naming each row of data.
func (p profile) variableNames() []string {
	if len(p.DataInfo) == 0 {
		return nil
	}
	var names []string
	if err := json.Unmarshal(p.DataInfo[0], &names); err != nil {
		return nil
	}
	return names
}

func at(values []*float64, i int) *float64 {
	if i < len(values) {
		return values[i]
	}
	return nil
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
