package models

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// Measurement is one observation at one depth level for one float at one instant.
// FloatID, ObservedAt and Pressure form the natural key.
type Measurement struct {
	FloatID         string
	ObservedAt      time.Time
	Latitude        float64
	Longitude       float64
	Pressure        *float64
	Temperature     *float64
	Salinity        *float64
	DissolvedOxygen *float64
	Chlorophyll     *float64
}

// Key returns the natural identity of the measurement.
func (m Measurement) Key() Key {
	k := Key{FloatID: m.FloatID, ObservedAt: m.ObservedAt}
	if m.Pressure != nil {
		k.Pressure = *m.Pressure
		k.HasPressure = true
	}
	return k
}

// Key is the composite upsert key of a measurement.
type Key struct {
	FloatID     string
	ObservedAt  time.Time
	Pressure    float64
	HasPressure bool
}

func (k Key) String() string {
	p := "null"
	if k.HasPressure {
		p = fmt.Sprintf("%.2f", k.Pressure)
	}
	return fmt.Sprintf("%s@%s/%s", k.FloatID, k.ObservedAt.UTC().Format(time.RFC3339), p)
}

// Outcome is the settled result of one window.
type Outcome string

const (
	OutcomeRowsPersisted Outcome = "rows_persisted"
	OutcomeNoData        Outcome = "no_data"
	OutcomeFailed        Outcome = "failed"
)

// WindowReport is emitted once per processed window.
type WindowReport struct {
	Window       Window
	Outcome      Outcome
	Fetched      int
	Rejected     int
	Persisted    int
	Duplicates   int
	RowFailures  int
	Attempts     int
	RunningTotal int
	Err          error
}

// StopReason says why a run ended.
type StopReason string

const (
	StopCompleted StopReason = "completed"
	StopCancelled StopReason = "cancelled"
	StopFatal     StopReason = "fatal"
)

// Summary describes a finished ingestion run.
type Summary struct {
	RunID            string
	Source           string
	StartedAt        time.Time
	FinishedAt       time.Time
	RangeStart       time.Time
	RangeEnd         time.Time
	WindowsAttempted int
	WindowsNoData    int
	WindowsFailed    int
	RowsFetched      int
	RowsRejected     int
	RowsPersisted    int
	RowsDuplicate    int
	RowFailures      int
	BreakerTrips     int
	Checkpoint       time.Time
	CheckpointErrors int
	Reason           StopReason
}

// RowFailure is a record the sink could not persist.
type RowFailure struct {
	Key Key
	Err error
}

// UpsertResult is what the sink reports for one batch. Persisted counts newly
// stored rows; Duplicates counts rows whose key was already present.
type UpsertResult struct {
	Persisted  int
	Duplicates int
	Failures   []RowFailure
}

// DataStats summarizes the stored measurement table. Value ranges cover
// non-null samples only and are nil when there are none.
type DataStats struct {
	Rows     int64      `json:"rows"`
	Floats   int64      `json:"floats"`
	Earliest *time.Time `json:"earliest,omitempty"`
	Latest   *time.Time `json:"latest,omitempty"`
	TempMin  *float64   `json:"temperature_min,omitempty"`
	TempMax  *float64   `json:"temperature_max,omitempty"`
	TempAvg  *float64   `json:"temperature_avg,omitempty"`
	SalMin   *float64   `json:"salinity_min,omitempty"`
	SalMax   *float64   `json:"salinity_max,omitempty"`
	SalAvg   *float64   `json:"salinity_avg,omitempty"`
}

// ErrRejected is wrapped by parser errors for rows that cannot become a Measurement.
var ErrRejected = errors.New("row rejected")

// ValidLatitude reports whether lat is a usable latitude in degrees.
func ValidLatitude(lat float64) bool {
	return !math.IsNaN(lat) && lat >= -90 && lat <= 90
}

// ValidLongitude accepts both [-180,180] and [0,360] conventions.
func ValidLongitude(lon float64) bool {
	return !math.IsNaN(lon) && lon >= -180 && lon <= 360
}

// Region is an optional geographic bounding box applied to upstream queries.
type Region struct {
	LatMin float64 `yaml:"lat_min"`
	LatMax float64 `yaml:"lat_max"`
	LonMin float64 `yaml:"lon_min"`
	LonMax float64 `yaml:"lon_max"`
}

// IsZero reports whether no bounds are set.
func (r Region) IsZero() bool {
	return r == Region{}
}
