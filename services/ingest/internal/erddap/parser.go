package erddap

import (
	"fmt"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/utils"
)

// Column names understood by the parser. Unknown requested columns are ignored.
const (
	colFloatID     = "platform_number"
	colTime        = "time"
	colLatitude    = "latitude"
	colLongitude   = "longitude"
	colPressure    = "pres"
	colTemperature = "temp"
	colSalinity    = "psal"
	colOxygen      = "doxy"
	colChlorophyll = "chla"
)

// Parser turns positional CSV rows into measurements.
type Parser struct {
	index    map[string]int
	minWidth int
}

// NewParser builds a parser for rows laid out in the given column order.
func NewParser(fields []string) (*Parser, error) {
	p := &Parser{index: make(map[string]int, len(fields))}
	for i, f := range fields {
		p.index[f] = i
	}
	for _, required := range []string{colFloatID, colTime, colLatitude, colLongitude} {
		i, ok := p.index[required]
		if !ok {
			return nil, fmt.Errorf("erddap fields must include %q", required)
		}
		if i+1 > p.minWidth {
			p.minWidth = i + 1
		}
	}
	return p, nil
}

// Parse converts one row. It never panics; malformed rows come back as an
// error wrapping models.ErrRejected.
func (p *Parser) Parse(row Row) (models.Measurement, error) {
	if len(row) < p.minWidth {
		return models.Measurement{}, fmt.Errorf("%w: %d fields, need %d", models.ErrRejected, len(row), p.minWidth)
	}

	floatID, ok := utils.NormalizeFloatID(row[p.index[colFloatID]])
	if !ok {
		return models.Measurement{}, fmt.Errorf("%w: float_id %q", models.ErrRejected, row[p.index[colFloatID]])
	}
	observedAt, ok := utils.ParseTimestamp(row[p.index[colTime]])
	if !ok {
		return models.Measurement{}, fmt.Errorf("%w: time %q", models.ErrRejected, row[p.index[colTime]])
	}
	lat := utils.ParseNullableFloat(row[p.index[colLatitude]])
	if lat == nil || !models.ValidLatitude(*lat) {
		return models.Measurement{}, fmt.Errorf("%w: latitude %q", models.ErrRejected, row[p.index[colLatitude]])
	}
	lon := utils.ParseNullableFloat(row[p.index[colLongitude]])
	if lon == nil || !models.ValidLongitude(*lon) {
		return models.Measurement{}, fmt.Errorf("%w: longitude %q", models.ErrRejected, row[p.index[colLongitude]])
	}

	m := models.Measurement{
		FloatID:         floatID,
		ObservedAt:      observedAt,
		Latitude:        *lat,
		Longitude:       *lon,
		Pressure:        p.optional(row, colPressure),
		Temperature:     p.optional(row, colTemperature),
		Salinity:        p.optional(row, colSalinity),
		DissolvedOxygen: p.optional(row, colOxygen),
		Chlorophyll:     p.optional(row, colChlorophyll),
	}
	if m.Pressure != nil && *m.Pressure < 0 {
		m.Pressure = nil
	}
	return m, nil
}

func (p *Parser) optional(row Row, column string) *float64 {
	i, ok := p.index[column]
	if !ok || i >= len(row) {
		return nil
	}
	return utils.ParseNullableFloat(row[i])
}
