package argovis

import (
	"fmt"
	"strings"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/utils"
)

// Parser turns flattened profile levels into measurements.
type Parser struct{}

// Parse converts one level. Profile ids look like "<float>_<cycle>"; the
// float part becomes FloatID. Levels carrying neither temperature nor
// salinity hold nothing worth storing and are rejected.
func (Parser) Parse(l Level) (models.Measurement, error) {
	rawID, _, _ := strings.Cut(l.ProfileID, "_")
	floatID, ok := utils.NormalizeFloatID(rawID)
	if !ok {
		return models.Measurement{}, fmt.Errorf("%w: profile id %q", models.ErrRejected, l.ProfileID)
	}
	observedAt, ok := utils.ParseTimestamp(l.Timestamp)
	if !ok {
		return models.Measurement{}, fmt.Errorf("%w: timestamp %q", models.ErrRejected, l.Timestamp)
	}
	lat := utils.NormalizeValue(l.Latitude)
	if lat == nil || !models.ValidLatitude(*lat) {
		return models.Measurement{}, fmt.Errorf("%w: latitude %s", models.ErrRejected, utils.ValuePtrString(l.Latitude))
	}
	lon := utils.NormalizeValue(l.Longitude)
	if lon == nil || !models.ValidLongitude(*lon) {
		return models.Measurement{}, fmt.Errorf("%w: longitude %s", models.ErrRejected, utils.ValuePtrString(l.Longitude))
	}

	m := models.Measurement{
		FloatID:         floatID,
		ObservedAt:      observedAt,
		Latitude:        *lat,
		Longitude:       *lon,
		Pressure:        utils.NormalizeValue(l.Pressure),
		Temperature:     utils.NormalizeValue(l.Temperature),
		Salinity:        utils.NormalizeValue(l.Salinity),
		DissolvedOxygen: utils.NormalizeValue(l.Oxygen),
		Chlorophyll:     utils.NormalizeValue(l.Chlorophyll),
	}
	if m.Pressure != nil && *m.Pressure < 0 {
		m.Pressure = nil
	}
	if m.Temperature == nil && m.Salinity == nil {
		return models.Measurement{}, fmt.Errorf("%w: %s has no temperature or salinity", models.ErrRejected, m.Key())
	}
	return m, nil
}
