package config

import (
	"slices"
	"strings"

	"github.com/02loveslollipop/argo-ingest/services/ingest/internal/models"
)

// regions are the named bounding boxes accepted by --region / INGEST_REGION.
var regions = map[string]models.Region{
	"indian ocean":      {LatMin: -40, LatMax: 25, LonMin: 30, LonMax: 120},
	"bay of bengal":     {LatMin: 5, LatMax: 22, LonMin: 80, LonMax: 95},
	"arabian sea":       {LatMin: 5, LatMax: 25, LonMin: 50, LonMax: 75},
	"pacific ocean":     {LatMin: -60, LatMax: 60, LonMin: 100, LonMax: 180},
	"atlantic ocean":    {LatMin: -60, LatMax: 60, LonMin: -80, LonMax: 0},
	"mediterranean sea": {LatMin: 30, LatMax: 46, LonMin: -6, LonMax: 36},
	"south china sea":   {LatMin: 0, LatMax: 25, LonMin: 100, LonMax: 121},
	"caribbean sea":     {LatMin: 10, LatMax: 22, LonMin: -88, LonMax: -60},
}

// LookupRegion resolves a region name. Case, underscores and hyphens are
// ignored, so "Bay of Bengal" and "bay_of_bengal" match.
func LookupRegion(name string) (models.Region, bool) {
	key := strings.NewReplacer("_", " ", "-", " ").Replace(strings.ToLower(name))
	r, ok := regions[strings.Join(strings.Fields(key), " ")]
	return r, ok
}

// RegionNames lists the known regions in sorted order.
func RegionNames() []string {
	names := make([]string, 0, len(regions))
	for name := range regions {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
