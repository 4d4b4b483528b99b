package risk

import (
	"fmt"
	"strconv"
	"strings"
)

// defaultGeoScores are country risk scores in [0, 1]. Unlisted countries score 0.
var defaultGeoScores = map[string]float64{
	"KP": 1.0,
	"IR": 0.9,
	"SY": 0.9,
	"YE": 0.8,
	"AF": 0.8,
	"MM": 0.8,
	"SS": 0.75,
	"VE": 0.7,
	"HT": 0.6,
	"NI": 0.5,
}

// GeoTable scores ISO 3166 alpha-2 country codes.
type GeoTable struct {
	scores map[string]float64
}

// NewGeoTable overlays overrides (country to score string) on the default table.
func NewGeoTable(overrides map[string]string) (*GeoTable, error) {
	scores := make(map[string]float64, len(defaultGeoScores)+len(overrides))
	for k, v := range defaultGeoScores {
		scores[k] = v
	}
	for k, v := range overrides {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f < 0 || f > 1 {
			return nil, fmt.Errorf("geo score for %s must be between 0 and 1", k)
		}
		scores[strings.ToUpper(k)] = f
	}
	return &GeoTable{scores: scores}, nil
}

// Score returns the risk score for a country.
func (g *GeoTable) Score(country string) float64 {
	if g == nil {
		return 0
	}
	return g.scores[strings.ToUpper(country)]
}
