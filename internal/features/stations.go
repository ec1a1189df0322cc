package features

// StationCandidate is one station to try for a city, tagged with the
// resolution strategy that produced it.
type StationCandidate struct {
	StationID string
	Strategy  string
}

// Resolver maps a market's city code to station candidates. Strategies run
// in a fixed order so resolution is deterministic: the configured city
// table first, then the ICAO "K" prefix convention, then the code itself.
type Resolver struct {
	cities map[string][]string
}

func NewResolver(cities map[string][]string) *Resolver {
	return &Resolver{cities: cities}
}

// Candidates returns the stations to try for a city code, in priority
// order and without duplicates.
func (r *Resolver) Candidates(cityCode string) []StationCandidate {
	var out []StationCandidate
	seen := make(map[string]bool)
	add := func(stationID, strategy string) {
		if stationID == "" || seen[stationID] {
			return
		}
		seen[stationID] = true
		out = append(out, StationCandidate{StationID: stationID, Strategy: strategy})
	}

	for _, id := range r.cities[cityCode] {
		add(id, "city_table")
	}
	if len(cityCode) == 3 {
		add("K"+cityCode, "icao_prefix")
	}
	add(cityCode, "bare_code")

	return out
}
