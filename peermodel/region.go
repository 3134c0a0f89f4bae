package peermodel

// Region is a coarse geographic bucket used only to enforce circuit
// diversity (spec §4.3 step 3), derived by point-in-box lookup against six
// fixed continental bounding boxes.
type Region string

const (
	RegionNA      Region = "NA"
	RegionEU      Region = "EU"
	RegionAS      Region = "AS"
	RegionSA      Region = "SA"
	RegionAF      Region = "AF"
	RegionOC      Region = "OC"
	RegionUnknown Region = "UNKNOWN"
)

type box struct {
	region                       Region
	minLat, maxLat, minLon, maxLon float64
}

// Coarse continental bounding boxes. These are deliberately approximate —
// diversity is a heuristic, not a precise geofence — and mirror the six
// regions named in the spec glossary (NA, EU, AS, SA, AF, OC) plus Unknown.
var boxes = []box{
	{RegionNA, 5, 85, -170, -50},
	{RegionSA, -60, 15, -85, -30},
	{RegionEU, 34, 72, -25, 45},
	{RegionAF, -40, 38, -20, 55},
	{RegionAS, -10, 80, 45, 180},
	{RegionOC, -50, 0, 110, 180},
}

// ClassifyRegion returns the region containing loc, or RegionUnknown if no
// box matches or loc is absent.
func ClassifyRegion(loc *Location) Region {
	if loc == nil {
		return RegionUnknown
	}
	for _, b := range boxes {
		if loc.Latitude >= b.minLat && loc.Latitude <= b.maxLat &&
			loc.Longitude >= b.minLon && loc.Longitude <= b.maxLon {
			return b.region
		}
	}
	return RegionUnknown
}
