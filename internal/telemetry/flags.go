package telemetry

// Anomaly flags attached to a record. Advisory only.
const (
	FlagExcessiveIdle  = "excessive_idle_time"
	FlagRouteDeviation = "route_deviation"
)

// routeDeviationRatio is how much longer than the straight line a route
// may be before it is flagged.
const routeDeviationRatio = 1.5

// Flags inspects a trip given its travelled distance. A vehicle that pinged
// more than twice but barely moved is idling; a route much longer than its
// displacement has deviated.
func Flags(tr Trip, travelledKm float64) []string {
	flags := []string{}
	if len(tr.Pings) > 2 && travelledKm < 1.0 {
		flags = append(flags, FlagExcessiveIdle)
	}
	if disp := tr.DisplacementKm(); disp > 0 && travelledKm > routeDeviationRatio*disp {
		flags = append(flags, FlagRouteDeviation)
	}
	return flags
}
