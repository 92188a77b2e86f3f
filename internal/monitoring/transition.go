// internal/monitoring/transition.go
package monitoring

import "fleetwatch/internal/database"

// DetectTransition maps a probe outcome onto the device status model and
// reports whether the status changed. Probes only ever produce online or
// offline; warning, maintenance and unknown are operator-set states that
// the next probe result overrides.
func DetectTransition(old database.DeviceStatus, reachable bool) (database.DeviceStatus, bool) {
	next := database.StatusOffline
	if reachable {
		next = database.StatusOnline
	}
	return next, next != old
}
