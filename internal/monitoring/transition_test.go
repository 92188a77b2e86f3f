// internal/monitoring/transition_test.go
package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fleetwatch/internal/database"
)

func TestDetectTransition(t *testing.T) {
	tests := []struct {
		name      string
		old       database.DeviceStatus
		reachable bool
		want      database.DeviceStatus
		changed   bool
	}{
		{"online stays online", database.StatusOnline, true, database.StatusOnline, false},
		{"online goes offline", database.StatusOnline, false, database.StatusOffline, true},
		{"offline stays offline", database.StatusOffline, false, database.StatusOffline, false},
		{"offline recovers", database.StatusOffline, true, database.StatusOnline, true},
		{"unknown comes online", database.StatusUnknown, true, database.StatusOnline, true},
		{"unknown goes offline", database.StatusUnknown, false, database.StatusOffline, true},
		{"warning recovers", database.StatusWarning, true, database.StatusOnline, true},
		{"warning goes offline", database.StatusWarning, false, database.StatusOffline, true},
		{"maintenance comes online", database.StatusMaintenance, true, database.StatusOnline, true},
		{"maintenance goes offline", database.StatusMaintenance, false, database.StatusOffline, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed := DetectTransition(tt.old, tt.reachable)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.changed, changed)
		})
	}
}
