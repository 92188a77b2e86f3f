// internal/monitoring/prober.go - ICMP reachability probing
package monitoring

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// ErrInvalidAddress marks a probe target that is syntactically unusable.
// It is returned before any network activity takes place.
var ErrInvalidAddress = errors.New("invalid address")

// ProbeOutcome is the result of a single reachability check. LatencyMs is
// set only when the target was reachable. ErrorReason carries the failure
// cause: "timeout" when the probe deadline elapsed, "no response" when the
// packet was lost, otherwise a short description of the network error.
type ProbeOutcome struct {
	Reachable   bool
	LatencyMs   *float64
	ErrorReason string
}

// Prober performs one reachability check against one address. A non-nil
// error means the probe could not run at all (ErrInvalidAddress); every
// network-level failure is reported inside the outcome instead. Probers
// never retry.
type Prober interface {
	Probe(ctx context.Context, address string, timeout time.Duration) (ProbeOutcome, error)
}

// Hostname labels per RFC 1123: alphanumeric with inner hyphens, dot-separated.
var hostnameLabelPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

func validAddress(address string) bool {
	if address == "" || len(address) > 253 {
		return false
	}
	if net.ParseIP(address) != nil {
		return true
	}
	for _, label := range strings.Split(address, ".") {
		if !hostnameLabelPattern.MatchString(label) {
			return false
		}
	}
	return true
}

// PingProber probes with a single ICMP echo request. Privileged mode uses
// raw sockets and needs CAP_NET_RAW; unprivileged mode uses UDP ping,
// which on Linux requires net.ipv4.ping_group_range to cover the process.
type PingProber struct {
	privileged bool
}

func NewPingProber(privileged bool) *PingProber {
	return &PingProber{privileged: privileged}
}

func (p *PingProber) Probe(ctx context.Context, address string, timeout time.Duration) (ProbeOutcome, error) {
	if !validAddress(address) {
		return ProbeOutcome{}, fmt.Errorf("%w: %q", ErrInvalidAddress, address)
	}

	pinger, err := probing.NewPinger(address)
	if err != nil {
		// Resolution failures are probe data, not caller errors.
		return ProbeOutcome{ErrorReason: err.Error()}, nil
	}
	pinger.Count = 1
	pinger.Timeout = timeout
	pinger.SetPrivileged(p.privileged)

	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := pinger.RunWithContext(probeCtx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			return ProbeOutcome{ErrorReason: "timeout"}, nil
		}
		return ProbeOutcome{ErrorReason: err.Error()}, nil
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv == 0 {
		reason := "no response"
		if probeCtx.Err() != nil {
			reason = "timeout"
		}
		return ProbeOutcome{ErrorReason: reason}, nil
	}

	latency := float64(stats.AvgRtt) / float64(time.Millisecond)
	return ProbeOutcome{Reachable: true, LatencyMs: &latency}, nil
}
