package pathinfo

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"perf-tester/pkg/models"
)

// ErrBelowMin is recorded when even the smallest payload did not pass.
const ErrBelowMin models.ErrorKind = "mtu_below_min"

const (
	ipv4Overhead = 28
	ipv6Overhead = 48
	probeTimeout = 5 * time.Second
)

// MTUProbe is one don't-fragment echo attempt.
type MTUProbe struct {
	Payload  int  `json:"payload"`
	OK       bool `json:"ok"`
	ExitCode int  `json:"exit_code"`
	TimedOut bool `json:"timed_out,omitempty"`
}

// MTUSummary is the discovered path MTU.
type MTUSummary struct {
	PathMTU    int `json:"path_mtu"`
	MaxPayload int `json:"max_payload"`
	Probes     int `json:"probes"`
}

// MTUArgs returns a single don't-fragment echo of size payload bytes.
func MTUArgs(bin string, size int, host string) []string {
	return []string{bin, "-M", "do", "-s", strconv.Itoa(size), "-c", "1", "-W", "2", host}
}

// Overhead returns the IP and ICMP header bytes added to a payload sent to
// target.
func Overhead(target string) int {
	if addr, err := netip.ParseAddr(target); err == nil && addr.Is6() && !addr.Is4In6() {
		return ipv6Overhead
	}
	return ipv4Overhead
}

// Search returns the largest payload in [lo, hi] for which probe succeeds,
// assuming success is monotone in size. found is false when lo itself fails.
func Search(lo, hi int, probe func(size int) (bool, error)) (best int, found bool, err error) {
	if lo > hi {
		lo, hi = hi, lo
	}
	ok, err := probe(hi)
	if err != nil || ok {
		return hi, ok, err
	}
	if lo == hi {
		return 0, false, nil
	}
	if ok, err = probe(lo); err != nil || !ok {
		return 0, false, err
	}
	// lo passes and hi fails.
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		ok, err := probe(mid)
		if err != nil {
			return 0, false, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo, true, nil
}

// PathMTU binary-searches the largest unfragmented payload between
// spec.MTUMin and spec.MTUMax.
func (d *Diagnostics) PathMTU(ctx context.Context, spec models.TestSpec, target string, meta models.Meta) Report {
	logger := d.logger()
	meta = d.stamp(meta, ToolMTU, MTUArgs(d.pingBin(), spec.MTUMax, target))

	var probes []MTUProbe
	best, found, err := Search(spec.MTUMin, spec.MTUMax, func(size int) (bool, error) {
		out, err := d.Invoker.Invoke(ctx, MTUArgs(d.pingBin(), size, target), probeTimeout)
		if err != nil {
			return false, err
		}
		p := MTUProbe{Payload: size, OK: out.ExitCode == 0 && !out.TimedOut, ExitCode: out.ExitCode, TimedOut: out.TimedOut}
		probes = append(probes, p)
		logger.Debug("MTU probe", "target", target, "payload", size, "ok", p.OK)
		return p.OK, nil
	})

	switch {
	case err != nil:
		meta.Error = models.ErrSpawn
		logger.Warn("MTU probe could not start", "target", target, "error", err)
		return Report{Meta: meta, Raw: err.Error()}
	case !found:
		meta.Error = ErrBelowMin
		logger.Warn("No payload passed unfragmented", "target", target, "min", spec.MTUMin)
		return Report{Meta: meta, Raw: probeLog(probes)}
	}

	meta.Valid = true
	summary := MTUSummary{PathMTU: best + Overhead(target), MaxPayload: best, Probes: len(probes)}
	logger.Info("Path MTU discovered", "target", target, "mtu", summary.PathMTU, "probes", summary.Probes)
	return Report{Meta: meta, Summary: summary, Result: probes}
}

func probeLog(probes []MTUProbe) string {
	lines := make([]string, len(probes))
	for i, p := range probes {
		lines[i] = fmt.Sprintf("payload=%d ok=%t exit=%d", p.Payload, p.OK, p.ExitCode)
	}
	return strings.Join(lines, "\n")
}
