package preflight

import (
	"regexp"
	"strconv"

	"perf-tester/pkg/models"
)

// Dialect recognises the summary printed by one ping implementation.
type Dialect struct {
	Name string
	// RTT captures min, avg and max in that order.
	RTT *regexp.Regexp
	// Counts captures transmitted then received.
	Counts *regexp.Regexp
	Loss   *regexp.Regexp
}

var (
	lossPercent = regexp.MustCompile(`([\d.]+)% packet loss`)
	ttlField    = regexp.MustCompile(`(?i)\bttl[=:](\d+)`)
)

// Dialects lists the known implementations in matching order.
var Dialects = []Dialect{
	{
		Name:   "iputils",
		RTT:    regexp.MustCompile(`rtt min/avg/max/mdev = ([\d.]+)/([\d.]+)/([\d.]+)/[\d.]+ ms`),
		Counts: regexp.MustCompile(`(\d+) packets transmitted, (\d+) received`),
		Loss:   lossPercent,
	},
	{
		Name:   "windows",
		RTT:    regexp.MustCompile(`Minimum = (\d+)ms, Maximum = (\d+)ms, Average = (\d+)ms`),
		Counts: regexp.MustCompile(`Packets: Sent = (\d+), Received = (\d+)`),
		Loss:   regexp.MustCompile(`\((\d+)% loss\)`),
	},
	{
		Name:   "bsd",
		RTT:    regexp.MustCompile(`round-trip min/avg/max/(?:stddev|std-dev) = ([\d.]+)/([\d.]+)/([\d.]+)/[\d.]+ ms`),
		Counts: regexp.MustCompile(`(\d+) packets transmitted, (\d+) packets received`),
		Loss:   lossPercent,
	},
	{
		Name:   "busybox",
		RTT:    regexp.MustCompile(`round-trip min/avg/max = ([\d.]+)/([\d.]+)/([\d.]+) ms`),
		Counts: regexp.MustCompile(`(\d+) packets transmitted, (\d+) packets received`),
		Loss:   lossPercent,
	},
}

func float(s string) *float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}

func integer(s string) *int {
	v, err := strconv.Atoi(s)
	if err != nil {
		return nil
	}
	return &v
}

// match extracts what the dialect recognises. With needRTT set it reports
// false unless the RTT line is present; otherwise the counts line suffices,
// which is all ping prints when every probe was lost.
func (d Dialect) match(out string, needRTT bool) (models.PreflightStats, bool) {
	stats := models.PreflightStats{Dialect: d.Name}
	rtt := d.RTT.FindStringSubmatch(out)
	counts := d.Counts.FindStringSubmatch(out)
	if rtt == nil && (needRTT || counts == nil) {
		return stats, false
	}
	if rtt != nil {
		if d.Name == "windows" {
			// Minimum, Maximum, Average.
			stats.MinMs, stats.MaxMs, stats.AvgMs = float(rtt[1]), float(rtt[2]), float(rtt[3])
		} else {
			stats.MinMs, stats.AvgMs, stats.MaxMs = float(rtt[1]), float(rtt[2]), float(rtt[3])
		}
	}
	if counts != nil {
		stats.Transmitted, stats.Received = integer(counts[1]), integer(counts[2])
	}
	if loss := d.Loss.FindStringSubmatch(out); loss != nil {
		stats.LossPercent = float(loss[1])
	}
	return stats, true
}

// Parse extracts echo statistics from ping output in any known dialect.
// Fields the output does not yield are left nil. The TTL is averaged over
// every reply line.
func Parse(out string) models.PreflightStats {
	var stats models.PreflightStats
	matched := false
	for _, needRTT := range []bool{true, false} {
		for _, d := range Dialects {
			if s, ok := d.match(out, needRTT); ok {
				stats, matched = s, true
				break
			}
		}
		if matched {
			break
		}
	}
	if ttls := ttlField.FindAllStringSubmatch(out, -1); len(ttls) > 0 {
		var sum float64
		for _, m := range ttls {
			v, _ := strconv.ParseFloat(m[1], 64)
			sum += v
		}
		avg := sum / float64(len(ttls))
		stats.TTLAvg = &avg
	}
	return stats
}
