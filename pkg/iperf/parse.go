// Package iperf builds iperf3 client command lines and interprets their JSON
// output.
package iperf

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"perf-tester/pkg/models"
)

// Report is a parsed run. Raw holds the exact bytes that were decoded, which
// may differ from the tool output when sanitization was needed.
type Report struct {
	Output    Output
	Raw       json.RawMessage
	Sanitized bool
}

// Sanitize removes control characters (other than tab, newline and carriage
// return) and trims everything outside the outermost JSON object. It returns
// the input unchanged when no braces are present.
func Sanitize(s string) string {
	cleaned := strings.Map(func(r rune) rune {
		if r == '\t' || r == '\n' || r == '\r' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, s)
	first := strings.IndexByte(cleaned, '{')
	last := strings.LastIndexByte(cleaned, '}')
	if first < 0 || last < first {
		return cleaned
	}
	return cleaned[first : last+1]
}

// Parse decodes tool output. Clean JSON is decoded directly; otherwise the
// output is sanitized exactly once and decoded again. Parse is deterministic:
// the same input always yields the same report or the same error.
func Parse(stdout string) (*Report, error) {
	if r, err := decode([]byte(stdout)); err == nil {
		return r, nil
	}
	sanitized := Sanitize(stdout)
	r, err := decode([]byte(sanitized))
	if err != nil {
		return nil, fmt.Errorf("failed to parse iperf3 output: %w", err)
	}
	r.Sanitized = true
	return r, nil
}

func decode(b []byte) (*Report, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '{' {
		return nil, fmt.Errorf("output is not a JSON object")
	}
	var out Output
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &Report{Output: out, Raw: json.RawMessage(b)}, nil
}

// Summary projects the report onto the per-protocol summary fields.
func (r *Report) Summary(proto models.Protocol) models.Summary {
	end := r.Output.End
	if proto == models.ProtocolUDP {
		s := UDPStats(r.Output)
		return models.Summary{
			UDPBps:         s.BitsPerSecond,
			UDPJitterMs:    s.JitterMS,
			UDPLostPercent: s.LostPercent,
			UDPPackets:     s.Packets,
		}
	}
	var sum models.Summary
	if end.SumSent != nil {
		sum.TCPSentBps = end.SumSent.BitsPerSecond
		sum.TCPRetransmits = end.SumSent.Retransmits
	}
	if end.SumReceived != nil {
		sum.TCPRecvBps = end.SumReceived.BitsPerSecond
	}
	return sum
}

// UDPStats returns the UDP totals block, preferring end.sum and falling back
// to end.sum_received. It returns an empty Sum when neither is present.
func UDPStats(out Output) Sum {
	switch {
	case out.End.Sum != nil:
		return *out.End.Sum
	case out.End.SumReceived != nil:
		return *out.End.SumReceived
	}
	return Sum{}
}

// ClientArgs describes one iperf3 client invocation.
type ClientArgs struct {
	Binary    string
	Host      string
	Port      int
	Duration  time.Duration
	Parallel  int
	Protocol  models.Protocol
	Bandwidth float64
	Direction models.Direction
}

// Args renders the command line:
//
//	iperf3 -c host -p port -t secs -P n -J [-u -b bw] [-R]
func (c ClientArgs) Args() []string {
	bin := c.Binary
	if bin == "" {
		bin = "iperf3"
	}
	secs := int(c.Duration / time.Second)
	if secs < 1 {
		secs = 1
	}
	parallel := c.Parallel
	if parallel < 1 {
		parallel = 1
	}
	args := []string{
		bin,
		"-c", c.Host,
		"-p", strconv.Itoa(c.Port),
		"-t", strconv.Itoa(secs),
		"-P", strconv.Itoa(parallel),
		"-J",
	}
	if c.Protocol == models.ProtocolUDP {
		args = append(args, "-u", "-b", models.FormatBps(c.Bandwidth))
	}
	if c.Direction == models.Downlink {
		args = append(args, "-R")
	}
	return args
}
