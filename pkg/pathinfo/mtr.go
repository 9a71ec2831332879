package pathinfo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"perf-tester/pkg/invoke"
	"perf-tester/pkg/models"
)

// flexInt decodes integers that some mtr releases emit as strings.
type flexInt int

func (f *flexInt) UnmarshalJSON(b []byte) error {
	s := string(bytes.Trim(b, `"`))
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid integer %s: %w", b, err)
	}
	*f = flexInt(v)
	return nil
}

type mtrOutput struct {
	Report struct {
		MTR struct {
			Src   string  `json:"src"`
			Dst   string  `json:"dst"`
			Tests flexInt `json:"tests"`
		} `json:"mtr"`
		Hubs []struct {
			Count flexInt `json:"count"`
			Host  string  `json:"host"`
			Loss  float64 `json:"Loss%"`
			Snt   flexInt `json:"Snt"`
			Last  float64 `json:"Last"`
			Avg   float64 `json:"Avg"`
			Best  float64 `json:"Best"`
			Wrst  float64 `json:"Wrst"`
			StDev float64 `json:"StDev"`
		} `json:"hubs"`
	} `json:"report"`
}

// Hop is one row of an mtr report.
type Hop struct {
	Index       int     `json:"hop"`
	Host        string  `json:"host"`
	LossPercent float64 `json:"loss_percent"`
	Sent        int     `json:"sent"`
	LastMs      float64 `json:"last_ms"`
	AvgMs       float64 `json:"avg_ms"`
	BestMs      float64 `json:"best_ms"`
	WorstMs     float64 `json:"worst_ms"`
	StDevMs     float64 `json:"stdev_ms"`
}

// Trace is a parsed mtr report.
type Trace struct {
	Source      string `json:"src"`
	Destination string `json:"dst"`
	Cycles      int    `json:"cycles"`
	Hops        []Hop  `json:"hops"`
}

// TraceSummary describes the final hop of a trace.
type TraceSummary struct {
	Hops            int     `json:"hops"`
	LastHost        string  `json:"last_host"`
	LastLossPercent float64 `json:"last_loss_percent"`
	LastAvgMs       float64 `json:"last_avg_ms"`
}

// ParseMTR decodes the output of mtr --json.
func ParseMTR(out string) (Trace, error) {
	var raw mtrOutput
	if err := json.Unmarshal([]byte(out), &raw); err != nil {
		return Trace{}, err
	}
	if len(raw.Report.Hubs) == 0 {
		return Trace{}, fmt.Errorf("mtr report has no hops")
	}
	t := Trace{
		Source:      raw.Report.MTR.Src,
		Destination: raw.Report.MTR.Dst,
		Cycles:      int(raw.Report.MTR.Tests),
	}
	for _, h := range raw.Report.Hubs {
		t.Hops = append(t.Hops, Hop{
			Index:       int(h.Count),
			Host:        h.Host,
			LossPercent: h.Loss,
			Sent:        int(h.Snt),
			LastMs:      h.Last,
			AvgMs:       h.Avg,
			BestMs:      h.Best,
			WorstMs:     h.Wrst,
			StDevMs:     h.StDev,
		})
	}
	return t, nil
}

// Summary projects the last hop.
func (t Trace) Summary() TraceSummary {
	last := t.Hops[len(t.Hops)-1]
	return TraceSummary{
		Hops:            len(t.Hops),
		LastHost:        last.Host,
		LastLossPercent: last.LossPercent,
		LastAvgMs:       last.AvgMs,
	}
}

// MTRArgs returns the mtr command line for a numeric report of cycles
// rounds.
func MTRArgs(bin string, cycles int, host string) []string {
	if cycles < 1 {
		cycles = 10
	}
	return []string{bin, "--json", "-c", strconv.Itoa(cycles), "-n", host}
}

// Trace runs mtr against target.
func (d *Diagnostics) Trace(ctx context.Context, spec models.TestSpec, target string, meta models.Meta) Report {
	logger := d.logger()
	args := MTRArgs(d.mtrBin(), spec.MTRCycles, target)
	meta = d.stamp(meta, ToolMTR, args)
	timeout := time.Duration(spec.MTRCycles)*time.Second + 60*time.Second

	out, err := d.Invoker.Invoke(ctx, args, timeout)
	if kind := invoke.Classify(out, err); kind != "" {
		meta.Error = kind
		raw := out.Stdout
		if err != nil {
			raw = err.Error()
		}
		meta.Stderr = out.Stderr
		logger.Warn("mtr failed", "target", target, "error", kind)
		return Report{Meta: meta, Raw: raw}
	}

	trace, perr := ParseMTR(out.Stdout)
	if perr != nil {
		meta.Error = models.ErrJSONParse
		logger.Warn("mtr output could not be parsed", "target", target, "error", perr)
		return Report{Meta: meta, Raw: out.Stdout}
	}
	meta.Valid = true
	summary := trace.Summary()
	logger.Info("mtr complete", "target", target, "hops", summary.Hops, "last_loss", summary.LastLossPercent)
	return Report{Meta: meta, Summary: summary, Result: trace}
}
