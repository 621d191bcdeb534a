package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/FranksOps/rotor/internal/storage"
	"github.com/FranksOps/rotor/pkg/proxy"
	"github.com/jedib0t/go-pretty/v6/table"
)

// Summary contains aggregated metrics about the results of a run.
type Summary struct {
	TotalURLs       int
	Succeeded       int
	Exhausted       int
	NoProxy         int
	TotalAttempts   int
	TotalDetections int
	StatusCodes     map[int]int
	DetectionsBySrc map[string]int
	TotalBytes      int64
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}

// ProxyRow is the performance of one proxy over a run.
type ProxyRow struct {
	Proxy          string
	Status         string
	FailureCount   int
	Requests       int
	Successes      int
	ProxyFailures  int
	TargetFailures int
	SuccessRate    float64
	StatusCodes    map[int]int
}

// ProxySummary describes the state of the pool after a run.
type ProxySummary struct {
	Total    int
	Working  int
	Dead     int
	Untested int
	Rows     []ProxyRow
}

// Report is everything written at the end of a run. A nil Summary renders
// the proxy section only.
type Report struct {
	Summary *Summary
	Proxies ProxySummary
}

// Collector accumulates a Summary as results are saved. It is safe for
// concurrent use and can be used directly as a dispatch sink.
type Collector struct {
	mu sync.Mutex
	s  Summary
}

// NewCollector returns an empty Collector.
func NewCollector() *Collector {
	return &Collector{s: Summary{
		StatusCodes:     make(map[int]int),
		DetectionsBySrc: make(map[string]int),
	}}
}

// Save adds r to the summary.
func (c *Collector) Save(_ context.Context, r *storage.ScrapeResult) error {
	c.Add(r)
	return nil
}

// Add folds one terminal result into the summary.
func (c *Collector) Add(r *storage.ScrapeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &c.s
	if s.TotalURLs == 0 {
		s.StartTime = r.CreatedAt
		s.EndTime = r.CreatedAt
	}

	s.TotalURLs++
	s.TotalAttempts += r.Attempts
	switch r.Outcome {
	case storage.OutcomeSuccess:
		s.Succeeded++
	case storage.OutcomeExhausted:
		s.Exhausted++
	case storage.OutcomeNoProxy:
		s.NoProxy++
	}
	if r.DetectedBot {
		s.TotalDetections++
		s.DetectionsBySrc[r.DetectionSrc]++
	}
	if r.StatusCode > 0 {
		s.StatusCodes[r.StatusCode]++
	}
	s.TotalBytes += int64(len(r.Body))

	if r.CreatedAt.Before(s.StartTime) {
		s.StartTime = r.CreatedAt
	}
	if r.CreatedAt.After(s.EndTime) {
		s.EndTime = r.CreatedAt
	}
	s.Duration = s.EndTime.Sub(s.StartTime)
}

// Summary returns a copy of the summary so far.
func (c *Collector) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.s
	s.StatusCodes = maps.Clone(c.s.StatusCodes)
	s.DetectionsBySrc = maps.Clone(c.s.DetectionsBySrc)
	return s
}

// GenerateSummary processes the terminal results of a run.
func GenerateSummary(results []*storage.ScrapeResult) Summary {
	c := NewCollector()
	for _, r := range results {
		c.Add(r)
	}
	return c.Summary()
}

// SummarizeProxies builds per-proxy rows from pool snapshots, busiest first.
func SummarizeProxies(records []proxy.Record) ProxySummary {
	ps := ProxySummary{Total: len(records)}
	for _, r := range records {
		switch r.Status {
		case proxy.StatusWorking:
			ps.Working++
		case proxy.StatusDead:
			ps.Dead++
		case proxy.StatusUntested:
			ps.Untested++
		}

		row := ProxyRow{
			Proxy:          r.Endpoint.String(),
			Status:         r.Status.String(),
			FailureCount:   r.FailureCount,
			Requests:       r.Stats.TotalRequests,
			Successes:      r.Stats.Successes,
			ProxyFailures:  r.Stats.ProxyFailures,
			TargetFailures: r.Stats.TargetFailures,
			StatusCodes:    r.Stats.StatusCodes,
		}
		if row.Requests > 0 {
			row.SuccessRate = float64(row.Successes) / float64(row.Requests)
		}
		ps.Rows = append(ps.Rows, row)
	}

	slices.SortStableFunc(ps.Rows, func(a, b ProxyRow) int {
		return b.Requests - a.Requests
	})
	return ps
}

// Write renders r in the named format: text, json or html.
func Write(w io.Writer, format string, r Report) error {
	switch strings.ToLower(format) {
	case "", "text":
		return WriteText(w, r)
	case "json":
		return WriteJSON(w, r)
	case "html":
		return WriteHTML(w, r)
	default:
		return fmt.Errorf("unsupported report format %q", format)
	}
}

// WriteJSON writes the report to the provided writer in JSON format.
func WriteJSON(w io.Writer, r Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// WriteText writes a human-readable summary followed by a proxy performance table.
func WriteText(w io.Writer, r Report) error {
	const textTmpl = `Rotor Run Summary
-----------------
Time:          {{.StartTime.Format "2006-01-02 15:04:05"}} - {{.EndTime.Format "2006-01-02 15:04:05"}}
Duration:      {{.Duration}}
URLs:          {{.TotalURLs}} ({{.Succeeded}} succeeded, {{.Exhausted}} exhausted, {{.NoProxy}} without proxy)
Attempts:      {{.TotalAttempts}}
Total Bytes:   {{.TotalBytes}} bytes

Status Codes:
{{- range $code, $count := .StatusCodes}}
  {{$code}}: {{$count}}
{{- else}}
  None
{{- end}}

Detections: {{.TotalDetections}}
{{- range $src, $count := .DetectionsBySrc}}
  {{$src}}: {{$count}}
{{- else}}
  None
{{- end}}

`

	if r.Summary != nil {
		t, err := template.New("textReport").Parse(textTmpl)
		if err != nil {
			return fmt.Errorf("failed to parse text template: %w", err)
		}
		if err := t.Execute(w, r.Summary); err != nil {
			return fmt.Errorf("failed to render text report: %w", err)
		}
	}

	p := r.Proxies
	if _, err := fmt.Fprintf(w, "Proxies: %d total, %d working, %d dead, %d untested\n", p.Total, p.Working, p.Dead, p.Untested); err != nil {
		return fmt.Errorf("failed to write proxy summary: %w", err)
	}
	if len(p.Rows) == 0 {
		return nil
	}

	tw := table.NewWriter()
	tw.SetStyle(table.StyleLight)
	tw.AppendHeader(table.Row{"Proxy", "Status", "Requests", "Success", "Proxy Fail", "Target Fail", "Rate", "Status Codes"})
	for _, row := range p.Rows {
		tw.AppendRow(table.Row{
			row.Proxy,
			row.Status,
			row.Requests,
			row.Successes,
			row.ProxyFailures,
			row.TargetFailures,
			fmt.Sprintf("%.1f%%", row.SuccessRate*100),
			formatCodes(row.StatusCodes),
		})
	}
	if _, err := io.WriteString(w, tw.Render()+"\n"); err != nil {
		return fmt.Errorf("failed to write proxy table: %w", err)
	}
	return nil
}

func formatCodes(codes map[int]int) string {
	if len(codes) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(codes))
	for _, code := range slices.Sorted(maps.Keys(codes)) {
		parts = append(parts, strconv.Itoa(code)+":"+strconv.Itoa(codes[code]))
	}
	return strings.Join(parts, " ")
}

// WriteHTML writes a basic HTML report to the provided writer.
func WriteHTML(w io.Writer, r Report) error {
	const htmlTmpl = `<!DOCTYPE html>
<html>
<head>
<title>Rotor Run Report</title>
<style>
  body { font-family: sans-serif; margin: 40px; color: #333; }
  h1 { border-bottom: 2px solid #ccc; padding-bottom: 10px; }
  .stat-card { display: inline-block; padding: 20px; margin: 10px 10px 10px 0; background: #f4f4f4; border-radius: 5px; min-width: 150px; }
  .stat-val { font-size: 24px; font-weight: bold; }
  table { border-collapse: collapse; margin-top: 10px; }
  th, td { padding: 8px 12px; border: 1px solid #ccc; text-align: left; }
  th { background: #eaeaea; }
</style>
</head>
<body>
  <h1>Rotor Run Report</h1>
  {{- with .Summary}}
  <p><strong>Time:</strong> {{.StartTime.Format "2006-01-02 15:04:05"}} to {{.EndTime.Format "2006-01-02 15:04:05"}} ({{.Duration}})</p>

  <div class="stat-card">
    <div>URLs</div>
    <div class="stat-val">{{.TotalURLs}}</div>
  </div>
  <div class="stat-card">
    <div>Succeeded</div>
    <div class="stat-val" style="color: green;">{{.Succeeded}}</div>
  </div>
  <div class="stat-card">
    <div>Failed</div>
    <div class="stat-val" style="color: {{if gt (add .Exhausted .NoProxy) 0}}red{{else}}green{{end}};">{{add .Exhausted .NoProxy}}</div>
  </div>
  <div class="stat-card">
    <div>Attempts</div>
    <div class="stat-val">{{.TotalAttempts}}</div>
  </div>

  <h3>Status Codes</h3>
  <table>
    <tr><th>Code</th><th>Count</th></tr>
    {{- range $code, $count := .StatusCodes}}
    <tr><td>{{$code}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>

  <h3>Detections By Source</h3>
  <table>
    <tr><th>Source</th><th>Count</th></tr>
    {{- range $src, $count := .DetectionsBySrc}}
    <tr><td>{{$src}}</td><td>{{$count}}</td></tr>
    {{- else}}
    <tr><td colspan="2">None</td></tr>
    {{- end}}
  </table>
  {{- end}}

  {{- with .Proxies}}
  <h3>Proxies ({{.Working}} working, {{.Dead}} dead, {{.Untested}} untested)</h3>
  <table>
    <tr><th>Proxy</th><th>Status</th><th>Requests</th><th>Success</th><th>Proxy Fail</th><th>Target Fail</th><th>Rate</th></tr>
    {{- range .Rows}}
    <tr><td>{{.Proxy}}</td><td>{{.Status}}</td><td>{{.Requests}}</td><td>{{.Successes}}</td><td>{{.ProxyFailures}}</td><td>{{.TargetFailures}}</td><td>{{percent .SuccessRate}}</td></tr>
    {{- else}}
    <tr><td colspan="7">None</td></tr>
    {{- end}}
  </table>
  {{- end}}
</body>
</html>
`
	funcs := template.FuncMap{
		"add":     func(a, b int) int { return a + b },
		"percent": func(f float64) string { return fmt.Sprintf("%.1f%%", f*100) },
	}
	t, err := template.New("htmlReport").Funcs(funcs).Parse(htmlTmpl)
	if err != nil {
		return fmt.Errorf("failed to parse html template: %w", err)
	}

	if err := t.Execute(w, r); err != nil {
		return fmt.Errorf("failed to render html report: %w", err)
	}

	return nil
}
