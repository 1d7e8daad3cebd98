// Package report aggregates task-run latencies into an HDR histogram and
// renders a performance report for a flow run.
package report

import (
	"fmt"
	"html/template"
	"io"
	"os"
	"sync"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"

	"github.com/nparley/prefect/internal/model"
)

// Histogram bounds: 1ms to 1h, 3 significant figures.
const (
	minDurationMS = 1
	maxDurationMS = 3600000
	sigFigs       = 3
)

// Collector accumulates task-run durations and terminal-state counts.
// It is safe for concurrent use.
type Collector struct {
	mu           sync.Mutex
	hist         *hdrhistogram.Histogram
	countByState map[model.StateType]int
	countByTask  map[string]int
	startedAt    time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{
		hist:         hdrhistogram.New(minDurationMS, maxDurationMS, sigFigs),
		countByState: make(map[model.StateType]int),
		countByTask:  make(map[string]int),
		startedAt:    time.Now().UTC(),
	}
}

// Record adds one finished task run to the report.
func (c *Collector) Record(taskName string, st model.StateType, d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.countByState[st]++
	c.countByTask[taskName]++
	ms := d.Milliseconds()
	if ms < minDurationMS {
		ms = minDurationMS
	}
	// RecordValue only fails for out-of-range values; clamp instead of
	// dropping so long outliers still count toward the max bucket.
	if ms > maxDurationMS {
		ms = maxDurationMS
	}
	_ = c.hist.RecordValue(ms)
}

// Total returns the number of recorded task runs.
func (c *Collector) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int(c.hist.TotalCount())
}

type reportData struct {
	GeneratedAt  string
	StartedAt    string
	Total        int64
	CountByState map[model.StateType]int
	CountByTask  map[string]int
	P50, P90     int64
	P99, Max     int64
	MeanMS       float64
}

var reportTemplate = template.Must(template.New("report").Parse(`<!DOCTYPE html>
<html>
<head><title>Performance Report</title></head>
<body>
<h1>Performance Report</h1>
<p>Started {{.StartedAt}}, generated {{.GeneratedAt}}.</p>
<h2>Task Runs</h2>
<p>Total: {{.Total}}</p>
<table border="1">
<tr><th>State</th><th>Count</th></tr>
{{range $state, $count := .CountByState}}<tr><td>{{$state}}</td><td>{{$count}}</td></tr>
{{end}}</table>
<h2>Tasks</h2>
<table border="1">
<tr><th>Task</th><th>Runs</th></tr>
{{range $task, $count := .CountByTask}}<tr><td>{{$task}}</td><td>{{$count}}</td></tr>
{{end}}</table>
<h2>Duration (ms)</h2>
<table border="1">
<tr><th>mean</th><th>p50</th><th>p90</th><th>p99</th><th>max</th></tr>
<tr><td>{{printf "%.1f" .MeanMS}}</td><td>{{.P50}}</td><td>{{.P90}}</td><td>{{.P99}}</td><td>{{.Max}}</td></tr>
</table>
</body>
</html>
`))

// WriteHTML renders the report.
func (c *Collector) WriteHTML(w io.Writer) error {
	c.mu.Lock()
	data := reportData{
		GeneratedAt:  time.Now().UTC().Format(time.RFC3339),
		StartedAt:    c.startedAt.Format(time.RFC3339),
		Total:        c.hist.TotalCount(),
		CountByState: c.countByState,
		CountByTask:  c.countByTask,
		P50:          c.hist.ValueAtQuantile(50),
		P90:          c.hist.ValueAtQuantile(90),
		P99:          c.hist.ValueAtQuantile(99),
		Max:          c.hist.Max(),
		MeanMS:       c.hist.Mean(),
	}
	c.mu.Unlock()

	if err := reportTemplate.Execute(w, data); err != nil {
		return fmt.Errorf("render report: %w", err)
	}
	return nil
}

// WriteFile renders the report to the given path.
func (c *Collector) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report file: %w", err)
	}
	defer f.Close()
	return c.WriteHTML(f)
}
