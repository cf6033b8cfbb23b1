// Package stats records per-run statistics for ssh-commander and exports them
// as Prometheus metrics.
package stats

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"ssh-commander/internal/errors"
	"ssh-commander/internal/executor"
)

// Namespace prefixes every exported metric.
const Namespace = "ssh_commander"

// Statistics is a snapshot of a run.
type Statistics struct {
	StartTime      time.Time
	TotalHosts     int
	CompletedHosts int
	FailedHosts    int
	OutputLines    int
	Elapsed        time.Duration
}

// Recorder accumulates results of one run.
type Recorder struct {
	registry *prometheus.Registry

	hostsTotal   *prometheus.CounterVec
	linesTotal   prometheus.Counter
	hostDuration prometheus.Histogram
	hostsPlanned prometheus.Gauge

	mu        sync.Mutex
	stats     Statistics
	collector *errors.ErrorCollector
}

// NewRecorder creates a recorder for a run over totalHosts hosts, with its
// own registry.
func NewRecorder(totalHosts int) *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		hostsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "hosts_total",
			Help:      "Hosts processed, by result and error type.",
		}, []string{"result", "error_type"}),
		linesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "output_lines_total",
			Help:      "Output lines collected from all hosts.",
		}),
		hostDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "host_duration_seconds",
			Help:      "Time from dispatch to result per host.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}),
		hostsPlanned: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "hosts_planned",
			Help:      "Hosts in the host list of the run.",
		}),
		stats: Statistics{
			StartTime:  time.Now(),
			TotalHosts: totalHosts,
		},
		collector: errors.NewErrorCollector(),
	}

	r.registry.MustRegister(r.hostsTotal, r.linesTotal, r.hostDuration, r.hostsPlanned)
	r.hostsPlanned.Set(float64(totalHosts))
	return r
}

// Registry returns the registry holding the run metrics.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Observe records one host result.
func (r *Recorder) Observe(result *executor.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.stats.OutputLines += len(result.Lines)
	r.linesTotal.Add(float64(len(result.Lines)))
	r.hostDuration.Observe(result.Duration.Seconds())

	if result.Err != nil {
		r.stats.FailedHosts++
		r.collector.Add(result.Err)
		r.hostsTotal.WithLabelValues("failure", errors.ClassifyError(result.Err).Type.String()).Inc()
		return
	}

	r.stats.CompletedHosts++
	r.hostsTotal.WithLabelValues("success", "").Inc()
}

// GetStatistics returns a copy of current statistics
func (r *Recorder) GetStatistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := r.stats
	s.Elapsed = time.Since(s.StartTime)
	return s
}

// WriteSummary prints the final statistics of the run.
func (r *Recorder) WriteSummary(w io.Writer) {
	s := r.GetStatistics()

	r.mu.Lock()
	errSummary := r.collector.Summary()
	r.mu.Unlock()

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "Final Statistics:\n")
	fmt.Fprintf(w, "   Total Hosts: %d\n", s.TotalHosts)
	fmt.Fprintf(w, "   Successful: %d (%.1f%%)\n", s.CompletedHosts, percent(s.CompletedHosts, s.TotalHosts))
	fmt.Fprintf(w, "   Failed: %d (%.1f%%)\n", s.FailedHosts, percent(s.FailedHosts, s.TotalHosts))
	if s.FailedHosts > 0 {
		fmt.Fprintf(w, "   Errors: %s\n", errSummary)
	}
	fmt.Fprintf(w, "   Output Lines: %d\n", s.OutputLines)
	fmt.Fprintf(w, "   Execution Time: %v\n", s.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "\n")
}

// WriteTextfile writes the metrics in the Prometheus text format, for the
// node_exporter textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("failed to write metrics file %s: %w", path, err)
	}
	return nil
}

func percent(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}
