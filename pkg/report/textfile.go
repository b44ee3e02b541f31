package report

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	runtest "github.com/ormasoftchile/tollgate/pkg/testing"
)

// Gauges exported for one run.
type gauges struct {
	measured  *prometheus.GaugeVec
	metric    *prometheus.GaugeVec
	threshold *prometheus.GaugeVec
	passed    *prometheus.GaugeVec
	duration  *prometheus.GaugeVec
}

func newGauges(reg prometheus.Registerer) (*gauges, error) {
	g := &gauges{
		measured: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollgate_measured",
			Help: "Value measured while the scenario ran",
		}, []string{"scenario", "key"}),
		metric: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollgate_build_metric",
			Help: "Numeric value extracted from the build log",
		}, []string{"scenario", "key"}),
		threshold: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollgate_threshold",
			Help: "Threshold resolved for the scenario",
		}, []string{"scenario", "key"}),
		passed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollgate_scenario_passed",
			Help: "1 when the scenario passed, 0 otherwise",
		}, []string{"scenario", "status"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tollgate_scenario_duration_seconds",
			Help: "Wall time spent on the scenario",
		}, []string{"scenario"}),
	}
	for _, c := range []prometheus.Collector{g.measured, g.metric, g.threshold, g.passed, g.duration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register collector: %w", err)
		}
	}
	return g, nil
}

func (g *gauges) observe(s *runtest.TestResult) {
	for k, v := range s.Measured {
		if v >= 0 {
			g.measured.WithLabelValues(s.ScenarioName, k).Set(v)
		}
	}
	for _, k := range s.Metrics.Keys() {
		if v, ok := s.Metrics.Float(k); ok {
			g.metric.WithLabelValues(s.ScenarioName, k).Set(v)
		}
	}
	for k, v := range s.Thresholds {
		g.threshold.WithLabelValues(s.ScenarioName, k).Set(float64(v))
	}
	passed := 0.0
	if s.Status == runtest.StatusPassed {
		passed = 1
	}
	g.passed.WithLabelValues(s.ScenarioName, s.Status).Set(passed)
	g.duration.WithLabelValues(s.ScenarioName).Set(float64(s.DurationMs) / 1000)
}

// Registry returns a Prometheus registry holding gauges for output.
func Registry(output *runtest.TestOutput) (*prometheus.Registry, error) {
	reg := prometheus.NewRegistry()
	g, err := newGauges(reg)
	if err != nil {
		return nil, err
	}
	for _, s := range output.Scenarios {
		g.observe(s)
	}
	return reg, nil
}

// WriteTextfile writes output in the node_exporter textfile format.
func WriteTextfile(path string, output *runtest.TestOutput) error {
	reg, err := Registry(output)
	if err != nil {
		return err
	}
	if err := prometheus.WriteToTextfile(path, reg); err != nil {
		return fmt.Errorf("write textfile: %w", err)
	}
	return nil
}
