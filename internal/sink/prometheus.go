package sink

import (
	"bytes"
	"context"
	"regexp"
	"sort"
	"strings"

	"codeberg.org/mutker/edgetel/internal/errors"
	"codeberg.org/mutker/edgetel/internal/event"
	"codeberg.org/mutker/edgetel/internal/params"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

const (
	TypePrometheus = "prometheus"

	defaultMetricPrefix = "edgetel"
)

var invalidMetricChars = regexp.MustCompile(`[^a-zA-Z0-9_]`)

type prometheusSettings struct {
	Prefix string `json:"prefix" validate:"omitempty,alphanum"`
}

// PrometheusSink exposes the numeric leaves of the latest event as gauges
// in the text exposition format. Event tags become labels.
type PrometheusSink struct {
	prefix string
}

func NewPrometheus() *PrometheusSink {
	return &PrometheusSink{prefix: defaultMetricPrefix}
}

func (s *PrometheusSink) Configure(_ context.Context, p map[string]any) error {
	var cfg prometheusSettings
	if err := params.Decode(p, &cfg); err != nil {
		return err
	}
	if cfg.Prefix != "" {
		s.prefix = cfg.Prefix
	}
	return nil
}

func (s *PrometheusSink) Render(ev event.DataEvent) ([]byte, string, error) {
	errFactory := errors.New()

	reg := prometheus.NewRegistry()
	if err := reg.Register(&snapshotCollector{prefix: s.prefix, ev: ev}); err != nil {
		return nil, "", errFactory.Wrap(errors.ErrInternal, err)
	}

	families, err := reg.Gather()
	if err != nil {
		return nil, "", errFactory.Wrap(errors.ErrInternal, err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return nil, "", errFactory.Wrap(errors.ErrInternal, err)
		}
	}

	return buf.Bytes(), "text/plain; version=0.0.4; charset=utf-8", nil
}

func (*PrometheusSink) Close() error { return nil }

// MetricName converts a payload path into a metric name.
func MetricName(prefix string, path []string) string {
	name := prefix + "_" + strings.Join(path, "_")
	name = invalidMetricChars.ReplaceAllString(name, "_")
	if name[0] >= '0' && name[0] <= '9' {
		name = "_" + name
	}
	return name
}

// snapshotCollector is an unchecked collector producing one const gauge
// per numeric leaf.
type snapshotCollector struct {
	prefix string
	ev     event.DataEvent
}

func (*snapshotCollector) Describe(chan<- *prometheus.Desc) {}

func (c *snapshotCollector) Collect(ch chan<- prometheus.Metric) {
	labelNames := make([]string, 0, len(c.ev.Tags))
	for k := range c.ev.Tags {
		if k == invalidMetricChars.ReplaceAllString(k, "_") {
			labelNames = append(labelNames, k)
		}
	}
	sort.Strings(labelNames)

	labelValues := make([]string, len(labelNames))
	for i, k := range labelNames {
		labelValues[i] = c.ev.Tags[k]
	}

	seen := make(map[string]bool)
	for _, smp := range Samples(c.ev.Payload) {
		name := MetricName(c.prefix, smp.Path)
		if seen[name] {
			continue
		}
		seen[name] = true

		desc := prometheus.NewDesc(name, "Value of "+smp.Name("."), labelNames, nil)
		m, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, smp.Value, labelValues...)
		if err != nil {
			continue
		}
		if !c.ev.Timestamp.IsZero() {
			m = prometheus.NewMetricWithTimestamp(c.ev.Timestamp, m)
		}
		ch <- m
	}
}
