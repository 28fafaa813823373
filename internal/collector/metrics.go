package collector

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/titisan/ldap-exporter/internal/config"
	"github.com/titisan/ldap-exporter/internal/receiver"
)

var (
	reloadSuccess = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ldapexporter_config_reload_success_total",
		Help: "Number of times configuration have successfully been reloaded.",
	})
	reloadFailure = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ldapexporter_config_reload_failure_total",
		Help: "Number of times configuration have failed to be reloaded.",
	})

	scrapeDurationDesc = prometheus.NewDesc(scrapeDurationName, scrapeDurationHelp, nil, nil)
	scrapeErrorDesc    = prometheus.NewDesc(scrapeErrorName, scrapeErrorHelp, nil, nil)
)

// RegisterReloadMetrics registers the process-wide reload counters with
// reg. Registering them again with the same registry is not an error.
func RegisterReloadMetrics(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{reloadSuccess, reloadFailure} {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Describe sends the descriptors of the two self-metrics. Rule-generated
// metrics are not known before a scrape.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- scrapeDurationDesc
	ch <- scrapeErrorDesc
}

// Collect runs one scrape. ErrNotReady is reported as an invalid metric so
// that the registry fails the whole gather. Samples repeating the name and
// labels of an earlier sample are dropped, so the exposition can carry fewer
// samples than Scrape returned.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	families, err := c.Scrape(context.Background())
	if err != nil {
		ch <- prometheus.NewInvalidMetric(scrapeErrorDesc, err)
		return
	}

	// Scrape appends the two self-metrics last.
	rules, self := families[:len(families)-2], families[len(families)-2:]
	seen := make(map[string]struct{})
	for _, f := range rules {
		if isSelfMetric(f.Name) {
			slog.Warn("collector: rule output shadows a self-metric, dropping", "name", f.Name)
			continue
		}
		emit(ch, f, seen)
	}
	for _, f := range self {
		emit(ch, f, seen)
	}
}

// emit sends the samples of f as const metrics. Series already in seen and
// samples prometheus rejects are dropped.
func emit(ch chan<- prometheus.Metric, f *receiver.MetricFamilySamples, seen map[string]struct{}) {
	var (
		desc       *prometheus.Desc
		descLabels []string
	)
	for _, s := range f.Samples {
		key := seriesKey(s)
		if _, dup := seen[key]; dup {
			slog.Debug("collector: dropping duplicate series", "name", s.Name, "labels", s.LabelNames)
			continue
		}
		seen[key] = struct{}{}

		if desc == nil || !slices.Equal(descLabels, s.LabelNames) {
			desc = prometheus.NewDesc(s.Name, f.Help, s.LabelNames, nil)
			descLabels = s.LabelNames
		}
		m, err := prometheus.NewConstMetric(desc, valueType(f.Type), s.Value, s.LabelValues...)
		if err != nil {
			slog.Debug("collector: dropping invalid sample", "name", s.Name, "err", err)
			continue
		}
		ch <- m
	}
}

func valueType(t config.MetricType) prometheus.ValueType {
	switch t {
	case config.Counter:
		return prometheus.CounterValue
	case config.Gauge:
		return prometheus.GaugeValue
	default:
		return prometheus.UntypedValue
	}
}

func isSelfMetric(name string) bool {
	return name == scrapeDurationName || name == scrapeErrorName
}

// seriesKey identifies a series by name and its label pairs, irrespective
// of label order.
func seriesKey(s receiver.Sample) string {
	pairs := make([]string, len(s.LabelNames))
	for i := range s.LabelNames {
		pairs[i] = s.LabelNames[i] + "\xff" + s.LabelValues[i]
	}
	sort.Strings(pairs)
	return s.Name + "\xfe" + strings.Join(pairs, "\xfe")
}
