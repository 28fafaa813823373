package receiver

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/titisan/ldap-exporter/internal/config"
)

// Sample is a single value of a metric family.
type Sample struct {
	Name        string
	LabelNames  []string
	LabelValues []string
	Value       float64
}

// MetricFamilySamples groups the samples sharing a metric name. Type and
// Help are taken from the first sample recorded under that name.
type MetricFamilySamples struct {
	Name    string
	Type    config.MetricType
	Help    string
	Samples []Sample
}

// Receiver applies the configured rules to observations and accumulates the
// resulting samples. It is used for a single scrape and is not safe for
// concurrent use.
type Receiver struct {
	cfg      *config.Config
	families map[string]*MetricFamilySamples
	order    []string
}

// New returns an empty Receiver evaluating the rules of cfg.
func New(cfg *config.Config) *Receiver {
	return &Receiver{
		cfg:      cfg,
		families: make(map[string]*MetricFamilySamples),
	}
}

// Record processes one observation. entryName is matched against the rule
// patterns; description is used for the default help text.
func (r *Receiver) Record(entryName string, value float64, attrName, description string) {
	for _, rule := range r.cfg.Rules {
		match, ok := rule.Match(entryName)
		if !ok {
			continue
		}
		r.apply(rule, match, entryName, value, attrName, description)
		return
	}
}

// Families returns the accumulated metric families in first-seen order.
func (r *Receiver) Families() []*MetricFamilySamples {
	out := make([]*MetricFamilySamples, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.families[name])
	}
	return out
}

func (r *Receiver) apply(rule *config.Rule, match []int, entryName string, value float64, attrName, description string) {
	if rule.Value != nil && rule.Value.String() != "" {
		s, err := rule.Value.Expand(rule, entryName, match)
		if err != nil {
			slog.Debug("receiver: dropping observation, value template failed",
				"entry", entryName, "template", rule.Value.String(), "err", err)
			return
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			slog.Debug("receiver: dropping observation, value is not a number",
				"entry", entryName, "value", s)
			return
		}
		value = v
	}
	value *= rule.ValueFactor

	help := "Metric from " + description

	if rule.Name == nil {
		name := SafeName(entryName)
		if name == "" {
			return
		}
		if r.cfg.LowercaseOutputName {
			name = strings.ToLower(name)
		}
		r.add(Sample{Name: name, LabelNames: []string{}, LabelValues: []string{}, Value: value}, config.Untyped, help)
		return
	}

	expanded, err := rule.Name.Expand(rule, entryName, match)
	if err != nil {
		slog.Debug("receiver: dropping observation, name template failed",
			"entry", entryName, "template", rule.Name.String(), "err", err)
		return
	}
	name := SafeName(expanded)
	if name == "" {
		return
	}
	if r.cfg.LowercaseOutputName {
		name = strings.ToLower(name)
	}

	if rule.Help != nil {
		h, err := rule.Help.Expand(rule, entryName, match)
		if err != nil {
			slog.Debug("receiver: dropping observation, help template failed",
				"entry", entryName, "template", rule.Help.String(), "err", err)
			return
		}
		help = h
	}

	labelNames := make([]string, 0, len(rule.LabelNames))
	labelValues := make([]string, 0, len(rule.LabelNames))
	for i := range rule.LabelNames {
		ln, err := rule.LabelNames[i].Expand(rule, entryName, match)
		if err != nil {
			slog.Debug("receiver: dropping observation, label template failed",
				"entry", entryName, "template", rule.LabelNames[i].String(), "err", err)
			return
		}
		lv, err := rule.LabelValues[i].Expand(rule, entryName, match)
		if err != nil {
			slog.Debug("receiver: dropping observation, label template failed",
				"entry", entryName, "template", rule.LabelValues[i].String(), "err", err)
			return
		}
		ln = SafeName(ln)
		if r.cfg.LowercaseOutputLabelNames {
			ln = strings.ToLower(ln)
		}
		if ln == "" || lv == "" {
			continue
		}
		labelNames = append(labelNames, ln)
		labelValues = append(labelValues, lv)
	}

	slog.Debug("receiver: add sample",
		"name", name, "attr", attrName, "value", value, "labels", labelNames, "help", help)
	r.add(Sample{Name: name, LabelNames: labelNames, LabelValues: labelValues, Value: value}, rule.Type, help)
}

func (r *Receiver) add(s Sample, typ config.MetricType, help string) {
	mfs, ok := r.families[s.Name]
	if !ok {
		mfs = &MetricFamilySamples{Name: s.Name, Type: typ, Help: help}
		r.families[s.Name] = mfs
		r.order = append(r.order, s.Name)
	}
	mfs.Samples = append(mfs.Samples, s)
}
