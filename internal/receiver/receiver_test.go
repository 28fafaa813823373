package receiver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/titisan/ldap-exporter/internal/config"
	"github.com/titisan/ldap-exporter/internal/receiver"
)

const (
	totalConnections = "cn=Total,cn=Connections"
	bindOperations   = "cn=Bind,cn=Operations"
)

// record runs the observations through a fresh Receiver built from yaml.
func record(t *testing.T, yaml string, obs ...observation) []*receiver.MetricFamilySamples {
	t.Helper()
	cfg, err := config.LoadString(yaml)
	require.NoError(t, err)
	r := receiver.New(cfg)
	for _, o := range obs {
		r.Record(o.entry, o.value, o.attr, o.entry+"_"+o.attr)
	}
	return r.Families()
}

type observation struct {
	entry string
	value float64
	attr  string
}

func find(families []*receiver.MetricFamilySamples, name string) *receiver.MetricFamilySamples {
	for _, f := range families {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func TestRecord_RenameOnMatch(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=Total,cn=Connections"
    name: connections_total
`, observation{totalConnections, 15931071, "monitorCounter"})

	require.Len(t, families, 1)
	f := families[0]
	assert.Equal(t, "connections_total", f.Name)
	assert.Equal(t, config.Untyped, f.Type)
	assert.Equal(t, "Metric from cn=Total,cn=Connections_monitorCounter", f.Help)
	require.Len(t, f.Samples, 1)
	assert.Equal(t, 15931071.0, f.Samples[0].Value)
	assert.Empty(t, f.Samples[0].LabelNames)
}

func TestRecord_CaptureGroupsInNameAndLabels(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=(Total),cn=(Connections)"
    name: ldap_$2_$1
    labels:
      $1: $2
`, observation{totalConnections, 15931071, "monitorCounter"})

	f := find(families, "ldap_Connections_Total")
	require.NotNil(t, f)
	require.Len(t, f.Samples, 1)
	assert.Equal(t, []string{"Total"}, f.Samples[0].LabelNames)
	assert.Equal(t, []string{"Connections"}, f.Samples[0].LabelValues)
	assert.Equal(t, 15931071.0, f.Samples[0].Value)
}

func TestRecord_SanitizesCapturedNames(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "(cn=Total,cn=Connections)"
    name: $1
    labels:
      $1: $1
`, observation{totalConnections, 15931071, "monitorCounter"})

	f := find(families, "_Total_Connections")
	require.NotNil(t, f)
	assert.Equal(t, []string{"_Total_Connections"}, f.Samples[0].LabelNames)
	assert.Equal(t, []string{"cn=Total,cn=Connections"}, f.Samples[0].LabelValues)
}

func TestRecord_DefaultExport(t *testing.T) {
	families := record(t, `---`,
		observation{totalConnections, 15931071, "monitorCounter"},
		observation{bindOperations + "_monitorOpInitiated", 3960532, "monitorOpInitiated"},
		observation{"cn=Max,cn=Threads", 16, "monitoredInfo"},
	)

	require.Len(t, families, 3)
	for name, want := range map[string]float64{
		"_Total_Connections":                  15931071,
		"_Bind_Operations_monitorOpInitiated": 3960532,
		"_Max_Threads":                        16,
	} {
		f := find(families, name)
		require.NotNil(t, f, name)
		assert.Equal(t, config.Untyped, f.Type)
		assert.Equal(t, want, f.Samples[0].Value, name)
	}
}

func TestRecord_DefaultExportLowercase(t *testing.T) {
	families := record(t, `lowercaseOutputName: true`,
		observation{totalConnections, 1, "monitorCounter"})

	require.Len(t, families, 1)
	assert.Equal(t, "_total_connections", families[0].Name)
}

func TestRecord_ValueOverrideWithFactor(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=Total,cn=Connections"
    name: connections_total
    value: "1"
    valueFactor: 0.001
`, observation{totalConnections, 15931071, "monitorCounter"})

	f := find(families, "connections_total")
	require.NotNil(t, f)
	assert.InDelta(t, 0.001, f.Samples[0].Value, 1e-12)
}

func TestRecord_ValueFromCaptureGroup(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=Backend (\\d+),cn=Backends"
    name: backend_id
    value: $1
`, observation{"cn=Backend 7,cn=Backends", 0, "monitorCounter"})

	f := find(families, "backend_id")
	require.NotNil(t, f)
	assert.Equal(t, 7.0, f.Samples[0].Value)
}

func TestRecord_UnparsableValueDropsWithoutFallthrough(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=(\\w+),cn=Connections"
    name: connections_$1
    value: not-a-number-$1
  - pattern: ".*"
    name: fallback
`, observation{totalConnections, 15931071, "monitorCounter"})

	assert.Empty(t, families)
}

func TestRecord_EmptyValueTemplateKeepsObservedValue(t *testing.T) {
	families := record(t, `
rules:
  - pattern: ".*"
    name: kept
    value: ""
    valueFactor: 2
`, observation{totalConnections, 21, "monitorCounter"})

	f := find(families, "kept")
	require.NotNil(t, f)
	assert.Equal(t, 42.0, f.Samples[0].Value)
}

func TestRecord_StopsOnEmptyName(t *testing.T) {
	families := record(t, `
rules:
  - pattern: ".*"
    name: ""
  - pattern: ".*"
    name: foo
`, observation{totalConnections, 15931071, "monitorCounter"})

	assert.Nil(t, find(families, "foo"))
	assert.Empty(t, families)
}

func TestRecord_BadGroupReferenceDrops(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=(\\w+),cn=Connections"
    name: connections_$2
  - pattern: ".*"
    name: fallback
`, observation{totalConnections, 1, "monitorCounter"})

	assert.Empty(t, families)
}

func TestRecord_FirstMatchWins(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=Total,cn=Connections"
    name: first
  - pattern: "cn=(\\w+),cn=Connections"
    name: second_$1
`,
		observation{totalConnections, 1, "monitorCounter"},
		observation{"cn=Current,cn=Connections", 2, "monitorCounter"},
	)

	require.NotNil(t, find(families, "first"))
	require.NotNil(t, find(families, "second_Current"))
	assert.Nil(t, find(families, "second_Total"))
}

func TestRecord_NoRuleMatches(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=Total,cn=Connections"
    name: connections_total
`, observation{"cn=Max,cn=Threads", 16, "monitoredInfo"})

	assert.Empty(t, families)
}

func TestRecord_HelpTypeAndLowercaseLabels(t *testing.T) {
	families := record(t, `
lowercaseOutputName: true
lowercaseOutputLabelNames: true
rules:
  - pattern: "cn=(\\w+),cn=(Connections)"
    name: LDAP_$2
    type: COUNTER
    help: "$2 by kind"
    labels:
      Kind: $1
`,
		observation{totalConnections, 10, "monitorCounter"},
		observation{"cn=Current,cn=Connections", 3, "monitorCounter"},
	)

	require.Len(t, families, 1)
	f := families[0]
	assert.Equal(t, "ldap_connections", f.Name)
	assert.Equal(t, config.Counter, f.Type)
	assert.Equal(t, "Connections by kind", f.Help)
	require.Len(t, f.Samples, 2)
	assert.Equal(t, []string{"kind"}, f.Samples[0].LabelNames)
	assert.Equal(t, []string{"Total"}, f.Samples[0].LabelValues)
	assert.Equal(t, []string{"Current"}, f.Samples[1].LabelValues)
}

func TestRecord_EmptyLabelsIgnored(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=(\\w*),cn=Connections"
    name: connections
    labels:
      kind: $1
      "": ignored
      static: value
`, observation{"cn=,cn=Connections", 1, "monitorCounter"})

	f := find(families, "connections")
	require.NotNil(t, f)
	assert.Equal(t, []string{"static"}, f.Samples[0].LabelNames)
	assert.Equal(t, []string{"value"}, f.Samples[0].LabelValues)
}

func TestRecord_FamilyKeepsFirstSeenTypeAndOrder(t *testing.T) {
	families := record(t, `
rules:
  - pattern: "cn=Total,cn=Connections"
    name: shared
    type: COUNTER
    help: first help
  - pattern: ".*"
    name: shared
    type: GAUGE
    help: second help
`,
		observation{totalConnections, 1, "monitorCounter"},
		observation{"cn=Max,cn=Threads", 2, "monitoredInfo"},
		observation{totalConnections, 3, "monitorCounter"},
	)

	require.Len(t, families, 1)
	f := families[0]
	assert.Equal(t, config.Counter, f.Type)
	assert.Equal(t, "first help", f.Help)
	require.Len(t, f.Samples, 3)
	assert.Equal(t, []float64{1, 2, 3}, []float64{f.Samples[0].Value, f.Samples[1].Value, f.Samples[2].Value})
}

func TestRecord_SameInputSameOutput(t *testing.T) {
	yaml := `
rules:
  - pattern: "cn=(\\w+),cn=(\\w+)"
    name: ldap_$2
    labels:
      kind: $1
`
	obs := []observation{
		{totalConnections, 1, "monitorCounter"},
		{"cn=Current,cn=Connections", 2, "monitorCounter"},
		{"cn=Max,cn=Threads", 16, "monitoredInfo"},
	}
	assert.Equal(t, record(t, yaml, obs...), record(t, yaml, obs...))
}
