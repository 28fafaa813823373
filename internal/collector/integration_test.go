package collector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"testing"

	ldapserver "github.com/nmcclain/ldap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	directoryManager = "cn=Directory Manager"
	managerPassword  = "password"
)

// monitorTree is the cn=Monitor subtree served by the test directory, as
// dn -> attribute -> value.
var monitorTree = []struct {
	dn    string
	attrs map[string]string
}{
	{"cn=Monitor", nil},
	{"cn=Connections,cn=Monitor", nil},
	{"cn=Total,cn=Connections,cn=Monitor", map[string]string{"monitorCounter": "15931071"}},
	{"cn=Current,cn=Connections,cn=Monitor", map[string]string{"monitorCounter": "45"}},
	{"cn=Max File Descriptors,cn=Connections,cn=Monitor", map[string]string{"monitorCounter": "4096"}},
	{"cn=Operations,cn=Monitor", nil},
	{"cn=Bind,cn=Operations,cn=Monitor", map[string]string{
		"monitorOpInitiated": "3960532",
		"monitorOpCompleted": "3960530",
	}},
	{"cn=Statistics,cn=Monitor", nil},
	{"cn=Entries,cn=Statistics,cn=Monitor", map[string]string{"monitorCounter": "19858576"}},
	{"cn=Bytes,cn=Statistics,cn=Monitor", map[string]string{"monitorCounter": "81265212343"}},
	{"cn=Threads,cn=Monitor", nil},
	{"cn=Max,cn=Threads,cn=Monitor", map[string]string{"monitoredInfo": "16"}},
	{"cn=Backends,cn=Monitor", nil},
	{"cn=Backend 1,cn=Backends,cn=Monitor", map[string]string{"monitoredInfo": "mdb"}},
}

type directory struct{}

func (directory) Bind(bindDN, bindSimplePw string, _ net.Conn) (ldapserver.LDAPResultCode, error) {
	if bindDN == directoryManager && bindSimplePw == managerPassword {
		return ldapserver.LDAPResultSuccess, nil
	}
	return ldapserver.LDAPResultInvalidCredentials, nil
}

// Search returns fresh entries on every call: the server filters their
// attributes in place.
func (directory) Search(boundDN string, _ ldapserver.SearchRequest, _ net.Conn) (ldapserver.ServerSearchResult, error) {
	if boundDN != directoryManager {
		return ldapserver.ServerSearchResult{ResultCode: ldapserver.LDAPResultInsufficientAccessRights},
			errors.New("anonymous search refused")
	}
	entries := make([]*ldapserver.Entry, 0, len(monitorTree))
	for _, node := range monitorTree {
		e := &ldapserver.Entry{DN: node.dn, Attributes: []*ldapserver.EntryAttribute{
			{Name: "objectClass", Values: []string{"monitorObject"}},
			{Name: "entryDN", Values: []string{node.dn}},
		}}
		for name, value := range node.attrs {
			e.Attributes = append(e.Attributes, &ldapserver.EntryAttribute{Name: name, Values: []string{value}})
		}
		entries = append(entries, e)
	}
	return ldapserver.ServerSearchResult{Entries: entries, ResultCode: ldapserver.LDAPResultSuccess}, nil
}

// startDirectory serves the monitor tree on a random local port and returns
// its URL.
func startDirectory(t *testing.T) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := ldapserver.NewServer()
	srv.EnforceLDAP = true
	srv.BindFunc("", directory{})
	srv.SearchFunc("", directory{})
	quit := make(chan bool)
	srv.QuitChannel(quit)

	go func() { _ = srv.Serve(ln) }()
	t.Cleanup(func() {
		close(quit)
		_ = ln.Close()
	})
	return "ldap://" + ln.Addr().String()
}

// closedPort returns a local URL nothing listens on.
func closedPort(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return "ldap://" + addr
}

func directoryConfig(url, extra string) string {
	return fmt.Sprintf("ldapUrl: %s\nusername: %s\npassword: %s\n%s", url, directoryManager, managerPassword, extra)
}

func scrapeDirectory(t *testing.T, yaml string) map[string]float64 {
	t.Helper()
	c, err := NewFromString(yaml)
	require.NoError(t, err)

	families, err := c.Scrape(context.Background())
	require.NoError(t, err)

	got := make(map[string]float64)
	for _, f := range families {
		for _, s := range f.Samples {
			key := s.Name
			if len(s.LabelNames) > 0 {
				pairs := make([]string, len(s.LabelNames))
				for i := range s.LabelNames {
					pairs[i] = fmt.Sprintf("%s=%q", s.LabelNames[i], s.LabelValues[i])
				}
				key += "{" + strings.Join(pairs, ",") + "}"
			}
			got[key] = s.Value
		}
	}
	return got
}

func TestDirectory_RenameOnMatch(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(startDirectory(t), `
rules:
  - pattern: "cn=Total,cn=Connections"
    name: connections_total
`))
	assert.Equal(t, 15931071.0, got["connections_total"])
	assert.Equal(t, 0.0, got["ldap_scrape_error"])
	assert.Len(t, got, 3, "only the renamed metric and the self-metrics: %v", got)
}

func TestDirectory_WrongURL(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(closedPort(t), `
rules:
  - pattern: "cn=Total,cn=Connections"
    name: connections_total
`))
	assert.Equal(t, 1.0, got["ldap_scrape_error"])
	assert.NotContains(t, got, "connections_total")
}

func TestDirectory_WrongPassword(t *testing.T) {
	url := startDirectory(t)
	got := scrapeDirectory(t, fmt.Sprintf("ldapUrl: %s\nusername: %s\npassword: wrong\n", url, directoryManager))
	assert.Equal(t, 1.0, got["ldap_scrape_error"])
	assert.Len(t, got, 2)
}

func TestDirectory_AnonymousRefused(t *testing.T) {
	got := scrapeDirectory(t, "ldapUrl: "+startDirectory(t)+"\n")
	assert.Equal(t, 1.0, got["ldap_scrape_error"])
}

func TestDirectory_CaptureGroups(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(startDirectory(t), `
rules:
  - pattern: "cn=(Total),cn=(Connections)"
    name: ldap_$2_$1
    labels:
      $1: $2
`))
	assert.Equal(t, 15931071.0, got[`ldap_Connections_Total{Total="Connections"}`])
}

func TestDirectory_SanitizedCapture(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(startDirectory(t), `
rules:
  - pattern: "(cn=Total,cn=Connections)"
    name: $1
    labels:
      $1: $1
`))
	assert.Equal(t, 15931071.0, got[`_Total_Connections{_Total_Connections="cn=Total,cn=Connections"}`])
}

func TestDirectory_DefaultExport(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(startDirectory(t), ""))
	assert.Equal(t, 15931071.0, got["_Total_Connections"])
	assert.Equal(t, 3960532.0, got["_Bind_Operations_monitorOpInitiated"])
	assert.Equal(t, 3960530.0, got["_Bind_Operations_monitorOpCompleted"])
	assert.Equal(t, 16.0, got["_Max_Threads"])
	assert.Equal(t, 4096.0, got["_Max_File_Descriptors_Connections"])
	assert.NotContains(t, got, "_Backend_1_Backends", "non-numeric values are skipped")
}

func TestDirectory_Whitelist(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(startDirectory(t), `
whitelistEntryNames:
  - entryDN=cn=Total,cn=Connections,cn=Monitor
`))
	assert.Contains(t, got, "_Total_Connections")
	assert.NotContains(t, got, "_Entries_Statistics")
}

func TestDirectory_Blacklist(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(startDirectory(t), `
blacklistEntryNames:
  - entryDN=cn=Total,cn=Connections,cn=Monitor
  - entryDN=cn=Max,cn=Threads,cn=Monitor
`))
	assert.NotContains(t, got, "_Total_Connections")
	assert.NotContains(t, got, "_Max_Threads")
	assert.Contains(t, got, "_Current_Connections")
	assert.Contains(t, got, "_Entries_Statistics")
}

func TestDirectory_ValueOverride(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(startDirectory(t), `
rules:
  - pattern: "cn=Total,cn=Connections"
    name: connections_total
    value: "1"
    valueFactor: 0.001
`))
	assert.InDelta(t, 0.001, got["connections_total"], 1e-12)
}

func TestDirectory_StopsOnEmptyName(t *testing.T) {
	got := scrapeDirectory(t, directoryConfig(startDirectory(t), `
rules:
  - pattern: ".*"
    name: ""
  - pattern: ".*"
    name: foo
`))
	assert.NotContains(t, got, "foo")
	assert.Equal(t, 0.0, got["ldap_scrape_error"])
}
