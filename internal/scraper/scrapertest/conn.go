// Package scrapertest provides an in-memory scraper.Conn for tests.
package scrapertest

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ldap/ldap/v3"

	"github.com/titisan/ldap-exporter/internal/config"
	"github.com/titisan/ldap-exporter/internal/scraper"
)

// Conn replays canned search results.
type Conn struct {
	ErrOnConnect bool
	ErrOnSearch  bool

	// ErrAfterEntries makes the search fail once Entries were delivered.
	ErrAfterEntries bool

	// Entries are returned in order. A nil element is delivered as a
	// referral.
	Entries []*ldap.Entry

	mu          sync.Mutex
	connects    int
	closes      int
	lastRequest *ldap.SearchRequest
}

// Dialer returns a scraper.Dialer that always hands out c.
func (c *Conn) Dialer() scraper.Dialer {
	return func(*config.Config) scraper.Conn { return c }
}

func (c *Conn) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ErrOnConnect {
		return errors.New("mock.Connect() error")
	}
	c.connects++
	return nil
}

func (c *Conn) Search(_ context.Context, req *ldap.SearchRequest) ldap.Response {
	c.mu.Lock()
	c.lastRequest = req
	c.mu.Unlock()

	if c.ErrOnSearch {
		return &response{err: errors.New("mock.Search() error")}
	}
	res := &response{entries: c.Entries}
	if c.ErrAfterEntries {
		res.err = errors.New("mock.Search() error after entries")
	}
	return res
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

// Balanced reports whether every successful Connect was followed by Close.
func (c *Conn) Balanced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects == c.closes
}

// Connects returns the number of successful Connect calls.
func (c *Conn) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

// LastRequest returns the most recent search request.
func (c *Conn) LastRequest() *ldap.SearchRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRequest
}

type response struct {
	entries []*ldap.Entry
	err     error

	next    int
	current *ldap.Entry
	done    bool
}

func (r *response) Next() bool {
	if r.next >= len(r.entries) {
		r.done = true
		return false
	}
	r.current = r.entries[r.next]
	r.next++
	return true
}

func (r *response) Entry() *ldap.Entry { return r.current }

func (r *response) Referral() string {
	if r.current == nil && !r.done {
		return "ldap://referral.example.org/cn=Monitor"
	}
	return ""
}

func (r *response) Controls() []ldap.Control { return nil }

func (r *response) Err() error {
	if !r.done {
		return nil
	}
	return r.err
}

// Entry builds an entry with single-valued attributes given as name/value
// pairs.
func Entry(dn string, attrs ...string) *ldap.Entry {
	e := &ldap.Entry{DN: dn}
	for i := 0; i+1 < len(attrs); i += 2 {
		e.Attributes = append(e.Attributes, &ldap.EntryAttribute{
			Name:   attrs[i],
			Values: []string{attrs[i+1]},
		})
	}
	return e
}

// MonitorEntries returns a small cn=Monitor tree as an OpenLDAP server
// exposes it.
func MonitorEntries() []*ldap.Entry {
	return []*ldap.Entry{
		Entry("cn=Monitor"),
		Entry("cn=Total,cn=Connections,cn=Monitor", "monitorCounter", "15931071"),
		Entry("cn=Current,cn=Connections,cn=Monitor", "monitorCounter", "45"),
		Entry("cn=Max File Descriptors,cn=Connections,cn=Monitor", "monitorCounter", "1024"),
		Entry("cn=Bind,cn=Operations,cn=Monitor",
			"monitorOpInitiated", "3960532",
			"monitorOpCompleted", "3960531"),
		Entry("cn=Entries,cn=Statistics,cn=Monitor", "monitorCounter", "19858576"),
		Entry("cn=Bytes,cn=Statistics,cn=Monitor", "monitorCounter", "24736436823"),
		Entry("cn=Max,cn=Threads,cn=Monitor", "monitoredInfo", "16"),
		Entry("cn=Backend 1,cn=Backends,cn=Monitor", "monitoredInfo", "mdb"),
	}
}
