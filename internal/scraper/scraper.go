package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	"github.com/titisan/ldap-exporter/internal/config"
)

// Receiver consumes the numeric observations of a scrape.
type Receiver interface {
	Record(entryName string, value float64, attrName, description string)
}

// Scraper performs one search per Scrape call. It is not safe for
// concurrent use.
type Scraper struct {
	cfg  *config.Config
	recv Receiver
	dial Dialer
}

// Option customises a Scraper.
type Option func(*Scraper)

// WithDialer replaces the go-ldap transport.
func WithDialer(d Dialer) Option {
	return func(s *Scraper) { s.dial = d }
}

// New returns a Scraper delivering observations for cfg to recv.
func New(cfg *config.Config, recv Receiver, opts ...Option) *Scraper {
	s := &Scraper{cfg: cfg, recv: recv, dial: NewConn}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Scrape runs one subtree search and feeds every numeric attribute value to
// the Receiver. Connect, bind and search failures are returned. A search that
// fails after entries were already delivered is logged and the partial
// result kept.
func (s *Scraper) Scrape(ctx context.Context) error {
	if s.cfg.ScrapeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.ScrapeTimeout)
		defer cancel()
	}

	conn := s.dial(s.cfg)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("scraper: connect: %w", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			slog.Debug("scraper: close failed", "err", err)
		}
	}()

	filter := BuildFilter(s.cfg.WhitelistEntryNames, s.cfg.BlacklistEntryNames)
	req := ldap.NewSearchRequest(
		s.cfg.BaseDN,
		ldap.ScopeWholeSubtree,
		ldap.DerefAlways,
		0, 0, false,
		filter,
		s.cfg.Attributes(),
		nil,
	)

	slog.Debug("scraper: searching", "base", s.cfg.BaseDN, "filter", filter)

	res := conn.Search(ctx, req)
	entries := 0
	for res.Next() {
		entry := res.Entry()
		if entry == nil {
			// Referrals and trailing controls.
			continue
		}
		entries++
		s.emit(entry)
	}
	if err := res.Err(); err != nil {
		if entries == 0 {
			return fmt.Errorf("scraper: search %q: %w", s.cfg.BaseDN, err)
		}
		slog.Warn("scraper: search ended early, keeping partial result",
			"base", s.cfg.BaseDN, "entries", entries, "err", err)
	}
	return nil
}

func (s *Scraper) emit(entry *ldap.Entry) {
	rel := RelativeName(entry.DN, s.cfg.BaseDN)
	for _, attr := range entry.Attributes {
		if len(attr.Values) == 0 {
			continue
		}
		value, err := strconv.ParseFloat(strings.TrimSpace(attr.Values[0]), 64)
		if err != nil {
			slog.Debug("scraper: skipping non-numeric attribute",
				"dn", entry.DN, "attr", attr.Name)
			continue
		}
		description := rel + "_" + attr.Name
		name := rel
		if len(entry.Attributes) != 1 {
			name = description
		}
		s.recv.Record(name, value, attr.Name, description)
	}
}

// BuildFilter combines the allow-list and deny-list fragments into an LDAP
// search filter. Fragments are inserted verbatim.
//
//	(objectClass=*)                       no fragments
//	(&(|(w1)(w2)))                        allow-list only
//	(&(&(!(b1))(!(b2))))                  deny-list only
//	(&(|(w1)(w2))(&(!(b1))(!(b2))))       both
func BuildFilter(allow, deny []string) string {
	if len(allow) == 0 && len(deny) == 0 {
		return "(objectClass=*)"
	}

	var b strings.Builder
	b.WriteString("(&")
	if len(allow) > 0 {
		b.WriteString("(|")
		for _, f := range allow {
			b.WriteString("(" + f + ")")
		}
		b.WriteString(")")
	}
	if len(deny) > 0 {
		b.WriteString("(&")
		for _, f := range deny {
			b.WriteString("(!(" + f + "))")
		}
		b.WriteString(")")
	}
	b.WriteString(")")
	return b.String()
}

// RelativeName returns dn relative to base. The base entry itself has an
// empty relative name; a DN outside base is returned unchanged.
func RelativeName(dn, base string) string {
	if base == "" {
		return dn
	}
	if strings.EqualFold(dn, base) {
		return ""
	}
	suffix := "," + base
	if len(dn) > len(suffix) && strings.EqualFold(dn[len(dn)-len(suffix):], suffix) {
		return dn[:len(dn)-len(suffix)]
	}
	return dn
}
