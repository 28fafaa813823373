package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when keys are absent from the config document.
const (
	DefaultLDAPURL        = "ldap://127.0.0.1:389"
	DefaultBaseDN         = "cn=Monitor"
	DefaultConnectTimeout = 5 * time.Second
)

// DefaultAttributes are always requested from the directory; the
// extraAttrsToReturn list is appended to them.
var DefaultAttributes = []string{
	"monitorCounter",
	"monitorOpInitiated",
	"monitorOpCompleted",
	"monitoredInfo",
}

// MetricType is the exposition type of the samples produced by a rule.
type MetricType string

const (
	Untyped MetricType = "UNTYPED"
	Counter MetricType = "COUNTER"
	Gauge   MetricType = "GAUGE"
)

// Config is the parsed, validated configuration. It is never mutated after
// LoadFile or LoadString returns; a reload produces a new value.
type Config struct {
	// StartDelaySeconds is the grace period after collector creation during
	// which scrapes are refused.
	StartDelaySeconds int

	// LDAPURL is the directory endpoint (ldap://, ldaps:// or ldapi://).
	LDAPURL string

	// Username and Password are used for a simple bind when both are set.
	Username string
	Password string

	// BaseDN is the root of the subtree search.
	BaseDN string

	// StartTLS upgrades a plain ldap:// connection before binding.
	StartTLS bool

	// TLS holds the options used for ldaps:// and StartTLS.
	TLS TLSConfig

	ConnectTimeout time.Duration

	// ScrapeTimeout caps bind + search of one scrape. Zero means no cap.
	ScrapeTimeout time.Duration

	LowercaseOutputName       bool
	LowercaseOutputLabelNames bool

	// WhitelistEntryNames and BlacklistEntryNames are LDAP filter fragments
	// inserted verbatim into the search filter.
	WhitelistEntryNames []string
	BlacklistEntryNames []string

	// ExtraAttrsToReturn is appended to DefaultAttributes.
	ExtraAttrsToReturn []string

	// Rules are evaluated in order; the first match wins.
	Rules []*Rule

	// LastUpdate is the modification time of the file the config was read
	// from. It is zero for inline documents.
	LastUpdate time.Time
}

// Attributes returns the attribute IDs to request from the directory.
func (c *Config) Attributes() []string {
	attrs := make([]string, 0, len(DefaultAttributes)+len(c.ExtraAttrsToReturn))
	attrs = append(attrs, DefaultAttributes...)
	return append(attrs, c.ExtraAttrsToReturn...)
}

// TLSConfig holds TLS dial options for the directory connection.
type TLSConfig struct {
	// InsecureSkipVerify disables certificate verification.
	InsecureSkipVerify bool `yaml:"insecureSkipVerify"`

	// CAFile is a PEM bundle used instead of the system roots.
	CAFile string `yaml:"caFile"`

	// CertFile and KeyFile enable client certificate authentication.
	CertFile string `yaml:"certFile"`
	KeyFile  string `yaml:"keyFile"`

	// ServerName overrides the name used for certificate verification.
	ServerName string `yaml:"serverName"`
}

// document mirrors the YAML layout.
type document struct {
	StartDelaySeconds         int            `yaml:"startDelaySeconds"`
	LDAPURL                   string         `yaml:"ldapUrl"`
	Username                  string         `yaml:"username"`
	Password                  string         `yaml:"password"`
	BaseDN                    string         `yaml:"baseDn"`
	StartTLS                  bool           `yaml:"startTls"`
	TLS                       TLSConfig      `yaml:"tls"`
	ConnectTimeoutSeconds     int            `yaml:"connectTimeoutSeconds"`
	ScrapeTimeoutSeconds      int            `yaml:"scrapeTimeoutSeconds"`
	LowercaseOutputName       bool           `yaml:"lowercaseOutputName"`
	LowercaseOutputLabelNames bool           `yaml:"lowercaseOutputLabelNames"`
	WhitelistEntryNames       []string       `yaml:"whitelistEntryNames"`
	BlacklistEntryNames       []string       `yaml:"blacklistEntryNames"`
	ExtraAttrsToReturn        []string       `yaml:"extraAttrsToReturn"`
	Rules                     []ruleDocument `yaml:"rules"`
}

// ruleDocument keeps pointers so that a key given with an empty value can be
// told apart from a missing key.
type ruleDocument struct {
	Pattern     *string           `yaml:"pattern"`
	Name        *string           `yaml:"name"`
	Value       *string           `yaml:"value"`
	ValueFactor *string           `yaml:"valueFactor"`
	Type        string            `yaml:"type"`
	Help        *string           `yaml:"help"`
	Labels      map[string]string `yaml:"labels"`
}

// LoadFile reads and parses the YAML config document at path. The file's
// modification time is recorded in LastUpdate.
func LoadFile(path string) (*Config, error) {
	// Stat before reading: a write racing with the read leaves a newer mtime
	// behind and triggers another reload.
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("config: stat file: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read file: %w", err)
	}

	cfg, err := parse(data)
	if err != nil {
		return nil, err
	}
	cfg.LastUpdate = fi.ModTime()
	return cfg, nil
}

// LoadString parses an inline YAML config document.
func LoadString(text string) (*Config, error) {
	return parse([]byte(text))
}

func parse(data []byte) (*Config, error) {
	doc := defaults()
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, fmt.Errorf("config: parse yaml: %w", err)
	}

	if err := validate(doc); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg := &Config{
		StartDelaySeconds:         doc.StartDelaySeconds,
		LDAPURL:                   doc.LDAPURL,
		Username:                  doc.Username,
		Password:                  doc.Password,
		BaseDN:                    doc.BaseDN,
		StartTLS:                  doc.StartTLS,
		TLS:                       doc.TLS,
		ConnectTimeout:            time.Duration(doc.ConnectTimeoutSeconds) * time.Second,
		ScrapeTimeout:             time.Duration(doc.ScrapeTimeoutSeconds) * time.Second,
		LowercaseOutputName:       doc.LowercaseOutputName,
		LowercaseOutputLabelNames: doc.LowercaseOutputLabelNames,
		WhitelistEntryNames:       nonNil(doc.WhitelistEntryNames),
		BlacklistEntryNames:       nonNil(doc.BlacklistEntryNames),
		ExtraAttrsToReturn:        nonNil(doc.ExtraAttrsToReturn),
	}

	if len(doc.Rules) == 0 {
		cfg.Rules = []*Rule{{ValueFactor: 1.0, Type: Untyped}}
		return cfg, nil
	}

	cfg.Rules = make([]*Rule, 0, len(doc.Rules))
	for i, rd := range doc.Rules {
		rule, err := buildRule(rd)
		if err != nil {
			return nil, fmt.Errorf("config: rules[%d]: %w", i, err)
		}
		if rule != nil {
			cfg.Rules = append(cfg.Rules, rule)
		}
	}
	return cfg, nil
}

// defaults returns a document pre-populated with default values.
func defaults() *document {
	return &document{
		LDAPURL:               DefaultLDAPURL,
		BaseDN:                DefaultBaseDN,
		ConnectTimeoutSeconds: int(DefaultConnectTimeout / time.Second),
	}
}

// validate checks the connection settings and filter fragments.
func validate(doc *document) error {
	if doc.StartDelaySeconds < 0 {
		return fmt.Errorf("startDelaySeconds must not be negative, got %d", doc.StartDelaySeconds)
	}
	if doc.LDAPURL == "" {
		return errors.New("ldapUrl is required")
	}
	u, err := url.Parse(doc.LDAPURL)
	if err != nil {
		return fmt.Errorf("ldapUrl: %w", err)
	}
	switch u.Scheme {
	case "ldap", "ldaps", "ldapi":
	default:
		return fmt.Errorf("ldapUrl %q: unsupported scheme %q", doc.LDAPURL, u.Scheme)
	}
	if doc.StartTLS && u.Scheme != "ldap" {
		return fmt.Errorf("startTls requires an ldap:// url, got %q", doc.LDAPURL)
	}
	if doc.ConnectTimeoutSeconds <= 0 {
		return fmt.Errorf("connectTimeoutSeconds must be positive, got %d", doc.ConnectTimeoutSeconds)
	}
	if doc.ScrapeTimeoutSeconds < 0 {
		return fmt.Errorf("scrapeTimeoutSeconds must not be negative, got %d", doc.ScrapeTimeoutSeconds)
	}
	if (doc.TLS.CertFile == "") != (doc.TLS.KeyFile == "") {
		return errors.New("tls.certFile and tls.keyFile must be set together")
	}
	for i, f := range doc.WhitelistEntryNames {
		if err := validateFragment(f); err != nil {
			return fmt.Errorf("whitelistEntryNames[%d] %q: %w", i, f, err)
		}
	}
	for i, f := range doc.BlacklistEntryNames {
		if err := validateFragment(f); err != nil {
			return fmt.Errorf("blacklistEntryNames[%d] %q: %w", i, f, err)
		}
	}
	return nil
}

// validateFragment rejects fragments that would break out of the
// parentheses the scraper wraps them in.
func validateFragment(f string) error {
	if strings.TrimSpace(f) == "" {
		return errors.New("empty filter fragment")
	}
	depth := 0
	for _, c := range f {
		switch c {
		case '(':
			depth++
		case ')':
			depth--
			if depth < 0 {
				return errors.New("unbalanced parentheses")
			}
		}
	}
	if depth != 0 {
		return errors.New("unbalanced parentheses")
	}
	return nil
}

// buildRule compiles one rule document. It returns a nil rule, and no error,
// when the pattern does not compile.
func buildRule(rd ruleDocument) (*Rule, error) {
	rule := &Rule{ValueFactor: 1.0, Type: Untyped}

	if rd.Pattern != nil {
		re, err := compilePattern(*rd.Pattern)
		if err != nil {
			slog.Warn("config: ignoring rule with invalid pattern",
				"pattern", *rd.Pattern, "err", err)
			return nil, nil
		}
		rule.Pattern = re
	}
	re := rule.regexp()

	if rd.Name != nil {
		rule.Name = compileTemplate(*rd.Name, re)
	}
	if rd.Value != nil {
		rule.Value = compileTemplate(*rd.Value, re)
	}
	if rd.ValueFactor != nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(*rd.ValueFactor), 64); err == nil {
			rule.ValueFactor = f
		} else {
			slog.Debug("config: invalid valueFactor, using 1.0",
				"valueFactor", *rd.ValueFactor)
		}
	}
	if rd.Help != nil {
		rule.Help = compileTemplate(*rd.Help, re)
	}

	switch MetricType(rd.Type) {
	case "":
	case Untyped, Counter, Gauge:
		rule.Type = MetricType(rd.Type)
	default:
		return nil, fmt.Errorf("unknown type %q", rd.Type)
	}

	if rd.Labels != nil {
		names := make([]string, 0, len(rd.Labels))
		for name := range rd.Labels {
			names = append(names, name)
		}
		sort.Strings(names)
		rule.LabelNames = make([]*Template, 0, len(names))
		rule.LabelValues = make([]*Template, 0, len(names))
		for _, name := range names {
			rule.LabelNames = append(rule.LabelNames, compileTemplate(name, re))
			rule.LabelValues = append(rule.LabelValues, compileTemplate(rd.Labels[name], re))
		}
	}

	if (rd.Labels != nil || rd.Help != nil) && rd.Name == nil {
		return nil, errors.New("must provide name, if help or labels are given")
	}
	if rd.Name != nil && rd.Pattern == nil {
		return nil, errors.New("must provide pattern, if name is given")
	}

	for _, t := range rule.templates() {
		if t.Err() != nil {
			slog.Warn("config: rule template can never be expanded",
				"template", t.String(), "err", t.Err())
		}
	}
	return rule, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
