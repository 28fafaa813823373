package collector

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/titisan/ldap-exporter/internal/config"
	"github.com/titisan/ldap-exporter/internal/receiver"
	"github.com/titisan/ldap-exporter/internal/scraper"
)

// ErrNotReady is returned while the start delay has not yet elapsed.
var ErrNotReady = errors.New("collector: waiting for startDelaySeconds")

const (
	scrapeDurationName = "ldap_scrape_duration_seconds"
	scrapeDurationHelp = "Time this LDAP scrape took, in seconds."
	scrapeErrorName    = "ldap_scrape_error"
	scrapeErrorHelp    = "Non-zero if this scrape failed."
)

// Collector scrapes the directory on demand.
type Collector struct {
	configPath string
	cfg        atomic.Pointer[config.Config]
	loadedAt   atomic.Time

	created time.Time
	now     func() time.Time
	dial    scraper.Dialer

	scrapeMu sync.Mutex
	reloadMu sync.Mutex

	lastScrape   atomic.Time
	lastDuration atomic.Duration
	lastErr      atomic.Error
}

// Option customises a Collector.
type Option func(*Collector)

// WithDialer replaces the LDAP transport used by every scrape.
func WithDialer(d scraper.Dialer) Option {
	return func(c *Collector) { c.dial = d }
}

// WithClock replaces time.Now for start delay and duration accounting.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// NewFromFile loads the config at path and returns a Collector that reloads
// it whenever the file's modification time advances.
func NewFromFile(path string, opts ...Option) (*Collector, error) {
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	c := newCollector(cfg, opts)
	c.configPath = path
	return c, nil
}

// NewFromString returns a Collector for an inline config document. It never
// reloads.
func NewFromString(text string, opts ...Option) (*Collector, error) {
	cfg, err := config.LoadString(text)
	if err != nil {
		return nil, err
	}
	return newCollector(cfg, opts), nil
}

func newCollector(cfg *config.Config, opts []Option) *Collector {
	c := &Collector{now: time.Now, dial: scraper.NewConn}
	for _, o := range opts {
		o(c)
	}
	c.cfg.Store(cfg)
	c.loadedAt.Store(c.now())
	c.created = c.now()
	return c
}

// Config returns the active configuration.
func (c *Collector) Config() *config.Config {
	return c.cfg.Load()
}

// Scrape runs one collection cycle and returns the resulting families,
// self-metrics last. LDAP failures are reported through ldap_scrape_error,
// not as an error; the only error returned is ErrNotReady.
func (c *Collector) Scrape(ctx context.Context) ([]*receiver.MetricFamilySamples, error) {
	c.scrapeMu.Lock()
	defer c.scrapeMu.Unlock()

	c.ReloadIfChanged()
	cfg := c.cfg.Load()

	start := c.now()
	if cfg.StartDelaySeconds > 0 && start.Sub(c.created) < time.Duration(cfg.StartDelaySeconds)*time.Second {
		c.record(start, 0, ErrNotReady)
		return nil, ErrNotReady
	}

	recv := receiver.New(cfg)
	err := scraper.New(cfg, recv, scraper.WithDialer(c.dial)).Scrape(ctx)
	scrapeError := 0.0
	if err != nil {
		scrapeError = 1
		slog.Error("collector: ldap scrape failed", "url", cfg.LDAPURL, "err", err)
	}
	duration := c.now().Sub(start)
	c.record(start, duration, err)

	families := recv.Families()
	families = append(families,
		selfMetric(scrapeDurationName, scrapeDurationHelp, duration.Seconds()),
		selfMetric(scrapeErrorName, scrapeErrorHelp, scrapeError),
	)
	return families, nil
}

// ReloadIfChanged re-reads the config file when its modification time is
// newer than that of the active config. A failed reload keeps the active
// config and is retried on the next call.
func (c *Collector) ReloadIfChanged() {
	if c.configPath == "" {
		return
	}
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	fi, err := os.Stat(c.configPath)
	if err != nil {
		slog.Warn("collector: cannot stat config file", "path", c.configPath, "err", err)
		return
	}
	if !fi.ModTime().After(c.cfg.Load().LastUpdate) {
		return
	}

	slog.Info("collector: config file changed, reloading", "path", c.configPath)
	cfg, err := config.LoadFile(c.configPath)
	if err != nil {
		reloadFailure.Inc()
		slog.Error("collector: config reload failed, keeping previous config",
			"path", c.configPath, "err", err)
		return
	}
	c.cfg.Store(cfg)
	c.loadedAt.Store(c.now())
	reloadSuccess.Inc()
	slog.Info("collector: config reloaded", "path", c.configPath, "rules", len(cfg.Rules))
}

// Status describes the most recent scrape.
type Status struct {
	// LastScrape is the start time of the last scrape; zero before the first.
	LastScrape     time.Time
	LastDuration   time.Duration
	LastError      error
	ConfigLoadedAt time.Time
}

// Status returns a snapshot of the last scrape outcome.
func (c *Collector) Status() Status {
	return Status{
		LastScrape:     c.lastScrape.Load(),
		LastDuration:   c.lastDuration.Load(),
		LastError:      c.lastErr.Load(),
		ConfigLoadedAt: c.loadedAt.Load(),
	}
}

func (c *Collector) record(start time.Time, d time.Duration, err error) {
	c.lastScrape.Store(start)
	c.lastDuration.Store(d)
	c.lastErr.Store(err)
}

func selfMetric(name, help string, v float64) *receiver.MetricFamilySamples {
	return &receiver.MetricFamilySamples{
		Name: name,
		Type: config.Gauge,
		Help: help,
		Samples: []receiver.Sample{{
			Name:        name,
			LabelNames:  []string{},
			LabelValues: []string{},
			Value:       v,
		}},
	}
}
