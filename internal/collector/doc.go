// Package collector ties config, scraper and receiver together behind a
// prometheus.Collector.
//
// Each Collect call (or direct Scrape) reloads the config file if its mtime
// advanced, refuses to run during the configured start delay (ErrNotReady),
// then runs one scrape with a fresh Receiver and appends two self-metrics:
// ldap_scrape_duration_seconds and ldap_scrape_error.
//
// The active config is swapped atomically on reload; scrapes are serialized.
// Reload outcomes are counted in two process-wide counters registered with
// RegisterReloadMetrics.
package collector
