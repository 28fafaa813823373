package api

// HealthResponse is the payload for GET /health.
type HealthResponse struct {
	// Status is "ok", "error", or "unknown" before the first scrape.
	Status                    string  `json:"status"`
	LastScrape                string  `json:"last_scrape,omitempty"` // RFC3339
	LastScrapeDurationSeconds float64 `json:"last_scrape_duration_seconds"`
	LastScrapeError           string  `json:"last_scrape_error,omitempty"`
	ConfigLoadedAt            string  `json:"config_loaded_at,omitempty"` // RFC3339
}

type errorResponse struct {
	Error string `json:"error"`
}
