package api

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/titisan/ldap-exporter/internal/collector"
)

// StatusSource reports the outcome of the most recent scrape.
type StatusSource interface {
	Status() collector.Status
}

// Handler serves the telemetry, health and landing page endpoints.
type Handler struct {
	status        StatusSource
	telemetryPath string
	mux           *http.ServeMux
}

// New creates a Handler exposing gatherer on telemetryPath.
func New(gatherer prometheus.Gatherer, status StatusSource, telemetryPath string) http.Handler {
	h := &Handler{status: status, telemetryPath: telemetryPath, mux: http.NewServeMux()}

	h.mux.Handle(telemetryPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
		ErrorHandling: promhttp.HTTPErrorOnError,
	}))
	h.mux.HandleFunc("/health", h.health)
	h.mux.HandleFunc("/", h.landing)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// health returns GET /health: status of the last scrape.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		jsonErr(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	st := h.status.Status()
	resp := HealthResponse{
		Status:                    "unknown",
		LastScrapeDurationSeconds: st.LastDuration.Seconds(),
	}
	if !st.ConfigLoadedAt.IsZero() {
		resp.ConfigLoadedAt = st.ConfigLoadedAt.UTC().Format(time.RFC3339)
	}
	if !st.LastScrape.IsZero() {
		resp.LastScrape = st.LastScrape.UTC().Format(time.RFC3339)
		resp.Status = "ok"
		if st.LastError != nil {
			resp.Status = "error"
			resp.LastScrapeError = st.LastError.Error()
		}
	}
	jsonResp(w, http.StatusOK, resp)
}

// landing returns GET /: a minimal page pointing at the metrics.
func (h *Handler) landing(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	path := html.EscapeString(h.telemetryPath)
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, `<html>
<head><title>LDAP Exporter</title></head>
<body>
<h1>LDAP Exporter</h1>
<p><a href="%s">Metrics</a></p>
<p><a href="/health">Health</a></p>
</body>
</html>
`, path)
}

func jsonResp(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func jsonErr(w http.ResponseWriter, code int, msg string) {
	jsonResp(w, code, errorResponse{Error: msg})
}
