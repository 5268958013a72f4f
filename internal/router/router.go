package router

import (
	"net/http"
	"time"

	"Mansoor88-6/dose-tracker/internal/auth"
	"Mansoor88-6/dose-tracker/internal/handler"
	"Mansoor88-6/dose-tracker/internal/metrics"

	"go.uber.org/zap"
)

// New builds the item API. Item routes require a device token when
// verifier is set; /health and /metrics are always open.
func New(itemHandler *handler.TrackedItemHandler, verifier *auth.Verifier, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.Handle("/metrics", m.Handler())

	items := http.NewServeMux()
	items.HandleFunc("/api/v1/items", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			itemHandler.CreateItem(w, r)
		case http.MethodGet:
			// Check if it's a single item or list
			if r.URL.Query().Get("id") != "" {
				itemHandler.GetItem(w, r)
			} else {
				itemHandler.ListItems(w, r)
			}
		case http.MethodDelete:
			itemHandler.DeleteItem(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})
	items.HandleFunc("/api/v1/items/occurrences", itemHandler.RecordOccurrence)
	items.HandleFunc("/api/v1/items/schedule", itemHandler.Schedule)
	items.HandleFunc("/api/v1/items/stock", itemHandler.AddStock)
	items.HandleFunc("/api/v1/items/archives", itemHandler.Archives)

	var gated http.Handler = items
	if verifier != nil {
		gated = auth.Middleware(verifier, logger)(items)
	}
	mux.Handle("/api/v1/items", gated)
	mux.Handle("/api/v1/items/", gated)

	return Logging(mux, m, logger)
}

// Logging logs each request and records its duration
func Logging(next http.Handler, m *metrics.Metrics, logger *zap.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		logger.Info("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", rec.status),
			zap.Duration("duration", elapsed),
		)
		m.ObserveHTTP(r.URL.Path, rec.status, elapsed)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
