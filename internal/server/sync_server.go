package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"Mansoor88-6/dose-tracker/internal/auth"
	"Mansoor88-6/dose-tracker/internal/metrics"
	"Mansoor88-6/dose-tracker/internal/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxEventBytes  = 1 << 20
	listLimit      = 500
	statusStored   = "stored"
	statusDup      = "duplicate"
	statusRejected = "rejected"
)

// EventStore persists received events, deduplicated per subject
type EventStore interface {
	Store(ctx context.Context, subject string, event models.SyncEvent, receivedAt time.Time) (bool, error)
	ListSince(ctx context.Context, subject string, since time.Time, limit int) ([]models.StoredEvent, error)
}

// SyncServer is the ingest endpoint devices push their events to. Every
// device key is its own subject, and events are kept apart per subject.
type SyncServer struct {
	store    EventStore
	verifier *auth.Verifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewSyncServer creates a new sync server
func NewSyncServer(store EventStore, verifier *auth.Verifier, m *metrics.Metrics, logger *zap.Logger) *SyncServer {
	return &SyncServer{
		store:    store,
		verifier: verifier,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// ServeHTTP implements http.Handler
func (s *SyncServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.setCORSHeaders(w)

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	switch r.URL.Path {
	case "/api/sync":
		s.authenticated(w, r, http.MethodGet, s.handleValidate)
	case "/api/sync/event":
		s.authenticated(w, r, http.MethodPost, s.handleEvent)
	case "/api/sync/events":
		s.authenticated(w, r, http.MethodGet, s.handleList)
	case "/health":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"timestamp": s.now().Unix(),
		})
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *SyncServer) setCORSHeaders(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.PublicKeyHeader)
	w.Header().Set("Access-Control-Max-Age", "3600")
}

func (s *SyncServer) authenticated(w http.ResponseWriter, r *http.Request, method string, next func(http.ResponseWriter, *http.Request, string)) {
	if r.Method != method {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	subject, err := s.verifier.Authenticate(r)
	if err != nil {
		s.logger.Debug("Rejected sync request", zap.String("path", r.URL.Path), zap.Error(err))
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}
	next(w, r, subject)
}

func (s *SyncServer) handleValidate(w http.ResponseWriter, _ *http.Request, subject string) {
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":   true,
		"subject": subject,
	})
}

func (s *SyncServer) handleEvent(w http.ResponseWriter, r *http.Request, subject string) {
	var event models.SyncEvent
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&event); err != nil {
		s.metrics.EventReceived(statusRejected)
		writeError(w, http.StatusBadRequest, "invalid sync event body")
		return
	}
	if err := validateIncoming(event); err != nil {
		s.metrics.EventReceived(statusRejected)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	stored, err := s.store.Store(r.Context(), subject, event, s.now())
	if err != nil {
		s.logger.Error("Failed to store sync event",
			zap.String("event_id", event.EventID),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "failed to store event")
		return
	}

	if stored {
		s.metrics.EventReceived(statusStored)
	} else {
		s.metrics.EventReceived(statusDup)
	}
	s.logger.Debug("Sync event received",
		zap.String("subject", subject),
		zap.String("event_id", event.EventID),
		zap.String("event_type", string(event.EventType)),
		zap.Bool("stored", stored),
	)

	writeJSON(w, http.StatusOK, models.StoreResult{Stored: stored, EventID: event.EventID})
}

func (s *SyncServer) handleList(w http.ResponseWriter, r *http.Request, subject string) {
	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid since parameter")
			return
		}
		since = v
	}

	events, err := s.store.ListSince(r.Context(), subject, time.UnixMilli(since), listLimit)
	if err != nil {
		s.logger.Error("Failed to list sync events", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

// validateIncoming applies the ingest rules on top of SyncEvent.Validate:
// both ids must be UUIDs.
func validateIncoming(event models.SyncEvent) error {
	if err := event.Validate(); err != nil {
		return err
	}
	if _, err := uuid.Parse(event.EventID); err != nil {
		return errors.New("eventId must be a UUID")
	}
	if _, err := uuid.Parse(event.ItemID); err != nil {
		return errors.New("itemId must be a UUID")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
