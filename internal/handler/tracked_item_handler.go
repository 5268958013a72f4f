package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"Mansoor88-6/dose-tracker/internal/models"
	"Mansoor88-6/dose-tracker/internal/repository"
	"Mansoor88-6/dose-tracker/internal/service"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const defaultScheduleCount = 5

type TrackedItemHandler struct {
	service *service.TrackedItemService
	logger  *zap.Logger
	now     func() time.Time
}

func NewTrackedItemHandler(service *service.TrackedItemService, logger *zap.Logger) *TrackedItemHandler {
	return &TrackedItemHandler{
		service: service,
		logger:  logger,
		now:     time.Now,
	}
}

func (h *TrackedItemHandler) CreateItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.CreateItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := h.service.Create(r.Context(), &req)
	if err != nil {
		h.fail(w, "Failed to create item", err)
		return
	}

	writeJSON(w, http.StatusCreated, item)
}

func (h *TrackedItemHandler) GetItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := itemID(w, r)
	if !ok {
		return
	}

	view, err := h.service.View(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get item", err)
		return
	}

	writeJSON(w, http.StatusOK, view)
}

// ListItems returns every item, most urgent first
func (h *TrackedItemHandler) ListItems(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	items, err := h.service.List(r.Context())
	if err != nil {
		h.fail(w, "Failed to list items", err)
		return
	}

	now := h.now()
	views := make([]*models.ItemView, len(items))
	for i, item := range items {
		views[i] = service.NewItemView(item, now)
	}

	writeJSON(w, http.StatusOK, views)
}

func (h *TrackedItemHandler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := itemID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.fail(w, "Failed to delete item", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// RecordOccurrence records an occurrence. An empty body records one now
// using the item's default stock usage.
func (h *TrackedItemHandler) RecordOccurrence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := itemID(w, r)
	if !ok {
		return
	}

	var req models.AddOccurrenceRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.logger.Error("Failed to decode request", zap.Error(err))
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}

	item, err := h.service.RecordOccurrence(r.Context(), id, &req)
	if err != nil {
		h.fail(w, "Failed to record occurrence", err)
		return
	}

	writeJSON(w, http.StatusOK, service.NewItemView(item, h.now()))
}

func (h *TrackedItemHandler) AddStock(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := itemID(w, r)
	if !ok {
		return
	}

	var req models.AddStockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Error("Failed to decode request", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	item, err := h.service.AddStock(r.Context(), id, &req)
	if err != nil {
		h.fail(w, "Failed to add stock", err)
		return
	}

	writeJSON(w, http.StatusOK, service.NewItemView(item, h.now()))
}

func (h *TrackedItemHandler) Schedule(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := itemID(w, r)
	if !ok {
		return
	}

	count := defaultScheduleCount
	if countStr := r.URL.Query().Get("count"); countStr != "" {
		c, err := strconv.Atoi(countStr)
		if err != nil {
			http.Error(w, "Invalid count parameter", http.StatusBadRequest)
			return
		}
		count = c
	}

	var spaced bool
	if spacedStr := r.URL.Query().Get("spaced"); spacedStr != "" {
		s, err := strconv.ParseBool(spacedStr)
		if err != nil {
			http.Error(w, "Invalid spaced parameter", http.StatusBadRequest)
			return
		}
		spaced = s
	}

	resp, err := h.service.Schedule(r.Context(), id, count, spaced)
	if err != nil {
		h.fail(w, "Failed to project schedule", err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *TrackedItemHandler) Archives(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id, ok := itemID(w, r)
	if !ok {
		return
	}

	archives, err := h.service.Archives(r.Context(), id)
	if err != nil {
		h.fail(w, "Failed to get archives", err)
		return
	}

	writeJSON(w, http.StatusOK, archives)
}

// fail logs err and answers with the status it maps to
func (h *TrackedItemHandler) fail(w http.ResponseWriter, msg string, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		h.logger.Debug(msg, zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, repository.ErrNotFound):
		h.logger.Debug(msg, zap.Error(err))
		http.Error(w, "Item not found", http.StatusNotFound)
	default:
		h.logger.Error(msg, zap.Error(err))
		http.Error(w, msg, http.StatusInternalServerError)
	}
}

func itemID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	idStr := r.URL.Query().Get("id")
	if idStr == "" {
		http.Error(w, "Missing id parameter", http.StatusBadRequest)
		return uuid.Nil, false
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "Invalid id parameter", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
