// Package handler provides the operator HTTP API of the edge node.
package handler

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/model"
	"github.com/devrev/edgesync/internal/service"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
	maxBodyBytes     = 8 << 20
)

// SyncAPI is the replication engine surface used by the handlers
type SyncAPI interface {
	GetSyncStats(ctx context.Context) (*model.SyncStats, error)
	ListEvents(ctx context.Context, filter model.SyncEventFilter) ([]*model.SyncEvent, error)
	TriggerSync(ctx context.Context) (*model.SyncCycleResult, error)
	CleanupSyncedEvents(ctx context.Context, daysToKeep int) (int64, error)
	RecordEvent(ctx context.Context, tableName string, op model.Operation, recordID string, data interface{}, establishmentID string) (*model.SyncEvent, error)
}

// CacheAPI is the offline cache surface used by the handlers
type CacheAPI interface {
	Lookup(ctx context.Context, key string) (*model.CacheEntry, error)
	Set(ctx context.Context, key string, value []byte, opts *service.SetOptions) error
	Delete(ctx context.Context, key string) (bool, error)
	InvalidateTags(ctx context.Context, tags []string) (int64, error)
	List(ctx context.Context, prefix string, limit int) ([]*model.CacheEntry, error)
	CleanupExpired(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (*model.CacheStats, error)
	EnqueueOperation(ctx context.Context, opType model.OperationType, resource, operation string, data json.RawMessage) (*model.OfflineOperation, error)
	FlushBacklog(ctx context.Context) (*model.ReplayResult, error)
}

// ConnectivityAPI reports and refreshes the central reachability state
type ConnectivityAPI interface {
	Status() service.ConnectivityStatus
	CheckConnectivity(ctx context.Context) bool
}

// ServiceReporter lists orchestrated services
type ServiceReporter interface {
	Report() []model.ServiceStatus
}

// PeerLister lists gossip peers
type PeerLister interface {
	Peers() []model.PeerStatus
}

// Handlers contains all HTTP handlers and their dependencies.
type Handlers struct {
	sync         SyncAPI
	cache        CacheAPI
	connectivity ConnectivityAPI
	services     ServiceReporter
	peers        PeerLister
	logger       *zap.Logger
	timeout      time.Duration
}

// Config holds the handlers' dependencies. Peers may be nil when gossip
// is disabled.
type Config struct {
	Sync         SyncAPI
	Cache        CacheAPI
	Connectivity ConnectivityAPI
	Services     ServiceReporter
	Peers        PeerLister
	Timeout      time.Duration
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(cfg Config, logger *zap.Logger) *Handlers {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Handlers{
		sync:         cfg.Sync,
		cache:        cfg.Cache,
		connectivity: cfg.Connectivity,
		services:     cfg.Services,
		peers:        cfg.Peers,
		logger:       logger,
		timeout:      timeout,
	}
}

// RegisterRoutes mounts the operator API on r
func (h *Handlers) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/sync/stats", h.GetSyncStats).Methods(http.MethodGet)
	r.HandleFunc("/sync/events", h.ListSyncEvents).Methods(http.MethodGet)
	r.HandleFunc("/sync/trigger", h.TriggerSync).Methods(http.MethodPost)
	r.HandleFunc("/sync/cleanup", h.CleanupSyncedEvents).Methods(http.MethodPost)
	r.HandleFunc("/events", h.RecordEvent).Methods(http.MethodPost)

	r.HandleFunc("/operations", h.EnqueueOperation).Methods(http.MethodPost)
	r.HandleFunc("/operations/flush", h.FlushOperations).Methods(http.MethodPost)

	r.HandleFunc("/cache", h.ListCache).Methods(http.MethodGet)
	r.HandleFunc("/cache/stats", h.GetCacheStats).Methods(http.MethodGet)
	r.HandleFunc("/cache/invalidate", h.InvalidateCacheTags).Methods(http.MethodPost)
	r.HandleFunc("/cache/cleanup", h.CleanupCache).Methods(http.MethodPost)
	r.HandleFunc("/cache/{key:.+}", h.GetCacheEntry).Methods(http.MethodGet)
	r.HandleFunc("/cache/{key:.+}", h.PutCacheEntry).Methods(http.MethodPut)
	r.HandleFunc("/cache/{key:.+}", h.DeleteCacheEntry).Methods(http.MethodDelete)

	r.HandleFunc("/connectivity", h.GetConnectivity).Methods(http.MethodGet)
	r.HandleFunc("/connectivity/probe", h.ProbeConnectivity).Methods(http.MethodPost)
	r.HandleFunc("/services", h.ListServices).Methods(http.MethodGet)
	r.HandleFunc("/peers", h.ListPeers).Methods(http.MethodGet)
}

func (h *Handlers) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), h.timeout)
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		return 0, errors.InvalidArgument("limit must be between 1 and 1000", err)
	}
	return n, nil
}

// GetSyncStats handles GET /v1/sync/stats requests.
func (h *Handlers) GetSyncStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	stats, err := h.sync.GetSyncStats(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, stats)
}

// ListSyncEvents handles GET /v1/sync/events requests.
func (h *Handlers) ListSyncEvents(w http.ResponseWriter, r *http.Request) {
	filter := model.SyncEventFilter{
		Status: model.SyncEventStatus(strings.ToLower(r.URL.Query().Get("status"))),
	}
	switch filter.Status {
	case "", model.SyncEventPending, model.SyncEventSynced, model.SyncEventFailed:
	default:
		h.writeValidationError(w, r, "status must be one of pending, synced, failed")
		return
	}

	limit, err := parseLimit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	filter.Limit = limit

	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err := strconv.Atoi(raw)
		if err != nil || offset < 0 {
			h.writeValidationError(w, r, "offset must be a non-negative integer")
			return
		}
		filter.Offset = offset
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	events, err := h.sync.ListEvents(ctx, filter)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// TriggerSync handles POST /v1/sync/trigger requests.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	result, err := h.sync.TriggerSync(ctx)
	if err != nil {
		if stderrors.Is(err, errors.ErrSyncInFlight) {
			h.writeErrorResponse(w, r, http.StatusConflict, ErrorCodeSyncInFlight, err.Error())
			return
		}
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// CleanupSyncedEvents handles POST /v1/sync/cleanup requests.
func (h *Handlers) CleanupSyncedEvents(w http.ResponseWriter, r *http.Request) {
	days := 0
	if raw := r.URL.Query().Get("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeValidationError(w, r, "days must be a positive integer")
			return
		}
		days = n
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	deleted, err := h.sync.CleanupSyncedEvents(ctx, days)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]int64{"deleted": deleted})
}

// RecordEventRequest is the body of POST /v1/events
type RecordEventRequest struct {
	Table           string          `json:"table"`
	Operation       string          `json:"operation"`
	RecordID        string          `json:"record_id"`
	Data            json.RawMessage `json:"data,omitempty"`
	EstablishmentID string          `json:"establishment_id,omitempty"`
}

// RecordEvent handles POST /v1/events requests.
func (h *Handlers) RecordEvent(w http.ResponseWriter, r *http.Request) {
	var req RecordEventRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeValidationError(w, r, "invalid request body: "+err.Error())
		return
	}
	op, err := model.ParseOperation(req.Operation)
	if err != nil {
		h.writeValidationError(w, r, err.Error())
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	var data interface{}
	if len(req.Data) > 0 && string(req.Data) != "null" {
		data = req.Data
	}
	event, err := h.sync.RecordEvent(ctx, req.Table, op, req.RecordID, data, req.EstablishmentID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusCreated, event)
}

// EnqueueOperationRequest is the body of POST /v1/operations
type EnqueueOperationRequest struct {
	Type      string          `json:"type"`
	Resource  string          `json:"resource"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// EnqueueOperation handles POST /v1/operations requests.
func (h *Handlers) EnqueueOperation(w http.ResponseWriter, r *http.Request) {
	var req EnqueueOperationRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeValidationError(w, r, "invalid request body: "+err.Error())
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	op, err := h.cache.EnqueueOperation(ctx, model.OperationType(strings.ToUpper(req.Type)), req.Resource, req.Operation, req.Data)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusAccepted, op)
}

// FlushOperations handles POST /v1/operations/flush requests.
func (h *Handlers) FlushOperations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	result, err := h.cache.FlushBacklog(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, result)
}

// CacheEntryResponse renders a cache entry. JSON values are inlined, other
// values are returned base64 encoded.
type CacheEntryResponse struct {
	Key            string          `json:"key"`
	Value          json.RawMessage `json:"value,omitempty"`
	Raw            []byte          `json:"raw,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Tags           []string        `json:"tags,omitempty"`
	Priority       model.Priority  `json:"priority"`
	AccessCount    int64           `json:"access_count"`
	LastAccessedAt time.Time       `json:"last_accessed_at"`
}

func newCacheEntryResponse(e *model.CacheEntry, withValue bool) CacheEntryResponse {
	resp := CacheEntryResponse{
		Key:            e.Key,
		CreatedAt:      e.CreatedAt,
		ExpiresAt:      e.ExpiresAt,
		Tags:           e.Tags,
		Priority:       e.Priority,
		AccessCount:    e.AccessCount,
		LastAccessedAt: e.LastAccessedAt,
	}
	if withValue {
		if json.Valid(e.Data) {
			resp.Value = json.RawMessage(e.Data)
		} else {
			resp.Raw = e.Data
		}
	}
	return resp
}

// GetCacheEntry handles GET /v1/cache/{key} requests.
func (h *Handlers) GetCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ctx, cancel := h.requestContext(r)
	defer cancel()

	entry, err := h.cache.Lookup(ctx, key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, newCacheEntryResponse(entry, true))
}

// PutCacheEntryRequest is the body of PUT /v1/cache/{key}
type PutCacheEntryRequest struct {
	Value    json.RawMessage `json:"value"`
	TTL      string          `json:"ttl,omitempty"`
	Tags     []string        `json:"tags,omitempty"`
	Priority *model.Priority `json:"priority,omitempty"`
}

// PutCacheEntry handles PUT /v1/cache/{key} requests.
func (h *Handlers) PutCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	var req PutCacheEntryRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeValidationError(w, r, "invalid request body: "+err.Error())
		return
	}
	if len(req.Value) == 0 {
		h.writeValidationError(w, r, "value is required")
		return
	}

	opts := &service.SetOptions{Tags: req.Tags}
	if req.TTL != "" {
		ttl, err := time.ParseDuration(req.TTL)
		if err != nil || ttl <= 0 {
			h.writeValidationError(w, r, "ttl must be a positive duration such as 30m or 24h")
			return
		}
		opts.TTL = ttl
	}
	if req.Priority != nil {
		opts.Priority = *req.Priority
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	if err := h.cache.Set(ctx, key, req.Value, opts); err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]string{"key": key, "status": "stored"})
}

// DeleteCacheEntry handles DELETE /v1/cache/{key} requests.
func (h *Handlers) DeleteCacheEntry(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ctx, cancel := h.requestContext(r)
	defer cancel()

	deleted, err := h.cache.Delete(ctx, key)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if !deleted {
		h.handleError(w, r, errors.NotFound("cache entry", key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ListCache handles GET /v1/cache requests.
func (h *Handlers) ListCache(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	entries, err := h.cache.List(ctx, r.URL.Query().Get("prefix"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]CacheEntryResponse, 0, len(entries))
	for _, e := range entries {
		out = append(out, newCacheEntryResponse(e, false))
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"entries": out,
		"count":   len(out),
	})
}

// GetCacheStats handles GET /v1/cache/stats requests.
func (h *Handlers) GetCacheStats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	stats, err := h.cache.Stats(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, stats)
}

// InvalidateCacheTags handles POST /v1/cache/invalidate requests.
func (h *Handlers) InvalidateCacheTags(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tags []string `json:"tags"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		h.writeValidationError(w, r, "invalid request body: "+err.Error())
		return
	}
	if len(req.Tags) == 0 {
		h.writeValidationError(w, r, "at least one tag is required")
		return
	}

	ctx, cancel := h.requestContext(r)
	defer cancel()

	n, err := h.cache.InvalidateTags(ctx, req.Tags)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]int64{"invalidated": n})
}

// CleanupCache handles POST /v1/cache/cleanup requests.
func (h *Handlers) CleanupCache(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	n, err := h.cache.CleanupExpired(ctx)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]int64{"expired": n})
}

// GetConnectivity handles GET /v1/connectivity requests.
func (h *Handlers) GetConnectivity(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, h.connectivity.Status())
}

// ProbeConnectivity handles POST /v1/connectivity/probe requests.
func (h *Handlers) ProbeConnectivity(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := h.requestContext(r)
	defer cancel()

	h.connectivity.CheckConnectivity(ctx)
	h.writeJSONResponse(w, http.StatusOK, h.connectivity.Status())
}

// ListServices handles GET /v1/services requests.
func (h *Handlers) ListServices(w http.ResponseWriter, r *http.Request) {
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"services": h.services.Report(),
	})
}

// ListPeers handles GET /v1/peers requests.
func (h *Handlers) ListPeers(w http.ResponseWriter, r *http.Request) {
	peers := []model.PeerStatus{}
	if h.peers != nil {
		peers = h.peers.Peers()
	}
	h.writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"peers": peers,
		"count": len(peers),
	})
}
