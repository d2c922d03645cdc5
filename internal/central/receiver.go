// Package central is a reference implementation of the central system's
// sync endpoint. It validates secure packages from edge nodes, drops
// retransmitted events and acknowledges what it applied.
package central

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/client"
	"github.com/devrev/edgesync/internal/envelope"
	"github.com/devrev/edgesync/internal/errors"
	"github.com/devrev/edgesync/internal/metrics"
	"github.com/devrev/edgesync/internal/middleware"
	"github.com/devrev/edgesync/internal/model"
)

const (
	maxPackageBytes = 32 << 20

	ConflictDuplicate        = "duplicate"
	ResolutionAlreadyApplied = "already_applied"
)

// ApplyFunc applies one validated event to central storage. An event whose
// apply fails is not acknowledged, so the edge sends it again.
type ApplyFunc func(ctx context.Context, event *model.SyncEvent) error

// Receiver handles the central sync contract
type Receiver struct {
	protocol *envelope.Protocol
	store    IdempotencyStore
	apply    ApplyFunc
	apiKey   string
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewReceiver creates a receiver. A nil apply only logs each event.
func NewReceiver(protocol *envelope.Protocol, store IdempotencyStore, apply ApplyFunc, apiKey string, m *metrics.Metrics, logger *zap.Logger) *Receiver {
	r := &Receiver{
		protocol: protocol,
		store:    store,
		apply:    apply,
		apiKey:   apiKey,
		metrics:  m,
		logger:   logger,
	}
	if r.apply == nil {
		r.apply = r.logEvent
	}
	return r
}

// Router returns the receiver's routes
func (r *Receiver) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(middleware.Recovery(r.logger), middleware.RequestID, middleware.Logging(r.logger))
	router.HandleFunc(client.HealthPath, r.handleHealth).Methods(http.MethodGet)
	router.HandleFunc(client.SyncEventsPath, r.handleSyncEvents).Methods(http.MethodPost)
	return router
}

func (r *Receiver) handleHealth(w http.ResponseWriter, req *http.Request) {
	if err := r.store.Ping(req.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (r *Receiver) handleSyncEvents(w http.ResponseWriter, req *http.Request) {
	start := time.Now()
	status := http.StatusOK
	defer func() {
		r.metrics.RecordHTTPRequest(req.Method, client.SyncEventsPath, fmt.Sprintf("%d", status), time.Since(start).Seconds())
	}()

	if r.apiKey != "" && subtle.ConstantTimeCompare([]byte(req.Header.Get(client.HeaderAPIKey)), []byte(r.apiKey)) != 1 {
		status = http.StatusUnauthorized
		writeJSON(w, status, &model.SyncResponse{Success: false, Error: "invalid api key"})
		return
	}

	sender := req.Header.Get(client.HeaderEstablishmentID)
	if sender == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, &model.SyncResponse{Success: false, Error: client.HeaderEstablishmentID + " header is required"})
		return
	}

	var pkg model.SecureSyncPackage
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxPackageBytes)).Decode(&pkg); err != nil {
		status = http.StatusBadRequest
		r.metrics.RecordEnvelopeRejection("malformed_package")
		writeJSON(w, status, &model.SyncResponse{Success: false, Error: "malformed_package"})
		return
	}

	result := r.protocol.ValidateAndProcessSyncPackage(&pkg, sender)
	if !result.IsValid {
		status = http.StatusBadRequest
		var syncErr *errors.SyncError
		if stderrors.As(result.Error, &syncErr) {
			status = syncErr.HTTPStatus()
		}
		r.metrics.RecordEnvelopeRejection(result.Reason)
		r.logger.Warn("Rejected sync package",
			zap.String("establishment_id", sender),
			zap.String("reason", result.Reason),
			zap.Error(result.Error))
		writeJSON(w, status, &model.SyncResponse{Success: false, Error: result.Reason})
		return
	}

	resp := r.ingest(req.Context(), sender, result.Payload.Events)
	r.logger.Info("Accepted sync package",
		zap.String("establishment_id", sender),
		zap.Int("events", len(result.Payload.Events)),
		zap.Int("acknowledged", len(resp.SyncedEvents)),
		zap.Int("conflicts", len(resp.Conflicts)))
	writeJSON(w, status, resp)
}

// ingest applies each event once. Duplicates are acknowledged and reported
// as conflicts so the edge stops resending them.
func (r *Receiver) ingest(ctx context.Context, establishmentID string, events []*model.SyncEvent) *model.SyncResponse {
	resp := &model.SyncResponse{Success: true, SyncedEvents: []string{}}

	for _, event := range events {
		if event == nil || event.ID == "" {
			continue
		}

		seen, err := r.store.Seen(ctx, establishmentID, event.ID)
		if err != nil {
			r.logger.Error("Idempotency lookup failed",
				zap.String("event_id", event.ID),
				zap.Error(err))
			continue
		}
		if seen {
			resp.SyncedEvents = append(resp.SyncedEvents, event.ID)
			resp.Conflicts = append(resp.Conflicts, model.Conflict{
				EventID:      event.ID,
				ConflictType: ConflictDuplicate,
				Resolution:   ResolutionAlreadyApplied,
			})
			continue
		}

		if err := r.apply(ctx, event); err != nil {
			r.logger.Error("Failed to apply event",
				zap.String("event_id", event.ID),
				zap.String("table", event.TableName),
				zap.Error(err))
			continue
		}
		if err := r.store.MarkApplied(ctx, establishmentID, event.ID); err != nil {
			r.logger.Error("Failed to record applied event",
				zap.String("event_id", event.ID),
				zap.Error(err))
			continue
		}
		resp.SyncedEvents = append(resp.SyncedEvents, event.ID)
	}
	return resp
}

func (r *Receiver) logEvent(ctx context.Context, event *model.SyncEvent) error {
	r.logger.Debug("Applied event",
		zap.String("event_id", event.ID),
		zap.String("table", event.TableName),
		zap.String("operation", string(event.Operation)),
		zap.String("record_id", event.RecordID))
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Server runs the receiver as a lifecycle service
type Server struct {
	addr       string
	receiver   *Receiver
	store      IdempotencyStore
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates the receiver HTTP server for addr
func NewServer(addr string, receiver *Receiver, logger *zap.Logger) *Server {
	return &Server{
		addr:     addr,
		receiver: receiver,
		store:    receiver.store,
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      receiver.Router(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		logger: logger,
	}
}

// Name implements lifecycle.Service
func (s *Server) Name() string {
	return "central-receiver"
}

// Initialize binds the listener and serves in the background
func (s *Server) Initialize(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}

	s.logger.Info("Central receiver listening", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Central receiver error", zap.Error(err))
		}
	}()
	return nil
}

// Shutdown stops accepting requests and closes the idempotency store
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return err
	}
	return s.store.Close()
}

// HealthCheck pings the idempotency store
func (s *Server) HealthCheck(ctx context.Context) error {
	return s.store.Ping(ctx)
}
