package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"

	"github.com/devrev/edgesync/internal/metrics"
	"github.com/devrev/edgesync/internal/model"
)

// PresenceSource supplies the state this node advertises to its peers
type PresenceSource func(ctx context.Context) (online bool, pending int64)

// GossipService shares presence between edge nodes of one establishment
type GossipService struct {
	config     *GossipConfig
	memberlist *memberlist.Memberlist
	source     PresenceSource
	metrics    *metrics.Metrics
	logger     *zap.Logger

	mu    sync.RWMutex
	local model.PeerStatus

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	NodeID          string
	EstablishmentID string
	BindAddr        string
	BindPort        int
	SeedNodes       []string
	UpdateInterval  time.Duration
}

// NewGossipService creates a gossip service. Nothing is bound until Initialize.
func NewGossipService(cfg *GossipConfig, source PresenceSource, m *metrics.Metrics, logger *zap.Logger) *GossipService {
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = 15 * time.Second
	}
	return &GossipService{
		config:  cfg,
		source:  source,
		metrics: m,
		logger:  logger,
		local: model.PeerStatus{
			NodeID:          cfg.NodeID,
			EstablishmentID: cfg.EstablishmentID,
			Online:          true,
			UpdatedAt:       time.Now().UTC(),
		},
		stopCh: make(chan struct{}),
	}
}

// Name implements lifecycle.Service
func (s *GossipService) Name() string {
	return "gossip"
}

// Initialize binds memberlist and joins the seed nodes
func (s *GossipService) Initialize(ctx context.Context) error {
	s.refresh(ctx)

	mlConfig := memberlist.DefaultLANConfig()
	mlConfig.Name = s.config.NodeID
	if s.config.BindAddr != "" {
		mlConfig.BindAddr = s.config.BindAddr
	}
	mlConfig.BindPort = s.config.BindPort
	mlConfig.AdvertisePort = s.config.BindPort
	mlConfig.Delegate = s
	mlConfig.Events = &GossipEventDelegate{service: s}
	mlConfig.Logger = zap.NewStdLog(s.logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}
	s.memberlist = ml

	if len(s.config.SeedNodes) > 0 {
		joined, err := ml.Join(s.config.SeedNodes)
		if err != nil {
			s.logger.Warn("Failed to join some seed nodes",
				zap.Strings("seed_nodes", s.config.SeedNodes),
				zap.Error(err))
		} else {
			s.logger.Info("Joined gossip cluster", zap.Int("contacted", joined))
		}
	}

	s.wg.Add(1)
	go s.updateLoop()
	return nil
}

// Shutdown leaves the cluster and stops the update loop
func (s *GossipService) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()

	if s.memberlist == nil {
		return nil
	}
	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	if err := s.memberlist.Leave(timeout); err != nil {
		s.logger.Warn("Failed to leave gossip cluster", zap.Error(err))
	}
	return s.memberlist.Shutdown()
}

// HealthCheck implements lifecycle.Service
func (s *GossipService) HealthCheck(ctx context.Context) error {
	if s.memberlist == nil {
		return fmt.Errorf("gossip not started")
	}
	return nil
}

// Peers returns the advertised status of every live member, this node included
func (s *GossipService) Peers() []model.PeerStatus {
	if s.memberlist == nil {
		return nil
	}
	members := s.memberlist.Members()
	peers := make([]model.PeerStatus, 0, len(members))
	for _, node := range members {
		var st model.PeerStatus
		if err := json.Unmarshal(node.Meta, &st); err != nil {
			st = model.PeerStatus{NodeID: node.Name}
		}
		st.Address = node.Address()
		peers = append(peers, st)
	}
	s.metrics.UpdateGossipMembers(len(peers))
	return peers
}

func (s *GossipService) refresh(ctx context.Context) {
	online, pending := true, int64(0)
	if s.source != nil {
		online, pending = s.source(ctx)
	}
	s.mu.Lock()
	s.local.Online = online
	s.local.PendingEvents = pending
	s.local.UpdatedAt = time.Now().UTC()
	s.mu.Unlock()
}

func (s *GossipService) updateLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.UpdateInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.UpdateInterval)
			s.refresh(ctx)
			cancel()
			if err := s.memberlist.UpdateNode(s.config.UpdateInterval); err != nil {
				s.logger.Warn("Failed to advertise node update", zap.Error(err))
			}
		}
	}
}

// NodeMeta implements memberlist.Delegate
func (s *GossipService) NodeMeta(limit int) []byte {
	s.mu.RLock()
	data, err := json.Marshal(s.local)
	s.mu.RUnlock()
	if err != nil || len(data) > limit {
		s.logger.Warn("Node metadata does not fit gossip limit", zap.Int("size", len(data)), zap.Int("limit", limit))
		return nil
	}
	return data
}

// NotifyMsg implements memberlist.Delegate
func (s *GossipService) NotifyMsg(data []byte) {}

// GetBroadcasts implements memberlist.Delegate
func (s *GossipService) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

// LocalState implements memberlist.Delegate
func (s *GossipService) LocalState(join bool) []byte {
	return nil
}

// MergeRemoteState implements memberlist.Delegate
func (s *GossipService) MergeRemoteState(buf []byte, join bool) {}

// GossipEventDelegate handles memberlist events
type GossipEventDelegate struct {
	service *GossipService
}

// NotifyJoin is called when a node joins
func (d *GossipEventDelegate) NotifyJoin(node *memberlist.Node) {
	d.service.logger.Info("Peer joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Address()))
}

// NotifyLeave is called when a node leaves
func (d *GossipEventDelegate) NotifyLeave(node *memberlist.Node) {
	d.service.logger.Info("Peer left",
		zap.String("node_id", node.Name))
}

// NotifyUpdate is called when a node is updated
func (d *GossipEventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.service.logger.Debug("Peer updated",
		zap.String("node_id", node.Name))
}
