package main

import (
	"context"
	"time"

	"github.com/quitflow/coachplane/coach_plane/coordination"
	"github.com/quitflow/coachplane/coach_plane/registry"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/trigger"
)

// outboxProbeLimit caps the backlog count shown on the dashboard.
const outboxProbeLimit = 500

// DashboardSnapshot is the operator dashboard state.
type DashboardSnapshot struct {
	Users         int            `json:"users"`
	PhaseCounts   map[string]int `json:"phase_counts"`
	QueueDepth    int            `json:"queue_depth"`
	BreakerState  string         `json:"breaker_state"`
	IsLeader      bool           `json:"is_leader"`
	NodeID        string         `json:"node_id"`
	LeaderChanges int64          `json:"leader_changes"`
	OutboxBacklog int            `json:"outbox_backlog"`
	StreamClients int            `json:"stream_clients"`
	Timestamp     int64          `json:"timestamp"`
}

// DashboardService aggregates the snapshot from the live registry, the queue,
// the breaker and the elector. It decouples the API and the stream hub from
// the individual components.
type DashboardService struct {
	store    store.Store
	registry *registry.Registry
	queue    taskqueue.Queue
	breaker  *trigger.CircuitBreaker
	elector  coordination.Elector
}

func NewDashboardService(s store.Store, reg *registry.Registry, q taskqueue.Queue, breaker *trigger.CircuitBreaker, elector coordination.Elector) *DashboardService {
	return &DashboardService{
		store:    s,
		registry: reg,
		queue:    q,
		breaker:  breaker,
		elector:  elector,
	}
}

// Snapshot collects the current dashboard state. StreamClients is filled by
// the caller that knows the hub.
func (s *DashboardService) Snapshot(ctx context.Context) (DashboardSnapshot, error) {
	counts := s.registry.PhaseCounts()
	phases := make(map[string]int, len(counts))
	users := 0
	for tag, n := range counts {
		phases[string(tag)] = n
		users += n
	}

	depth, err := s.queue.Depth(ctx)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	pending, err := s.store.PendingOutbox(ctx, time.Now(), outboxProbeLimit)
	if err != nil {
		return DashboardSnapshot{}, err
	}

	leader := s.elector.State()

	return DashboardSnapshot{
		Users:         users,
		PhaseCounts:   phases,
		QueueDepth:    depth,
		BreakerState:  s.breaker.GetState().String(),
		IsLeader:      leader.IsLeader,
		NodeID:        leader.NodeID,
		LeaderChanges: leader.Transitions,
		OutboxBacklog: len(pending),
		Timestamp:     time.Now().Unix(),
	}, nil
}
