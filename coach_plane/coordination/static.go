package coordination

import (
	"context"
	"sync"

	"github.com/quitflow/coachplane/coach_plane/observability"
)

// StaticElector grants leadership unconditionally. It backs single-node
// deployments, where no shared lease store exists and this replica always
// runs the scheduling roles.
type StaticElector struct {
	nodeID string

	mu          sync.Mutex
	onElected   func(context.Context)
	onLost      func()
	cancel      context.CancelFunc
	leading     bool
	transitions int64
}

func NewStaticElector(nodeID string) *StaticElector {
	return &StaticElector{nodeID: nodeID}
}

func (s *StaticElector) SetCallbacks(onElected func(context.Context), onLost func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onElected = onElected
	s.onLost = onLost
}

func (s *StaticElector) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.leading {
		return
	}
	s.leading = true
	s.transitions++

	leaderCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	observability.LeaderStatus.Set(1)
	observability.LeaderTransitions.WithLabelValues("acquired").Inc()

	if s.onElected != nil {
		go s.onElected(leaderCtx)
	}
}

func (s *StaticElector) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.leading {
		return
	}
	s.leading = false
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	observability.LeaderStatus.Set(0)
}

func (s *StaticElector) IsLeader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leading
}

func (s *StaticElector) State() LeaderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return LeaderState{IsLeader: s.leading, NodeID: s.nodeID, Transitions: s.transitions}
}
