package coordination

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/observability"
)

const (
	leaderKey        = "coach:lock:leader"
	maxRenewFailures = 3
	releaseTimeout   = 2 * time.Second
)

// Elector decides whether this replica runs the scheduling roles. onElected
// receives a context that is cancelled when leadership is lost.
type Elector interface {
	SetCallbacks(onElected func(context.Context), onLost func())
	Start(ctx context.Context)
	Stop()
	IsLeader() bool
	State() LeaderState
}

// LeaderState is the elector snapshot shown on the dashboard.
type LeaderState struct {
	IsLeader    bool   `json:"is_leader"`
	NodeID      string `json:"node_id"`
	Transitions int64  `json:"transitions"`
}

// LeaderElector campaigns for a shared lease and holds it by renewing at a
// third of the TTL. The lease value is unique per campaign so a renew after
// takeover cannot extend another node's lease. Repeated renew errors make the
// node step down rather than run blind past its TTL.
type LeaderElector struct {
	coordinator Coordinator
	nodeID      string
	ttl         time.Duration
	log         *zap.Logger

	mu           sync.RWMutex
	isLeader     bool
	leaseValue   string
	transitions  int64
	leaderCancel context.CancelFunc

	onElected func(context.Context)
	onLost    func()

	cancel context.CancelFunc
}

func NewLeaderElector(c Coordinator, nodeID string, ttl time.Duration, log *zap.Logger) *LeaderElector {
	return &LeaderElector{
		coordinator: c,
		nodeID:      nodeID,
		ttl:         ttl,
		log:         log.Named("elector"),
	}
}

func (l *LeaderElector) SetCallbacks(onElected func(context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

func (l *LeaderElector) Start(ctx context.Context) {
	runCtx, cancel := context.WithCancel(ctx)
	l.mu.Lock()
	l.cancel = cancel
	l.mu.Unlock()
	go l.loop(runCtx)
}

func (l *LeaderElector) Stop() {
	l.mu.RLock()
	cancel := l.cancel
	l.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) State() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:    l.isLeader,
		NodeID:      l.nodeID,
		Transitions: l.transitions,
	}
}

func (l *LeaderElector) loop(ctx context.Context) {
	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := minInterval
	renewFailures := 0

	// Campaign immediately so a single replica picks up the roles at boot.
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				switch {
				case err != nil:
					renewFailures++
					l.log.Warn("lease renew failed",
						zap.Int("failures", renewFailures),
						zap.Error(err))
					if renewFailures >= maxRenewFailures {
						l.log.Warn("stepping down after repeated renew failures")
						l.stepDown()
						renewFailures = 0
					}
				case !renewed:
					renewFailures = 0
					l.stepDown()
				default:
					renewFailures = 0
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			if err != nil {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
			} else {
				interval = minInterval
			}
			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	value := l.nodeID + "/" + uuid.NewString()
	acquired, err := l.coordinator.AcquireLease(ctx, leaderKey, value, l.ttl)
	if err != nil {
		return false, err
	}
	if acquired {
		l.mu.Lock()
		l.leaseValue = value
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	value := l.leaseValue
	l.mu.RUnlock()
	if value == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, leaderKey, value, l.ttl)
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	l.transitions++
	leaderCtx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.mu.Unlock()

	observability.LeaderStatus.Set(1)
	observability.LeaderTransitions.WithLabelValues("acquired").Inc()
	l.log.Info("acquired leadership", zap.String("node", l.nodeID))

	if l.onElected != nil {
		go l.onElected(leaderCtx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.leaseValue = ""
	if l.leaderCancel != nil {
		l.leaderCancel()
		l.leaderCancel = nil
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeaderTransitions.WithLabelValues("lost").Inc()
	l.log.Warn("lost leadership", zap.String("node", l.nodeID))

	if l.onLost != nil {
		l.onLost()
	}
}

// shutdown releases the lease on graceful stop. The roles stop through the
// leader context; onLost is not invoked because the process is exiting.
func (l *LeaderElector) shutdown() {
	l.mu.Lock()
	wasLeader := l.isLeader
	value := l.leaseValue
	l.isLeader = false
	l.leaseValue = ""
	if l.leaderCancel != nil {
		l.leaderCancel()
		l.leaderCancel = nil
	}
	l.mu.Unlock()

	if !wasLeader {
		return
	}
	observability.LeaderStatus.Set(0)

	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := l.coordinator.ReleaseLease(ctx, leaderKey, value); err != nil {
		l.log.Warn("lease release failed", zap.Error(err))
	}
}
