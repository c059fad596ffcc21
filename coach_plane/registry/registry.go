// Package registry owns the live per-user controllers. Every inbound event
// for a user passes through the user's runner, which serializes handling, and
// transitions are persisted before the in-memory state swaps so a crash
// between the two replays at the new phase.
package registry

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/observability"
	"github.com/quitflow/coachplane/coach_plane/statemachine"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/streaming"
	"github.com/quitflow/coachplane/coach_plane/timeline"
)

const (
	// publishTimeout bounds the best-effort transition publish.
	publishTimeout = 2 * time.Second
	// broadcastConcurrency bounds the daily-tick fan-out.
	broadcastConcurrency = 8
)

// runner serializes all event handling for one user.
type runner struct {
	mu    sync.Mutex
	state statemachine.PhaseState
}

// Registry maps user ids to their controllers.
type Registry struct {
	deps      statemachine.Deps
	publisher streaming.Publisher
	log       *zap.Logger

	mu      sync.Mutex
	runners map[int64]*runner
}

// New builds an empty registry. publisher may be nil.
func New(deps statemachine.Deps, publisher streaming.Publisher, log *zap.Logger) *Registry {
	return &Registry{
		deps:      deps,
		publisher: publisher,
		log:       log,
		runners:   make(map[int64]*runner),
	}
}

// Enroll persists a new user and registers a controller at onboarding. The
// onboarding entry hook does not run until Start.
func (r *Registry) Enroll(ctx context.Context, user *store.User, prefs *store.Preferences) error {
	const op = "registry.enroll"

	if err := r.deps.Store.CreateUser(ctx, user, prefs); err != nil {
		return faults.E(faults.PersistenceFailure, op, err)
	}
	s, err := statemachine.New(store.TagOnboarding, user.ID, r.deps)
	if err != nil {
		return err
	}
	r.register(user.ID, s)
	r.log.Info("user enrolled",
		zap.Int64("user_id", user.ID),
		zap.Time("start_date", user.StartDate),
		zap.Time("quit_date", user.QuitDate))
	return nil
}

// Start runs the entry hook of the user's current phase. For a fresh
// enrollment that is onboarding, which plans the introduction dialog.
func (r *Registry) Start(ctx context.Context, userID int64) (store.PhaseTag, error) {
	run, err := r.runner(ctx, userID)
	if err != nil {
		return "", err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	tr, err := run.state.Run(ctx)
	if err != nil {
		return run.state.Tag(), err
	}
	return r.advance(ctx, userID, run, tr)
}

// Dispatch applies one event to the user's controller. Handling is
// synchronous: when Dispatch returns, every follow-up plan and transition
// has been persisted. The returned tag is the phase after handling.
func (r *Registry) Dispatch(ctx context.Context, userID int64, ev statemachine.Event) (store.PhaseTag, error) {
	run, err := r.runner(ctx, userID)
	if err != nil {
		observability.EventFailures.WithLabelValues(string(ev.Kind), faults.KindOf(err).String()).Inc()
		return "", err
	}
	run.mu.Lock()
	defer run.mu.Unlock()

	observability.EventsTotal.WithLabelValues(string(ev.Kind)).Inc()
	tr, err := statemachine.Apply(ctx, run.state, ev)
	if err != nil {
		observability.EventFailures.WithLabelValues(string(ev.Kind), faults.KindOf(err).String()).Inc()
		return run.state.Tag(), err
	}
	tag, err := r.advance(ctx, userID, run, tr)
	if err != nil {
		observability.EventFailures.WithLabelValues(string(ev.Kind), faults.KindOf(err).String()).Inc()
	}
	return tag, err
}

// advance walks the transition chain: persist the new phase, swap the state,
// run its entry hook, repeat while the hook moves again. Caller holds run.mu.
func (r *Registry) advance(ctx context.Context, userID int64, run *runner, tr statemachine.Transition) (store.PhaseTag, error) {
	const op = "registry.advance"

	for tr.Moved() {
		from := run.state.Tag()
		to := tr.Target()

		if err := r.deps.Store.SetPhaseState(ctx, userID, to); err != nil {
			return from, faults.E(faults.PersistenceFailure, op, err)
		}
		next, err := statemachine.New(to, userID, r.deps)
		if err != nil {
			return from, err
		}
		run.state = next
		r.noteTransition(userID, from, to)

		tr, err = next.Run(ctx)
		if err != nil {
			return to, err
		}
	}
	return run.state.Tag(), nil
}

func (r *Registry) noteTransition(userID int64, from, to store.PhaseTag) {
	observability.Transitions.WithLabelValues(string(from), string(to)).Inc()
	if r.deps.Timeline != nil {
		r.deps.Timeline.Record(userID, timeline.StageTransition, string(from)+" -> "+string(to))
	}
	r.log.Info("phase transition",
		zap.Int64("user_id", userID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	r.publishCounts()

	if r.publisher == nil {
		return
	}
	payload := struct {
		UserID int64     `json:"user_id"`
		From   string    `json:"from"`
		To     string    `json:"to"`
		At     time.Time `json:"at"`
	}{userID, string(from), string(to), time.Now()}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		defer cancel()
		if err := r.publisher.Publish(ctx, streaming.SubjectTransition, payload); err != nil {
			r.log.Warn("transition publish failed",
				zap.Int64("user_id", userID),
				zap.Error(err))
		}
	}()
}

// BroadcastNewDay delivers the day tick to every registered user in id order,
// a bounded number at a time. One user's failure does not stop the rest; the
// count of failed users is returned.
func (r *Registry) BroadcastNewDay(ctx context.Context, today time.Time) (int, error) {
	ids := r.UserIDs()

	var failed atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(broadcastConcurrency)
	for _, id := range ids {
		id := id
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			ev := statemachine.Event{Kind: statemachine.EventNewDay, Today: today}
			if _, err := r.Dispatch(ctx, id, ev); err != nil {
				failed.Add(1)
				r.log.Warn("new day handling failed",
					zap.Int64("user_id", id),
					zap.Error(err))
			}
			return nil
		})
	}
	err := g.Wait()
	r.log.Info("day tick broadcast",
		zap.Time("today", today),
		zap.Int("users", len(ids)),
		zap.Int64("failed", failed.Load()))
	return int(failed.Load()), err
}

// Rehydrate registers a controller for every persisted user at its stored
// phase. Entry hooks do not run; pending work lives in the task queue.
func (r *Registry) Rehydrate(ctx context.Context) (int, error) {
	const op = "registry.rehydrate"

	ids, err := r.deps.Store.ListUserIDs(ctx)
	if err != nil {
		return 0, faults.E(faults.PersistenceFailure, op, err)
	}
	for _, id := range ids {
		ctrl, err := r.deps.Store.ControllerState(ctx, id)
		if err != nil {
			return 0, faults.E(faults.PersistenceFailure, op, err)
		}
		if ctrl == nil {
			r.log.Warn("user without controller state skipped", zap.Int64("user_id", id))
			continue
		}
		s, err := statemachine.New(ctrl.State, id, r.deps)
		if err != nil {
			return 0, err
		}
		r.register(id, s)
	}
	r.publishCounts()
	r.log.Info("controllers rehydrated", zap.Int("users", len(ids)))
	return len(ids), nil
}

// runner returns the user's runner, lazily restoring one from persisted
// controller state after a failover.
func (r *Registry) runner(ctx context.Context, userID int64) (*runner, error) {
	const op = "registry.runner"

	r.mu.Lock()
	run, ok := r.runners[userID]
	r.mu.Unlock()
	if ok {
		return run, nil
	}

	ctrl, err := r.deps.Store.ControllerState(ctx, userID)
	if err != nil {
		return nil, faults.E(faults.PersistenceFailure, op, err)
	}
	if ctrl == nil {
		return nil, faults.Errorf(faults.NotFound, op, "user %d is not registered", userID)
	}
	s, err := statemachine.New(ctrl.State, userID, r.deps)
	if err != nil {
		return nil, err
	}
	return r.register(userID, s), nil
}

// register adds a runner unless one appeared concurrently.
func (r *Registry) register(userID int64, s statemachine.PhaseState) *runner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if run, ok := r.runners[userID]; ok {
		return run
	}
	run := &runner{state: s}
	r.runners[userID] = run
	return run
}

// UserIDs returns the registered user ids in ascending order.
func (r *Registry) UserIDs() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]int64, 0, len(r.runners))
	for id := range r.runners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// PhaseCounts returns the number of registered users per phase.
func (r *Registry) PhaseCounts() map[store.PhaseTag]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := make(map[store.PhaseTag]int)
	for _, run := range r.runners {
		counts[run.state.Tag()]++
	}
	return counts
}

// publishCounts refreshes the per-phase gauge.
func (r *Registry) publishCounts() {
	for tag, n := range r.PhaseCounts() {
		observability.UsersByPhase.WithLabelValues(string(tag)).Set(float64(n))
	}
}
