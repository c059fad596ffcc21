package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/quitflow/coachplane/coach_plane/calendar"
	"github.com/quitflow/coachplane/coach_plane/config"
	"github.com/quitflow/coachplane/coach_plane/coordination"
	"github.com/quitflow/coachplane/coach_plane/idempotency"
	"github.com/quitflow/coachplane/coach_plane/incident"
	"github.com/quitflow/coachplane/coach_plane/observability"
	"github.com/quitflow/coachplane/coach_plane/outbox"
	"github.com/quitflow/coachplane/coach_plane/registry"
	"github.com/quitflow/coachplane/coach_plane/statemachine"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/streaming"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/timeline"
	"github.com/quitflow/coachplane/coach_plane/trigger"
)

const (
	shutdownTimeout   = 10 * time.Second
	leaseTTL          = 30 * time.Second
	visibilityTimeout = 2 * time.Minute
	janitorInterval   = time.Minute
	breakerThreshold  = 5
	breakerCooldown   = 30 * time.Second

	// testUserQuitOffset places the auto-enrolled user's quit date far
	// enough out that every phase before execution has room to run.
	testUserQuitOffset = 28
)

// App wires the configured backends into a running service.
type App struct {
	cfg    *config.Config
	log    *zap.Logger
	nodeID string

	store     store.Store
	queue     taskqueue.Queue
	cal       *calendar.Calendar
	timeline  *timeline.Store
	incidents *incident.Log

	registry   *registry.Registry
	dispatcher *Dispatcher
	worker     *taskqueue.Worker
	janitor    *taskqueue.Janitor
	reconciler *outbox.Reconciler

	elector   coordination.Elector
	publisher streaming.Publisher
	hub       *EventHub

	server *http.Server
}

// NewApp builds every component from the configuration. Nothing runs yet;
// Run starts the loops and blocks until the context is cancelled.
func NewApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	a := &App{cfg: cfg, log: log, nodeID: nodeID()}

	cal, err := calendar.NewSystem(cfg.Timezone, calendar.Hours{
		Morning:   cfg.Dayparts.Morning,
		Afternoon: cfg.Dayparts.Afternoon,
		Evening:   cfg.Dayparts.Evening,
	})
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}
	a.cal = cal

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	if err := a.store.SeedComponents(ctx, store.Catalog()); err != nil {
		return nil, fmt.Errorf("seed component catalog: %w", err)
	}

	if err := a.openQueue(); err != nil {
		return nil, err
	}

	a.timeline = timeline.NewStore()
	a.incidents = incident.NewLog()
	a.hub = NewEventHub(log)

	publisher, err := a.openPublisher()
	if err != nil {
		return nil, err
	}
	a.publisher = streaming.NewFanout(publisher, a.hub)

	a.registry = registry.New(statemachine.Deps{
		Store:    a.store,
		Queue:    a.queue,
		Calendar: a.cal,
		Log:      log,
		Timeline: a.timeline,
	}, a.publisher, log)

	tickHour, tickMinute, err := cfg.DailyTickTime()
	if err != nil {
		return nil, err
	}

	sink := trigger.NewHTTPSink(
		cfg.Frontend.BaseURL,
		cfg.Frontend.OutputChannel,
		cfg.Frontend.Timeout.Std(),
		log,
	)
	limiter := trigger.NewUserLimiter(cfg.Frontend.RatePerUser, cfg.Frontend.RateBurst)
	breaker := trigger.NewCircuitBreaker(breakerThreshold, breakerCooldown)

	a.dispatcher = NewDispatcher(DispatcherDeps{
		Registry:  a.registry,
		Queue:     a.queue,
		Sink:      sink,
		Limiter:   limiter,
		Breaker:   breaker,
		Seen:      idempotency.NewFingerprints(0),
		Calendar:  a.cal,
		Timeline:  a.timeline,
		Publisher: a.publisher,
		Log:       log,
	}, tickHour, tickMinute)

	a.worker = taskqueue.NewWorker(a.queue, a.dispatcher, taskqueue.WorkerConfig{
		PollInterval: cfg.Queue.PollInterval.Std(),
		MaxAttempts:  cfg.Queue.MaxAttempts,
		RetryBackoff: cfg.Queue.RetryBackoff.Std(),
	}, log)
	a.worker.OnExhausted = a.captureExhausted

	a.janitor = taskqueue.NewJanitor(a.queue, janitorInterval, log)
	a.reconciler = outbox.NewReconciler(a.store, a.queue, a.timeline, log)

	if err := a.openElector(); err != nil {
		return nil, err
	}

	dashboard := NewDashboardService(a.store, a.registry, a.queue, breaker, a.elector)
	a.hub.SetDashboard(dashboard)

	api := NewAPI(APIDeps{
		Store:     a.store,
		Registry:  a.registry,
		Queue:     a.queue,
		Timeline:  a.timeline,
		Incidents: a.incidents,
		Dashboard: dashboard,
		Hub:       a.hub,
		Idem:      idempotency.NewStore(),
		Calendar:  a.cal,
		Log:       log,
	})
	a.server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.cfg.Store.Backend {
	case "postgres":
		pg, err := store.NewPostgresStore(ctx, a.cfg.Store.PostgresURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		a.store = pg
		a.log.Info("using postgres store")
	default:
		a.store = store.NewMemoryStore()
		a.log.Info("using in-memory store")
	}
	return nil
}

func (a *App) openQueue() error {
	switch a.cfg.Queue.Backend {
	case "redis":
		q, err := taskqueue.NewRedisQueue(
			a.cfg.Queue.RedisAddr,
			a.cfg.Queue.RedisPassword,
			a.cfg.Queue.RedisDB,
			visibilityTimeout,
		)
		if err != nil {
			return fmt.Errorf("connect redis queue: %w", err)
		}
		a.queue = q
		a.log.Info("using redis task queue", zap.String("addr", a.cfg.Queue.RedisAddr))
	default:
		a.queue = taskqueue.NewMemoryQueue(visibilityTimeout)
		a.log.Info("using in-memory task queue")
	}
	return nil
}

func (a *App) openPublisher() (streaming.Publisher, error) {
	if a.cfg.NATSURL == "" {
		return streaming.NewLogPublisher(a.log), nil
	}
	pub, err := streaming.NewNATSPublisher(a.cfg.NATSURL, a.nodeID, a.log)
	if err != nil {
		return nil, fmt.Errorf("connect NATS: %w", err)
	}
	a.log.Info("publishing events to NATS", zap.String("url", a.cfg.NATSURL))
	return pub, nil
}

// openElector picks the coordination backend. With the redis queue the
// scheduling role is leased through Redis so replicas can fail over; the
// memory queue binds work to this process, so a static elector suffices.
func (a *App) openElector() error {
	if a.cfg.Queue.Backend != "redis" {
		a.elector = coordination.NewStaticElector(a.nodeID)
		return nil
	}
	coord, err := coordination.NewRedisCoordinator(
		a.cfg.Queue.RedisAddr,
		a.cfg.Queue.RedisPassword,
		a.cfg.Queue.RedisDB,
	)
	if err != nil {
		return fmt.Errorf("connect redis coordinator: %w", err)
	}
	a.elector = coordination.NewLeaderElector(coord, a.nodeID, leaseTTL, a.log)
	return nil
}

// Run starts the background loops and the HTTP server and blocks until the
// context is cancelled or the server fails.
func (a *App) Run(ctx context.Context) error {
	n, err := a.registry.Rehydrate(ctx)
	if err != nil {
		return fmt.Errorf("rehydrate controllers: %w", err)
	}
	a.log.Info("controllers rehydrated", zap.Int("count", n))

	a.elector.SetCallbacks(a.onElected, a.onLost)
	a.elector.Start(ctx)

	if a.cfg.TestUserID > 0 {
		a.enrollTestUser(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(gctx)
		return nil
	})

	g.Go(func() error {
		a.log.Info("listening", zap.String("addr", a.cfg.ListenAddr), zap.String("node_id", a.nodeID))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})

	err = g.Wait()

	a.elector.Stop()
	a.worker.Stop()
	if cerr := a.publisher.Close(); cerr != nil {
		a.log.Warn("publisher close failed", zap.Error(cerr))
	}
	if cerr := a.queue.Close(); cerr != nil {
		a.log.Warn("queue close failed", zap.Error(cerr))
	}
	a.store.Close()
	a.log.Info("shutdown complete")
	return err
}

// onElected starts the scheduling role: the daily tick is ensured, then the
// worker drains the queue, the janitor reclaims expired claims, and the
// reconciler replays undispatched outbox entries. All three stop when the
// leader context is cancelled.
func (a *App) onElected(ctx context.Context) {
	a.log.Info("assumed scheduling role", zap.String("node_id", a.nodeID))

	eta := a.dispatcher.NextTick(a.cal.Now())
	created, err := a.queue.EnsureNewDay(ctx, eta)
	if err != nil {
		a.log.Warn("daily tick ensure failed", zap.Error(err))
	} else if created {
		observability.TasksScheduled.WithLabelValues("new_day").Inc()
		a.log.Info("daily tick scheduled", zap.Time("eta", eta))
	}

	a.worker.Start(ctx)
	a.janitor.Start(ctx)
	a.reconciler.Start(ctx)
}

func (a *App) onLost() {
	a.log.Warn("lost scheduling role, stopping worker")
	a.worker.Stop()
}

// captureExhausted snapshots the user's controller context when a delivery
// burned its last attempt, so support can see what the user should have
// received.
func (a *App) captureExhausted(task *taskqueue.Task) {
	if task.Kind != taskqueue.KindDeliver {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	reason := fmt.Sprintf("delivery exhausted after %d attempts: %s", task.Attempts, task.Trigger)
	report, err := incident.Capture(ctx, a.store, a.timeline, a.queue, task.UserID, reason)
	if err != nil || report == nil {
		a.log.Warn("exhausted delivery capture failed",
			zap.String("task_id", task.ID),
			zap.Int64("user_id", task.UserID),
			zap.Error(err))
		return
	}
	a.incidents.Add(report)
	a.log.Error("delivery abandoned",
		zap.Int64("user_id", task.UserID),
		zap.String("trigger", task.Trigger),
		zap.String("report_id", report.ID))
}

// enrollTestUser creates the configured smoke-test user on boot. Existing
// users are left untouched so restarts do not reset their program.
func (a *App) enrollTestUser(ctx context.Context) {
	id := a.cfg.TestUserID
	existing, err := a.store.GetUser(ctx, id)
	if err != nil {
		a.log.Warn("test user lookup failed", zap.Int64("user_id", id), zap.Error(err))
		return
	}
	if existing != nil {
		return
	}

	today := a.cal.Today()
	user := &store.User{
		ID:         id,
		StartDate:  today,
		QuitDate:   today.AddDate(0, 0, testUserQuitOffset),
		PAGroup:    1,
		EnrolledAt: a.cal.Now(),
	}
	prefs := &store.Preferences{UserID: id, Daypart: "morning"}

	if err := a.registry.Enroll(ctx, user, prefs); err != nil {
		a.log.Warn("test user enroll failed", zap.Int64("user_id", id), zap.Error(err))
		return
	}
	if _, err := a.registry.Start(ctx, id); err != nil {
		a.log.Warn("test user start failed", zap.Int64("user_id", id), zap.Error(err))
		return
	}
	a.log.Info("test user enrolled",
		zap.Int64("user_id", id),
		zap.Time("quit_date", user.QuitDate))
}

func nodeID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "coachplane"
	}
	return fmt.Sprintf("%s-%d", hostname, os.Getpid())
}
