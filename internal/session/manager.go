package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/browserplane/internal/browser"
	"github.com/shehryarbajwa/browserplane/internal/command"
	"github.com/shehryarbajwa/browserplane/internal/metrics"
	"github.com/shehryarbajwa/browserplane/internal/registry"
	"github.com/shehryarbajwa/browserplane/internal/worker"
	"github.com/shehryarbajwa/browserplane/pkg/models"
)

// releaseTimeout bounds engine teardown, which is never cut short by the
// caller's context.
const releaseTimeout = 30 * time.Second

// Config holds the session limits, fixed at start
type Config struct {
	DefaultTimeout     time.Duration
	MinTimeout         time.Duration
	MaxTimeout         time.Duration
	CommandTimeout     time.Duration
	ProbeTimeout       time.Duration
	ProjectConcurrency int
	FailedRetention    time.Duration
	// LaunchTimeout bounds how long a create waits for a free worker.
	LaunchTimeout time.Duration
}

func (c *Config) setDefaults() {
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = time.Hour
	}
	if c.MinTimeout <= 0 {
		c.MinTimeout = time.Minute
	}
	if c.MaxTimeout <= 0 {
		c.MaxTimeout = 6 * time.Hour
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = 3 * time.Second
	}
	if c.ProjectConcurrency <= 0 {
		c.ProjectConcurrency = 10
	}
	if c.LaunchTimeout <= 0 {
		c.LaunchTimeout = 90 * time.Second
	}
}

// Option customizes a Manager
type Option func(*Manager)

// WithRegistry replaces the registry the manager creates for itself.
func WithRegistry(r *registry.Registry) Option {
	return func(m *Manager) { m.registry = r }
}

// WithExecutor replaces the built-in command executor.
func WithExecutor(x *command.Executor) Option {
	return func(m *Manager) { m.executor = x }
}

// Manager owns every session: its registry entry, its engine handle and its
// timers. All engine work runs on the worker pool.
type Manager struct {
	cfg      Config
	launcher *browser.Launcher
	executor *command.Executor
	pool     *worker.Pool
	registry *registry.Registry
	logger   *zap.Logger

	mu      sync.Mutex
	slots   map[string]*semaphore.Weighted
	held    map[string]string // session id -> project id holding a slot
	timers  map[string]*time.Timer
	minutes map[string]float64
	closing bool
	bg      sync.WaitGroup
}

// NewManager creates a session manager. The manager takes ownership of pool
// and closes it in Shutdown.
func NewManager(cfg Config, launcher *browser.Launcher, pool *worker.Pool, logger *zap.Logger, opts ...Option) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		launcher: launcher,
		executor: command.NewExecutor(),
		pool:     pool,
		registry: registry.New(),
		logger:   logger.Named("session"),
		slots:    make(map[string]*semaphore.Weighted),
		held:     make(map[string]string),
		timers:   make(map[string]*time.Timer),
		minutes:  make(map[string]float64),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create launches an engine and registers an active session for it. It
// returns only after the engine passed its readiness check.
func (m *Manager) Create(ctx context.Context, req models.CreateSessionRequest) (models.Session, error) {
	timeout, err := m.resolveTimeout(req.Timeout)
	if err != nil {
		metrics.SessionsCreated.WithLabelValues(metrics.ResultRejected).Inc()
		return models.Session{}, newError(KindInvalidRequest, "", err)
	}

	if req.ProjectID != "" && !m.acquireSlot(req.ProjectID) {
		metrics.SessionsCreated.WithLabelValues(metrics.ResultRejected).Inc()
		return models.Session{}, newError(KindConcurrencyLimit, "",
			fmt.Errorf("project %s already has %d live sessions", req.ProjectID, m.cfg.ProjectConcurrency))
	}

	id := uuid.NewString()
	backend := m.launcher.Route(req.Backend)
	h := browser.NewHandle()
	now := time.Now()

	entry := registry.Entry{
		ID:        id,
		ProjectID: req.ProjectID,
		State:     models.StateCreating,
		Backend:   backend,
		CreatedAt: now,
		ExpiresAt: now.Add(timeout),
		Timeout:   timeout,
		Handle:    h,
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.releaseProjectSlot(req.ProjectID)
		return models.Session{}, newError(KindShuttingDown, "", ErrShuttingDown)
	}
	if req.ProjectID != "" {
		m.held[id] = req.ProjectID
	}
	err = m.registry.Insert(entry)
	m.mu.Unlock()
	if err != nil {
		m.endSession(entry)
		return models.Session{}, newError(KindLaunchFailure, id, err)
	}
	m.refreshGauges()

	log := m.logger.With(zap.String("session_id", id), zap.String("backend", backend))
	log.Debug("Launching engine", zap.String("project_id", req.ProjectID))

	start := time.Now()
	waitCtx, cancelWait := context.WithTimeout(ctx, m.cfg.LaunchTimeout)
	err = m.run(waitCtx, func(context.Context) error {
		return m.launcher.Launch(ctx, h, browser.LaunchOptions{SessionID: id, Backend: backend})
	})
	cancelWait()
	if err != nil {
		log.Warn("Engine launch failed", zap.Error(err))
		m.failLaunch(entry)
		metrics.SessionsCreated.WithLabelValues(metrics.ResultFailure).Inc()
		return models.Session{}, newError(KindLaunchFailure, id, err)
	}
	metrics.LaunchDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds())

	active, err := m.registry.Transition(id, []models.State{models.StateCreating}, models.StateActive)
	if err != nil {
		// A delete took the session while it was starting and owns teardown.
		metrics.SessionsCreated.WithLabelValues(metrics.ResultFailure).Inc()
		return models.Session{}, newError(KindLaunchFailure, id, fmt.Errorf("session closed during launch: %w", err))
	}
	m.refreshGauges()
	m.schedule(id, timeout, m.expire)

	metrics.SessionsCreated.WithLabelValues(metrics.ResultSuccess).Inc()
	log.Info("Session created",
		zap.String("project_id", req.ProjectID),
		zap.Duration("launch", time.Since(start)),
		zap.Time("expires_at", active.ExpiresAt))
	return active.Session(), nil
}

// failLaunch rolls back a create that did not reach active.
func (m *Manager) failLaunch(entry registry.Entry) {
	if _, err := m.registry.Transition(entry.ID, []models.State{models.StateCreating}, models.StateFailed); err != nil {
		// Lost to a concurrent delete, which releases the engine.
		return
	}
	if err := m.release(context.Background(), entry.Handle); err != nil {
		m.logger.Warn("Failed to release engine after failed launch",
			zap.String("session_id", entry.ID), zap.Error(err))
	}
	m.registry.Remove(entry.ID)
	m.endSession(entry)
	m.refreshGauges()
}

func (m *Manager) resolveTimeout(seconds int) (time.Duration, error) {
	if seconds == 0 {
		return m.cfg.DefaultTimeout, nil
	}
	d := time.Duration(seconds) * time.Second
	if d < m.cfg.MinTimeout || d > m.cfg.MaxTimeout {
		return 0, fmt.Errorf("timeout must be between %d and %d seconds",
			int(m.cfg.MinTimeout/time.Second), int(m.cfg.MaxTimeout/time.Second))
	}
	return d, nil
}

// Get returns an active session.
func (m *Manager) Get(id string) (models.Session, error) {
	e, ok := m.registry.Get(id)
	if !ok || e.State != models.StateActive {
		return models.Session{}, newError(KindSessionNotFound, id, ErrSessionNotFound)
	}
	return e.Session(), nil
}

// List returns every registered session matching f, including ones that are
// still starting or recently failed.
func (m *Manager) List(f registry.Filter) []models.Session {
	entries := m.registry.List(f)
	out := make([]models.Session, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Session())
	}
	return out
}

// ListActive returns the sessions accepting commands.
func (m *Manager) ListActive() []models.Session {
	return m.List(registry.Filter{State: models.StateActive})
}

// Execute runs one command against an active session.
func (m *Manager) Execute(ctx context.Context, id string, cmd command.Command) (command.Result, error) {
	e, ok := m.registry.Get(id)
	if !ok || e.State != models.StateActive {
		return nil, newError(KindSessionNotFound, id, ErrSessionNotFound)
	}

	name, known := m.executor.Canonical(cmd.Type)
	if !known {
		metrics.ObserveCommand(metrics.UnknownCommand, string(KindUnsupportedCommand), 0)
		return nil, newError(KindUnsupportedCommand, id, fmt.Errorf("%w: %q", ErrUnsupportedCommand, cmd.Type))
	}

	cmdCtx, cancel := context.WithTimeout(ctx, m.cfg.CommandTimeout)
	defer cancel()

	var (
		res      command.Result
		probeErr error
	)
	start := time.Now()
	err := m.run(cmdCtx, func(ctx context.Context) error {
		return e.Handle.Use(func(engine browser.Engine) error {
			var err error
			res, err = m.executor.Dispatch(ctx, engine, cmd)
			if err != nil && needsProbe(err) {
				probeErr = m.probe(engine)
			}
			return err
		})
	})

	serr := m.classify(e, err, probeErr)
	outcome := metrics.OutcomeSuccess
	if serr != nil {
		outcome = string(serr.Kind)
	}
	metrics.ObserveCommand(name, outcome, time.Since(start))

	if serr != nil {
		return nil, serr
	}
	return res, nil
}

// needsProbe reports whether err could mean the engine itself is gone.
func needsProbe(err error) bool {
	return !errors.Is(err, command.ErrUnsupportedCommand) &&
		!errors.Is(err, command.ErrInvalidParams) &&
		!browser.IsTransportError(err)
}

// probe checks the channel to the engine after a failed command.
func (m *Manager) probe(engine browser.Engine) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ProbeTimeout)
	defer cancel()
	return engine.Ping(ctx)
}

// classify maps a command failure onto a session error and applies its
// effect on the session.
func (m *Manager) classify(e registry.Entry, err, probeErr error) *Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, browser.ErrHandleReleased), errors.Is(err, browser.ErrHandleNotReady):
		return newError(KindSessionNotFound, e.ID, ErrSessionNotFound)
	case errors.Is(err, worker.ErrPoolClosed):
		return newError(KindShuttingDown, e.ID, ErrShuttingDown)
	case errors.Is(err, command.ErrUnsupportedCommand):
		return newError(KindUnsupportedCommand, e.ID, err)
	case errors.Is(err, command.ErrInvalidParams):
		return newError(KindInvalidParams, e.ID, err)
	case browser.IsTransportError(err) || probeErr != nil:
		m.markFailed(e, err)
		return newError(KindTransportBroken, e.ID, err)
	case errors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, e.ID, err)
	}
	return newError(KindEngineError, e.ID, err)
}

// markFailed moves an active session whose engine is unreachable to failed
// and releases the engine. The entry stays listed for the retention period.
func (m *Manager) markFailed(e registry.Entry, cause error) {
	if _, err := m.registry.Transition(e.ID, []models.State{models.StateActive}, models.StateFailed); err != nil {
		return
	}
	m.cancelTimer(e.ID)
	m.registry.SetError(e.ID, cause.Error())
	m.refreshGauges()
	metrics.SessionsClosed.WithLabelValues(metrics.ReasonFailed).Inc()

	m.logger.Warn("Engine connection lost, session failed",
		zap.String("session_id", e.ID), zap.Error(cause))

	if err := m.release(context.Background(), e.Handle); err != nil {
		m.logger.Warn("Failed to release engine", zap.String("session_id", e.ID), zap.Error(err))
	}
	m.endSession(e)

	if m.cfg.FailedRetention <= 0 {
		m.reap(e.ID)
		return
	}
	m.schedule(e.ID, m.cfg.FailedRetention, m.reap)
}

// Delete closes a session and releases its engine. A second delete of the
// same id reports SessionNotFound.
func (m *Manager) Delete(ctx context.Context, id string) error {
	return m.close(ctx, id, metrics.ReasonDeleted)
}

// close tears down a live session. reason is empty for entries that already
// failed, which were counted when they failed.
func (m *Manager) close(ctx context.Context, id, reason string) error {
	e, err := m.registry.Transition(id,
		[]models.State{models.StateActive, models.StateCreating, models.StateFailed},
		models.StateClosing)
	if err != nil {
		return newError(KindSessionNotFound, id, ErrSessionNotFound)
	}
	m.cancelTimer(id)
	m.refreshGauges()

	// EndedAt is only set before closing when the session had failed.
	wasFailed := !e.EndedAt.IsZero()

	if err := m.release(ctx, e.Handle); err != nil {
		m.logger.Warn("Failed to release engine", zap.String("session_id", id), zap.Error(err))
	}

	if closed, err := m.registry.Transition(id, []models.State{models.StateClosing}, models.StateClosed); err == nil {
		e = closed
	}
	m.registry.Remove(id)
	m.endSession(e)
	m.refreshGauges()

	if reason != "" && !wasFailed {
		metrics.SessionsClosed.WithLabelValues(reason).Inc()
	}
	m.logger.Info("Session closed", zap.String("session_id", id), zap.String("reason", reason))
	return nil
}

// expire deletes a session whose timeout elapsed.
func (m *Manager) expire(id string) {
	if err := m.close(context.Background(), id, metrics.ReasonExpired); err == nil {
		m.logger.Info("Session timed out", zap.String("session_id", id))
	}
}

// reap drops a failed entry once its retention period is over.
func (m *Manager) reap(id string) {
	e, ok := m.registry.Get(id)
	if !ok || e.State != models.StateFailed {
		return
	}
	_ = m.close(context.Background(), id, "")
}

// schedule runs fn(id) after d unless the manager shuts down first.
func (m *Manager) schedule(id string, d time.Duration, fn func(string)) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closing {
		return
	}
	if t, ok := m.timers[id]; ok {
		t.Stop()
	}
	m.timers[id] = time.AfterFunc(d, func() {
		m.mu.Lock()
		if m.closing {
			m.mu.Unlock()
			return
		}
		delete(m.timers, id)
		m.bg.Add(1)
		m.mu.Unlock()

		defer m.bg.Done()
		fn(id)
	})
}

func (m *Manager) cancelTimer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// release shuts the engine down on the pool, or inline once the pool is
// closed.
func (m *Manager) release(ctx context.Context, h *browser.Handle) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	err := m.run(ctx, func(ctx context.Context) error {
		return m.launcher.Shutdown(ctx, h)
	})
	if errors.Is(err, worker.ErrPoolClosed) {
		return m.launcher.Shutdown(ctx, h)
	}
	return err
}

// run executes fn on the pool and keeps the busy gauge current.
func (m *Manager) run(ctx context.Context, fn func(ctx context.Context) error) error {
	return worker.Run(ctx, m.pool, func(ctx context.Context) error {
		metrics.PoolBusy.Set(float64(m.pool.Busy()))
		defer func() { metrics.PoolBusy.Set(float64(m.pool.Busy() - 1)) }()
		return fn(ctx)
	})
}

// DebugURL returns the CDP endpoint of an active session.
func (m *Manager) DebugURL(id string) (string, error) {
	e, ok := m.registry.Get(id)
	if !ok || e.State != models.StateActive {
		return "", newError(KindSessionNotFound, id, ErrSessionNotFound)
	}

	var url string
	err := e.Handle.Use(func(engine browser.Engine) error {
		url = engine.ControlURL()
		return nil
	})
	if err != nil {
		return "", newError(KindSessionNotFound, id, err)
	}
	return url, nil
}

// Usage reports live sessions and browser minutes of ended sessions for a
// project.
func (m *Manager) Usage(projectID string) models.ProjectUsage {
	active := len(m.registry.List(registry.Filter{ProjectID: projectID, State: models.StateActive}))

	m.mu.Lock()
	defer m.mu.Unlock()
	return models.ProjectUsage{
		ProjectID:      projectID,
		BrowserMinutes: m.minutes[projectID],
		ActiveSessions: active,
	}
}

// Shutdown refuses new sessions, closes every remaining one and then stops
// the worker pool.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		return nil
	}
	m.closing = true
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
	m.mu.Unlock()

	entries := m.registry.List(registry.Filter{})
	m.logger.Info("Shutting down sessions", zap.Int("count", len(entries)))

	var g errgroup.Group
	for _, e := range entries {
		id := e.ID
		g.Go(func() error {
			err := m.close(ctx, id, metrics.ReasonShutdown)
			if errors.Is(err, ErrSessionNotFound) {
				return nil
			}
			return err
		})
	}
	err := g.Wait()

	m.bg.Wait()
	m.pool.Close()
	return err
}

// acquireSlot takes one of the project's concurrency slots without waiting.
func (m *Manager) acquireSlot(projectID string) bool {
	m.mu.Lock()
	sem, exists := m.slots[projectID]
	if !exists {
		sem = semaphore.NewWeighted(int64(m.cfg.ProjectConcurrency))
		m.slots[projectID] = sem
	}
	m.mu.Unlock()

	return sem.TryAcquire(1)
}

func (m *Manager) releaseProjectSlot(projectID string) {
	if projectID == "" {
		return
	}
	m.mu.Lock()
	sem := m.slots[projectID]
	m.mu.Unlock()

	if sem != nil {
		sem.Release(1)
	}
}

// endSession returns the session's project slot and books its browser
// minutes. It runs once per session however many paths reach it.
func (m *Manager) endSession(e registry.Entry) {
	m.mu.Lock()
	projectID, ok := m.held[e.ID]
	if ok {
		delete(m.held, e.ID)
		m.minutes[projectID] += time.Since(e.CreatedAt).Minutes()
	}
	m.mu.Unlock()

	if ok {
		m.releaseProjectSlot(projectID)
	}
}

func (m *Manager) refreshGauges() {
	metrics.SessionsActive.Set(float64(m.registry.Count()[models.StateActive]))
}
