package browser

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Process is a started engine process or container that is not yet
// connected. Stop must tolerate being called after the process exited.
type Process struct {
	ControlURL string
	Stop       func(ctx context.Context) error
}

// StartOptions is passed to a Backend for each launch
type StartOptions struct {
	SessionID string
	Headless  bool
	Width     int
	Height    int
}

// Backend spawns engine processes. A Backend may return a non-nil Process
// together with an error when the process exists but never became usable.
type Backend interface {
	Name() string
	Start(ctx context.Context, opts StartOptions) (*Process, error)
	Close() error
}

// Connector turns a control URL into a connected Engine
type Connector func(ctx context.Context, controlURL string) (Engine, error)

// LauncherConfig is fixed at process start
type LauncherConfig struct {
	DefaultBackend   string
	Headless         bool
	ViewportWidth    int
	ViewportHeight   int
	StartTimeout     time.Duration
	ReadinessTimeout time.Duration
	ReadyURL         string
	ReadyMarker      string
}

// LaunchOptions selects per-session launch parameters
type LaunchOptions struct {
	SessionID string
	Backend   string
}

// Launcher starts and stops engines across one or more backends
type Launcher struct {
	cfg      LauncherConfig
	backends map[string]Backend
	connect  Connector
	logger   *zap.Logger
	mu       sync.RWMutex
}

// NewLauncher creates a launcher over the given backends. The first backend
// is the default unless cfg names another.
func NewLauncher(cfg LauncherConfig, logger *zap.Logger, backends ...Backend) *Launcher {
	if cfg.ReadyURL == "" {
		cfg.ReadyURL = "about:blank"
	}
	if cfg.ReadyMarker == "" {
		cfg.ReadyMarker = "html"
	}
	if cfg.ReadinessTimeout <= 0 {
		cfg.ReadinessTimeout = 30 * time.Second
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}

	l := &Launcher{
		cfg:      cfg,
		backends: make(map[string]Backend, len(backends)),
		connect:  ConnectRod,
		logger:   logger.Named("launcher"),
	}
	for _, b := range backends {
		l.backends[b.Name()] = b
	}
	if _, ok := l.backends[cfg.DefaultBackend]; !ok && len(backends) > 0 {
		l.cfg.DefaultBackend = backends[0].Name()
	}
	return l
}

// WithConnector replaces the CDP connector.
func (l *Launcher) WithConnector(c Connector) *Launcher {
	l.connect = c
	return l
}

// Route picks the backend for a request, falling back to the default
func (l *Launcher) Route(requested string) string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if _, ok := l.backends[requested]; ok {
		return requested
	}
	return l.cfg.DefaultBackend
}

// Backends returns the names of all configured backends
func (l *Launcher) Backends() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	names := make([]string, 0, len(l.backends))
	for name := range l.backends {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Launch starts an engine and binds it to h. On error h may still hold a
// partially started process; the caller releases it with Shutdown.
func (l *Launcher) Launch(ctx context.Context, h *Handle, opts LaunchOptions) error {
	name := l.Route(opts.Backend)

	l.mu.RLock()
	backend, ok := l.backends[name]
	l.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownBackend, opts.Backend)
	}

	log := l.logger.With(zap.String("session_id", opts.SessionID), zap.String("backend", name))

	startCtx, cancel := context.WithTimeout(ctx, l.cfg.StartTimeout)
	defer cancel()

	proc, err := backend.Start(startCtx, StartOptions{
		SessionID: opts.SessionID,
		Headless:  l.cfg.Headless,
		Width:     l.cfg.ViewportWidth,
		Height:    l.cfg.ViewportHeight,
	})
	if proc != nil && proc.Stop != nil {
		if allocErr := h.allocate(name, proc.Stop); allocErr != nil {
			log.Warn("Handle released during start, stopping engine")
			_ = proc.Stop(context.Background())
			return allocErr
		}
	}
	if err != nil {
		return fmt.Errorf("start %s engine: %w", name, err)
	}

	engine, err := l.connect(startCtx, proc.ControlURL)
	if err != nil {
		return fmt.Errorf("connect to engine: %w", err)
	}
	if err := h.attach(engine); err != nil {
		_ = engine.Close()
		return err
	}

	readyCtx, cancelReady := context.WithTimeout(ctx, l.cfg.ReadinessTimeout)
	defer cancelReady()

	if l.cfg.ViewportWidth > 0 && l.cfg.ViewportHeight > 0 {
		if err := engine.SetViewport(readyCtx, l.cfg.ViewportWidth, l.cfg.ViewportHeight); err != nil {
			return fmt.Errorf("set viewport: %w", err)
		}
	}
	if err := l.waitReady(readyCtx, engine); err != nil {
		return fmt.Errorf("%w: %v", ErrNotReady, err)
	}

	log.Debug("Engine ready", zap.String("control_url", engine.ControlURL()))
	return nil
}

// waitReady loads a neutral page and waits for the DOM marker.
func (l *Launcher) waitReady(ctx context.Context, engine Engine) error {
	if err := engine.Navigate(ctx, l.cfg.ReadyURL); err != nil {
		return err
	}
	return engine.WaitFor(ctx, ByCSS, l.cfg.ReadyMarker)
}

// Shutdown terminates the engine behind h. It is safe on nil, unstarted and
// already released handles.
func (l *Launcher) Shutdown(ctx context.Context, h *Handle) error {
	if h == nil {
		return nil
	}
	return h.release(ctx)
}

// Close releases backend clients
func (l *Launcher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for name, b := range l.backends {
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s backend: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
