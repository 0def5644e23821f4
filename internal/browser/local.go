package browser

import (
	"context"
	"fmt"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
	"go.uber.org/zap"
)

// LocalBackend runs Chrome as a child process of the control plane
type LocalBackend struct {
	bin       string
	noSandbox bool
	logger    *zap.Logger
}

// NewLocalBackend creates a backend for the Chrome binary at bin. An empty bin
// lets rod locate (or download) a browser.
func NewLocalBackend(bin string, noSandbox bool, logger *zap.Logger) *LocalBackend {
	return &LocalBackend{
		bin:       bin,
		noSandbox: noSandbox,
		logger:    logger.Named("local"),
	}
}

func (b *LocalBackend) Name() string { return "local" }

// Start launches a fresh Chrome with its own temporary profile.
func (b *LocalBackend) Start(ctx context.Context, opts StartOptions) (*Process, error) {
	l := launcher.New().
		Context(ctx).
		Headless(opts.Headless).
		NoSandbox(b.noSandbox)
	if b.bin != "" {
		l = l.Bin(b.bin)
	}
	if opts.Width > 0 && opts.Height > 0 {
		l = l.Set(flags.Flag("window-size"), fmt.Sprintf("%d,%d", opts.Width, opts.Height))
	}

	controlURL, err := l.Launch()

	var proc *Process
	if l.PID() != 0 {
		proc = &Process{
			ControlURL: controlURL,
			Stop:       stopLocal(l),
		}
	}
	if err != nil {
		return proc, fmt.Errorf("launch chrome: %w", err)
	}

	b.logger.Debug("Chrome started",
		zap.String("session_id", opts.SessionID),
		zap.Int("pid", l.PID()))
	return proc, nil
}

// stopLocal kills the process and removes its profile directory.
func stopLocal(l *launcher.Launcher) func(context.Context) error {
	return func(ctx context.Context) error {
		l.Kill()

		done := make(chan struct{})
		go func() {
			l.Cleanup()
			close(done)
		}()

		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for chrome %d to exit: %w", l.PID(), ctx.Err())
		}
	}
}

func (b *LocalBackend) Close() error { return nil }
