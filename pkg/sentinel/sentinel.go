// Package sentinel supervises a child process: it restarts the child when it
// exits, backs off on repeated crashes and restarts it when the binary on
// disk changes.
package sentinel

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
)

type Config struct {
	// BinaryPath is the executable to run and watch. Defaults to the
	// current executable.
	BinaryPath string
	// Args are passed to the child. Defaults to {"run"}.
	Args []string

	// GracePeriod is the time between SIGTERM and SIGKILL.
	GracePeriod time.Duration
	// InitialBackoff is the delay before the first restart after a crash.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// SuccessRunTime is how long a child must run before the backoff resets.
	SuccessRunTime time.Duration
	// Debounce is the quiet time after a filesystem event before the binary
	// is hashed.
	Debounce time.Duration
}

func (c *Config) withDefaults() (*Config, error) {
	out := *c
	if out.BinaryPath == "" {
		p, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve executable path: %w", err)
		}
		out.BinaryPath = p
	}
	// Watch the real file so symlinked installs are followed.
	p, err := filepath.EvalSymlinks(out.BinaryPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve symlinks for %s: %w", out.BinaryPath, err)
	}
	out.BinaryPath = p
	if out.Args == nil {
		out.Args = []string{"run"}
	}
	if out.GracePeriod == 0 {
		out.GracePeriod = 10 * time.Second
	}
	if out.InitialBackoff == 0 {
		out.InitialBackoff = 5 * time.Second
	}
	if out.MaxBackoff == 0 {
		out.MaxBackoff = 10 * time.Minute
	}
	if out.SuccessRunTime == 0 {
		out.SuccessRunTime = 30 * time.Second
	}
	if out.Debounce == 0 {
		out.Debounce = 100 * time.Millisecond
	}
	return &out, nil
}

type backoff struct {
	initial time.Duration
	max     time.Duration
	current time.Duration
}

func newBackoff(initial, max time.Duration) *backoff {
	return &backoff{initial: initial, max: max, current: initial}
}

// next returns the delay to wait now and doubles the following one.
func (b *backoff) next() time.Duration {
	d := b.current
	b.current = min(b.current*2, b.max)
	return d
}

func (b *backoff) reset() {
	b.current = b.initial
}

// Run supervises the child until ctx is done, then stops the child and
// returns. It returns an error only when supervision cannot start.
func Run(ctx context.Context, cfg Config) error {
	c, err := cfg.withDefaults()
	if err != nil {
		return err
	}
	lastHash, err := HashFile(c.BinaryPath)
	if err != nil {
		return err
	}
	log := slog.With("component", "sentinel")
	log.Info("starting sentinel", "binary", c.BinaryPath, "hash", fmt.Sprintf("%x", lastHash[:8]))

	updateCh := make(chan struct{}, 1)
	go func() {
		if err := watchBinary(ctx, c.BinaryPath, lastHash, c.Debounce, updateCh); err != nil {
			log.Error("binary watcher stopped", "error", err)
		}
	}()

	bo := newBackoff(c.InitialBackoff, c.MaxBackoff)
	for {
		if ctx.Err() != nil {
			return nil
		}

		child, err := startChild(c.BinaryPath, c.Args)
		if err != nil {
			log.Error("failed to start child", "error", err)
			if !sleep(ctx, bo.next()) {
				return nil
			}
			continue
		}
		log.Info("started child", "pid", child.Process.Pid)
		startedAt := time.Now()
		childDone := make(chan error, 1)
		go func() { childDone <- child.Wait() }()

		select {
		case err := <-childDone:
			elapsed := time.Since(startedAt)
			if elapsed >= c.SuccessRunTime {
				bo.reset()
			}
			if err == nil {
				// The child serves forever, so even a clean exit is restarted.
				log.Warn("child exited cleanly", "elapsed", elapsed)
				bo.reset()
				if !sleep(ctx, time.Second) {
					return nil
				}
				continue
			}
			delay := bo.next()
			log.Error("child exited", "elapsed", elapsed, "error", err, "restart_in", delay)
			if !sleep(ctx, delay) {
				return nil
			}

		case <-updateCh:
			log.Info("binary update detected, restarting child")
			stopChild(child, childDone, c.GracePeriod)
			bo.reset()

		case <-ctx.Done():
			log.Info("stopping child")
			stopChild(child, childDone, c.GracePeriod)
			log.Info("sentinel exiting")
			return nil
		}
	}
}

func startChild(binaryPath string, args []string) (*exec.Cmd, error) {
	cmd := exec.Command(binaryPath, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = os.Environ()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("exec %s: %w", binaryPath, err)
	}
	return cmd, nil
}

// stopChild sends SIGTERM, escalates to SIGKILL after grace and waits for
// childDone.
func stopChild(cmd *exec.Cmd, childDone <-chan error, grace time.Duration) {
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Warn("failed to send SIGTERM", "pid", cmd.Process.Pid, "error", err)
	}
	select {
	case <-childDone:
	case <-time.After(grace):
		slog.Warn("grace period expired, killing child", "pid", cmd.Process.Pid)
		_ = cmd.Process.Kill()
		<-childDone
	}
}

// watchBinary watches the directory holding path, since deploys usually
// replace the file by rename. It signals updateCh whenever the content hash
// differs from the last one seen.
func watchBinary(ctx context.Context, path string, lastHash [sha256.Size]byte, debounce time.Duration, updateCh chan<- struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	name := filepath.Base(path)
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(path), err)
	}

	var settle <-chan time.Time
	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(ev.Name) != name || !ev.Has(fsnotify.Create|fsnotify.Write|fsnotify.Rename) {
				continue
			}
			settle = time.After(debounce)

		case <-settle:
			settle = nil
			h, err := HashFile(path)
			if err != nil {
				// Mid-replace; a later event will follow.
				slog.Debug("failed to hash binary", "error", err)
				continue
			}
			if h == lastHash {
				continue
			}
			slog.Info("binary checksum changed", "old", fmt.Sprintf("%x", lastHash[:8]), "new", fmt.Sprintf("%x", h[:8]))
			lastHash = h
			select {
			case updateCh <- struct{}{}:
			default:
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("fsnotify error", "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func HashFile(path string) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	f, err := os.Open(path)
	if err != nil {
		return sum, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return sum, fmt.Errorf("hash %s: %w", path, err)
	}
	copy(sum[:], h.Sum(nil))
	return sum, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
