package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/me/calcjob/internal/fault"
)

// DefaultMinReopenInterval is the default minimum time between two opens of
// the same connection.
const DefaultMinReopenInterval = 30 * time.Second

// Reconnecting wraps a Transport shared by many jobs. It opens the inner
// transport lazily, drops the connection after a transient failure, and never
// opens it more often than once per MinReopenInterval. A reopen that cannot
// happen before the caller's deadline fails as transient.
type Reconnecting struct {
	inner   Transport
	limiter *rate.Limiter
	logger  *slog.Logger

	mu    sync.Mutex
	open  bool
	opens int
}

var _ Transport = (*Reconnecting)(nil)

// NewReconnecting wraps inner. A non-positive interval uses DefaultMinReopenInterval.
func NewReconnecting(inner Transport, minReopenInterval time.Duration, logger *slog.Logger) *Reconnecting {
	if minReopenInterval <= 0 {
		minReopenInterval = DefaultMinReopenInterval
	}
	return &Reconnecting{
		inner:   inner,
		limiter: rate.NewLimiter(rate.Every(minReopenInterval), 1),
		logger:  logger.With("component", "reconnecting-transport"),
	}
}

// Opens returns how many times the inner transport has been opened.
func (r *Reconnecting) Opens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.opens
}

// Open opens the inner transport if it is not already open.
func (r *Reconnecting) Open(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.openLocked(ctx)
}

func (r *Reconnecting) openLocked(ctx context.Context) error {
	if r.open {
		return nil
	}
	if !r.limiter.Allow() {
		// Wait for the next slot only if it fits in the caller's deadline.
		if err := r.limiter.Wait(ctx); err != nil {
			return fault.Transient("open", fmt.Errorf("%w: reopen throttled: %v", fault.ErrUnavailable, err))
		}
	}
	if err := r.inner.Open(ctx); err != nil {
		r.logger.Warn("open failed", "error", err)
		return fault.Classify("open", err)
	}
	r.open = true
	r.opens++
	r.logger.Debug("transport opened", "opens", r.opens)
	return nil
}

// Close closes the inner transport.
func (r *Reconnecting) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.open {
		return nil
	}
	r.open = false
	return r.inner.Close()
}

// observe drops the connection after a transient failure so the next call
// reopens it.
func (r *Reconnecting) observe(err error) error {
	if fault.IsTransient(err) {
		r.mu.Lock()
		if r.open {
			r.open = false
			if cerr := r.inner.Close(); cerr != nil {
				r.logger.Debug("close after failure", "error", cerr)
			}
			r.logger.Info("connection dropped after transient error", "error", err)
		}
		r.mu.Unlock()
	}
	return err
}

// Put implements Transport.
func (r *Reconnecting) Put(ctx context.Context, localPath, remotePath string) error {
	if err := r.Open(ctx); err != nil {
		return err
	}
	return r.observe(fault.Classify("put", r.inner.Put(ctx, localPath, remotePath)))
}

// Get implements Transport.
func (r *Reconnecting) Get(ctx context.Context, remotePath, localPath string) error {
	if err := r.Open(ctx); err != nil {
		return err
	}
	return r.observe(fault.Classify("get", r.inner.Get(ctx, remotePath, localPath)))
}

// Exec implements Transport.
func (r *Reconnecting) Exec(ctx context.Context, command string) (ExecResult, error) {
	if err := r.Open(ctx); err != nil {
		return ExecResult{}, err
	}
	res, err := r.inner.Exec(ctx, command)
	return res, r.observe(fault.Classify("exec", err))
}

// Exists implements Transport.
func (r *Reconnecting) Exists(ctx context.Context, remotePath string) (bool, error) {
	if err := r.Open(ctx); err != nil {
		return false, err
	}
	ok, err := r.inner.Exists(ctx, remotePath)
	return ok, r.observe(fault.Classify("exists", err))
}
