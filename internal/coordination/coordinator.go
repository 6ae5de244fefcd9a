// Package coordination keeps two processor instances from reconciling the same
// project at once.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/smallbiznis/shadowfiend/internal/config"
	obsmetrics "github.com/smallbiznis/shadowfiend/internal/observability/metrics"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const keyPrefix = "shadowfiend-"

var ErrEmptyProjectID = errors.New("empty_project_id")

type Params struct {
	fx.In

	Log     *zap.Logger
	Locker  *Locker
	Policy  *config.PolicyHolder
	Metrics *obsmetrics.ProcessorMetrics `optional:"true"`
}

// Coordinator holds per-project leases for this process.
type Coordinator struct {
	log     *zap.Logger
	locker  *Locker
	policy  *config.PolicyHolder
	metrics *obsmetrics.ProcessorMetrics

	mu   sync.Mutex
	held map[string]string // project id -> token
}

func NewCoordinator(p Params) *Coordinator {
	log := p.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Coordinator{
		log:     log.Named("coordination.locks"),
		locker:  p.Locker,
		policy:  p.Policy,
		metrics: p.Metrics,
		held:    make(map[string]string),
	}
}

func lockKey(projectID string) string {
	return keyPrefix + projectID
}

func (c *Coordinator) ttl() time.Duration {
	return c.policy.Get().LockTTL
}

// Acquire tries to take the project lease without blocking. It returns false when
// another holder owns it.
func (c *Coordinator) Acquire(ctx context.Context, projectID string) (bool, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return false, ErrEmptyProjectID
	}

	c.mu.Lock()
	_, mine := c.held[projectID]
	c.mu.Unlock()
	if mine {
		return true, nil
	}

	token, ok, err := c.locker.TryLock(ctx, lockKey(projectID), c.ttl())
	if err != nil {
		c.metrics.IncLockError()
		return false, fmt.Errorf("acquire %s: %w", lockKey(projectID), err)
	}
	if !ok {
		c.metrics.IncLockContention()
		c.log.Debug("coordination.lock.contended", zap.String("project_id", projectID))
		return false, nil
	}

	c.mu.Lock()
	c.held[projectID] = token
	c.mu.Unlock()
	return true, nil
}

// Release drops the project lease if this process still owns it.
func (c *Coordinator) Release(ctx context.Context, projectID string) error {
	projectID = strings.TrimSpace(projectID)

	c.mu.Lock()
	token, ok := c.held[projectID]
	delete(c.held, projectID)
	c.mu.Unlock()
	if !ok {
		return nil
	}

	released, err := c.locker.Release(ctx, lockKey(projectID), token)
	if err != nil {
		c.metrics.IncLockError()
		return fmt.Errorf("release %s: %w", lockKey(projectID), err)
	}
	if !released {
		c.log.Warn("coordination.lock.lost", zap.String("project_id", projectID))
	}
	return nil
}

// Heartbeat extends every held lease. Leases that expired or were taken over are
// forgotten.
func (c *Coordinator) Heartbeat(ctx context.Context) error {
	c.mu.Lock()
	held := make(map[string]string, len(c.held))
	for projectID, token := range c.held {
		held[projectID] = token
	}
	c.mu.Unlock()

	ttl := c.ttl()
	var errs []error
	for projectID, token := range held {
		extended, err := c.locker.Extend(ctx, lockKey(projectID), token, ttl)
		if err != nil {
			c.metrics.IncLockError()
			errs = append(errs, fmt.Errorf("extend %s: %w", lockKey(projectID), err))
			continue
		}
		if extended {
			continue
		}
		c.mu.Lock()
		if c.held[projectID] == token {
			delete(c.held, projectID)
		}
		c.mu.Unlock()
		c.log.Warn("coordination.lock.lost", zap.String("project_id", projectID))
	}
	return errors.Join(errs...)
}

// Held lists the projects whose lease this process believes it owns.
func (c *Coordinator) Held() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.held))
	for projectID := range c.held {
		out = append(out, projectID)
	}
	sort.Strings(out)
	return out
}

// KeepAlive runs Heartbeat every interval until ctx is done.
func (c *Coordinator) KeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.ttl() / 3
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Heartbeat(ctx); err != nil {
				c.log.Warn("coordination.heartbeat.failed", zap.Error(err))
			}
		}
	}
}
