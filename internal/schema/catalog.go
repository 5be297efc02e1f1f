package schema

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"

	"github.com/Eriq7/SQL-AI-Agent/internal/observability"
)

type Options struct {
	TTL               time.Duration
	IncludeTables     []string
	Descriptions      Descriptions
	RefreshRetries    int
	RefreshBackoff    time.Duration
	IntrospectTimeout time.Duration
	Logger            *slog.Logger
	Now               func() time.Time
}

// Catalog caches the current snapshot. It is populated on first use and
// replaced atomically after TTL expiry or Invalidate. Concurrent refreshes
// share one introspection.
type Catalog struct {
	introspector Introspector
	opts         Options

	current    atomic.Pointer[entry]
	generation atomic.Uint64
	group      singleflight.Group
}

type entry struct {
	snapshot   Snapshot
	generation uint64
}

func NewCatalog(introspector Introspector, opts Options) *Catalog {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.RefreshBackoff <= 0 {
		opts.RefreshBackoff = 100 * time.Millisecond
	}
	if opts.RefreshRetries < 0 {
		opts.RefreshRetries = 0
	}
	return &Catalog{introspector: introspector, opts: opts}
}

// Snapshot returns the cached snapshot while it is fresh and introspects
// otherwise.
func (c *Catalog) Snapshot(ctx context.Context) (Snapshot, error) {
	if current := c.current.Load(); c.fresh(current) {
		return current.snapshot, nil
	}

	resultCh := c.group.DoChan("snapshot", func() (any, error) {
		if current := c.current.Load(); c.fresh(current) {
			return current.snapshot, nil
		}
		return c.load(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case result := <-resultCh:
		if result.Err != nil {
			return Snapshot{}, result.Err
		}
		return result.Val.(Snapshot), nil
	}
}

// Invalidate marks the cached snapshot stale. The next Snapshot call
// introspects again.
func (c *Catalog) Invalidate() {
	c.generation.Add(1)
}

func (c *Catalog) Refresh(ctx context.Context) (Snapshot, error) {
	c.Invalidate()
	return c.Snapshot(ctx)
}

// Current returns the last captured snapshot without refreshing it.
func (c *Catalog) Current() (Snapshot, bool) {
	current := c.current.Load()
	if current == nil {
		return Snapshot{}, false
	}
	return current.snapshot, true
}

func (c *Catalog) fresh(current *entry) bool {
	if current == nil {
		return false
	}
	if current.generation != c.generation.Load() {
		return false
	}
	if c.opts.TTL > 0 && c.opts.Now().Sub(current.snapshot.CapturedAt) >= c.opts.TTL {
		return false
	}
	return true
}

func (c *Catalog) load(ctx context.Context) (Snapshot, error) {
	generation := c.generation.Load()
	backoff := retry.WithMaxRetries(uint64(c.opts.RefreshRetries), retry.NewExponential(c.opts.RefreshBackoff))

	var tables []TableDescriptor
	attempt := 0
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		attemptCtx := ctx
		if c.opts.IntrospectTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, c.opts.IntrospectTimeout)
			defer cancel()
		}
		found, err := c.introspector.Introspect(attemptCtx)
		if err != nil {
			c.opts.Logger.WarnContext(ctx, "schema introspection failed",
				slog.Int("attempt", attempt),
				slog.Any("error", err),
			)
			return retry.RetryableError(err)
		}
		tables = found
		return nil
	})
	if err != nil {
		observability.ObserveSchemaRefresh("error", 0)
		return Snapshot{}, fmt.Errorf("%w: %w", ErrSchemaUnavailable, err)
	}

	filtered := c.opts.Descriptions.Apply(append([]TableDescriptor(nil), FilterTables(tables, c.opts.IncludeTables)...))
	sortTables(filtered)
	snapshot := Snapshot{Tables: filtered, CapturedAt: c.opts.Now().UTC()}
	c.current.Store(&entry{snapshot: snapshot, generation: generation})

	observability.ObserveSchemaRefresh("ok", len(filtered))
	c.opts.Logger.InfoContext(ctx, "schema snapshot captured",
		slog.Int("tables", len(filtered)),
		slog.Int("attempts", attempt),
	)
	return snapshot, nil
}
