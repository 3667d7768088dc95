package externalstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mstate/collector/internal/core"
)

// Resolver is the opaque DC-lookup worker named by spec.md's external
// interfaces: it maps a host to its datacenter.
type Resolver interface {
	ResolveDC(ctx context.Context, host string) (string, error)
}

type inventoryRow struct {
	dc        string
	timestamp time.Time
}

// Inventory maintains host -> {dc, timestamp}, persisted in Postgres and
// fronted by an in-memory LRU cache to avoid a table scan on every lookup.
// Periodic updates flow through a single update queue; Lookup also adds a
// freshly resolved host to the cache directly from the caller's goroutine.
type Inventory struct {
	pool       *pgxpool.Pool
	resolver   Resolver
	validFor   time.Duration
	logger     *slog.Logger

	cache *lru.Cache[string, inventoryRow]

	mu      sync.Mutex
	updates chan string
	done    chan struct{}
}

// NewInventory builds an Inventory cache with capacity cacheSize and a
// staleness window of validFor.
func NewInventory(pool *pgxpool.Pool, resolver Resolver, cacheSize int, validFor time.Duration, logger *slog.Logger) (*Inventory, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := lru.New[string, inventoryRow](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Inventory{
		pool:     pool,
		resolver: resolver,
		validFor: validFor,
		logger:   logger,
		cache:    c,
		updates:  make(chan string, 256),
		done:     make(chan struct{}),
	}, nil
}

// LoadAll loads every row from the inventory table into the cache. Rows
// older than validFor are queued for re-resolution.
func (inv *Inventory) LoadAll(ctx context.Context) error {
	rows, err := inv.pool.Query(ctx, `SELECT host, dc, ts FROM inventory`)
	if err != nil {
		return core.NewError(core.KindExternalDBUnavailable, "inventory_load", "", err)
	}
	defer rows.Close()

	now := time.Now()
	for rows.Next() {
		var host, dc string
		var ts time.Time
		if err := rows.Scan(&host, &dc, &ts); err != nil {
			inv.logger.Warn("skipping malformed inventory row", "error", err)
			continue
		}
		inv.cache.Add(host, inventoryRow{dc: dc, timestamp: ts})
		if now.Sub(ts) > inv.validFor {
			inv.enqueue(host)
		}
	}
	return rows.Err()
}

// Run drains the update queue on a serial worker until ctx is cancelled,
// re-resolving hosts and persisting the result.
func (inv *Inventory) Run(ctx context.Context) {
	defer close(inv.done)
	for {
		select {
		case <-ctx.Done():
			return
		case host := <-inv.updates:
			inv.refresh(ctx, host)
		}
	}
}

// RescanStale re-enqueues every cached host older than validFor; intended
// to run on a periodic timer (config `dc_cache_update_period`).
func (inv *Inventory) RescanStale() {
	now := time.Now()
	for _, host := range inv.cache.Keys() {
		row, ok := inv.cache.Peek(host)
		if ok && now.Sub(row.timestamp) > inv.validFor {
			inv.enqueue(host)
		}
	}
}

func (inv *Inventory) enqueue(host string) {
	select {
	case inv.updates <- host:
	default:
		inv.logger.Warn("inventory update queue full, dropping refresh", "host", host)
	}
}

func (inv *Inventory) refresh(ctx context.Context, host string) {
	dc, err := inv.resolver.ResolveDC(ctx, host)
	if err != nil {
		inv.logger.Warn("inventory resolve failed", "host", host, "error", err)
		return
	}
	now := time.Now()
	inv.cache.Add(host, inventoryRow{dc: dc, timestamp: now})
	inv.persist(ctx, host, dc, now)
}

func (inv *Inventory) persist(ctx context.Context, host, dc string, ts time.Time) {
	_, err := inv.pool.Exec(ctx, `
		INSERT INTO inventory (host, dc, ts) VALUES ($1, $2, $3)
		ON CONFLICT (host) DO UPDATE SET dc = EXCLUDED.dc, ts = EXCLUDED.ts`,
		host, dc, ts)
	if err != nil {
		inv.logger.Warn("inventory persist failed", "host", host, "error", err)
	}
}

// Lookup returns the cached DC for host; on miss it resolves synchronously
// and, on resolve failure, falls back to returning host itself (the
// documented fallback behavior).
func (inv *Inventory) Lookup(ctx context.Context, host string) string {
	if row, ok := inv.cache.Get(host); ok {
		return row.dc
	}
	dc, err := inv.resolver.ResolveDC(ctx, host)
	if err != nil {
		inv.logger.Warn("inventory lookup miss and resolve failed, falling back to host", "host", host, "error", err)
		return host
	}
	now := time.Now()
	inv.cache.Add(host, inventoryRow{dc: dc, timestamp: now})
	inv.persist(ctx, host, dc, now)
	return dc
}
