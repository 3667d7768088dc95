// Package externalstore implements the collector's external DB ingest (C7)
// and inventory cache persistence (C8). The document DB named by spec.md is
// realized as Postgres, following the teacher's pgxpool repository pattern:
// a connection pool, prometheus histograms per query, and JSONB payload
// columns that keep the document-store read shape.
package externalstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mstate/collector/internal/core"
)

// Metrics mirrors the teacher's per-query histogram/counter pair, scoped to
// the collector's namespace.
type Metrics struct {
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
}

// NewMetrics registers the external-store query metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		QueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "collector",
				Subsystem: "externalstore",
				Name:      "query_duration_seconds",
				Help:      "Duration of external DB queries.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation", "status"},
		),
		QueryErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "collector",
				Subsystem: "externalstore",
				Name:      "query_errors_total",
				Help:      "Total external DB query failures.",
			},
			[]string{"operation"},
		),
	}
}

// Store reads the active job queue and the group-topology history log from
// Postgres.
type Store struct {
	pool    *pgxpool.Pool
	logger  *slog.Logger
	metrics *Metrics
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool, logger *slog.Logger, metrics *Metrics) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{pool: pool, logger: logger, metrics: metrics}
}

// ActiveJobs runs the jobs query: status not in (completed, cancelled),
// projecting (id, status, group, type). A record with an unrecognized enum
// string fails only that record, never the round.
func (s *Store) ActiveJobs(ctx context.Context, roundTime time.Time) ([]*core.Job, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, group_id, type
		FROM jobs
		WHERE status NOT IN ('COMPLETED', 'CANCELLED')`)
	s.observe("active_jobs", start, err)
	if err != nil {
		return nil, core.NewError(core.KindExternalDBUnavailable, "active_jobs", "", err)
	}
	defer rows.Close()

	var jobs []*core.Job
	for rows.Next() {
		var id, status, jtype string
		var groupID int
		if err := rows.Scan(&id, &status, &groupID, &jtype); err != nil {
			s.logger.Warn("skipping malformed job row", "error", err)
			continue
		}
		js := core.JobStatus(status)
		jt := core.JobType(jtype)
		if !validJobStatus(js) || !validJobType(jt) {
			s.logger.Warn("skipping job with unknown enum value", "job_id", id, "status", status, "type", jtype)
			continue
		}
		jobs = append(jobs, &core.Job{ID: id, Type: jt, Status: js, GroupID: groupID, RoundTime: roundTime})
	}
	return jobs, rows.Err()
}

// GroupHistorySince runs the group-history query: entries newer than
// lastSeen. For each group, the caller is responsible for keeping only the
// latest non-automatic entry.
func (s *Store) GroupHistorySince(ctx context.Context, lastSeen time.Time) ([]core.GroupHistoryEntry, error) {
	start := time.Now()
	rows, err := s.pool.Query(ctx, `
		SELECT group_id, ts, entry_type, backend_addrs
		FROM group_history
		WHERE ts > $1
		ORDER BY group_id, ts`, lastSeen)
	s.observe("group_history", start, err)
	if err != nil {
		return nil, core.NewError(core.KindExternalDBUnavailable, "group_history", "", err)
	}
	defer rows.Close()

	var entries []core.GroupHistoryEntry
	for rows.Next() {
		var groupID int
		var ts time.Time
		var entryType string
		var addrsJSON []byte
		if err := rows.Scan(&groupID, &ts, &entryType, &addrsJSON); err != nil {
			s.logger.Warn("skipping malformed group history row", "error", err)
			continue
		}
		var addrs []string
		if err := json.Unmarshal(addrsJSON, &addrs); err != nil {
			s.logger.Warn("skipping group history row with unparsable backend set", "group_id", groupID, "error", err)
			continue
		}
		entries = append(entries, core.GroupHistoryEntry{
			GroupID:      groupID,
			Timestamp:    ts,
			Type:         entryType,
			BackendAddrs: addrs,
		})
	}
	return entries, rows.Err()
}

// LatestNonAutomatic reduces a group's history entries to the single one
// whose backend set should win: the latest entry whose type isn't
// "automatic".
func LatestNonAutomatic(entries []core.GroupHistoryEntry) (core.GroupHistoryEntry, bool) {
	var best core.GroupHistoryEntry
	found := false
	for _, e := range entries {
		if e.IsAutomatic() {
			continue
		}
		if !found || e.Timestamp.After(best.Timestamp) {
			best = e
			found = true
		}
	}
	return best, found
}

func (s *Store) observe(op string, start time.Time, err error) {
	if s.metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
		s.metrics.QueryErrors.WithLabelValues(op).Inc()
	}
	s.metrics.QueryDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func validJobStatus(s core.JobStatus) bool {
	switch s {
	case core.JobNew, core.JobNotApproved, core.JobExecuting, core.JobPending, core.JobBroken, core.JobCompleted, core.JobCancelled:
		return true
	}
	return false
}

func validJobType(t core.JobType) bool {
	switch t {
	case core.JobMove, core.JobRecoverDC, core.JobCoupleDefrag, core.JobRestoreGroup:
		return true
	}
	return false
}
