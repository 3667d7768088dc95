// Package round implements the collector's round orchestrator (C9): the
// staged pipeline that clones the live graph into a shadow, fans out to the
// storage fleet, integrates the results, reads the external DB, reads group
// metadata, runs the status cascade, and merges the shadow back into the
// live graph. The stages run one after another; the fleet fanout and the
// external DB reads do not overlap. It owns the ~60s timer cadence and the collapsing
// rules for forced rounds.
package round

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/mstate/collector/internal/core"
	"github.com/mstate/collector/internal/externalstore"
	"github.com/mstate/collector/internal/fanout"
	"github.com/mstate/collector/internal/metadata"
	"github.com/mstate/collector/internal/statsparser"
	"github.com/mstate/collector/internal/storage"
)

// Kind distinguishes a round's trigger, mirroring spec.md's three round
// kinds: the regular timer tick, a forced full re-poll, and a forced
// partial re-poll scoped to a node subset.
type Kind string

const (
	KindRegular        Kind = "REGULAR"
	KindForcedFull     Kind = "FORCED_FULL"
	KindForcedPartial  Kind = "FORCED_PARTIAL"
)

// Request describes one requested round. Nodes is only consulted for
// FORCED_PARTIAL; empty means "every known node".
type Request struct {
	Kind  Kind
	Nodes []string
}

// Metrics is the minimal set of observability hooks the orchestrator drives;
// a concrete implementation lives in pkg/metrics.
type Metrics interface {
	ObserveRoundDuration(kind Kind, d time.Duration, ok bool)
	ObserveStageDuration(stage string, d time.Duration)
	SetLastRoundTime(t time.Time)
}

// Orchestrator drives the round pipeline against a live Storage graph.
type Orchestrator struct {
	live   *storage.Storage
	nodes  func() []Target
	client *http.Client
	fanoutCfg fanout.Config

	metaReader *metadata.Reader
	extStore   *externalstore.Store
	inventory  *externalstore.Inventory

	logger  *slog.Logger
	metrics Metrics

	interval time.Duration

	mu          sync.Mutex
	lastHistory time.Time

	requests chan Request
	quit     chan struct{}
}

// Target names one node's monitor endpoint.
type Target struct {
	Host   string
	Port   int
	Family int
	URL    string
}

// Config bundles everything needed to construct an Orchestrator.
type Config struct {
	Live       *storage.Storage
	Nodes      func() []Target
	Client     *http.Client
	FanoutCfg  fanout.Config
	MetaReader *metadata.Reader
	ExtStore   *externalstore.Store
	Inventory  *externalstore.Inventory
	Interval   time.Duration
	Logger     *slog.Logger
	Metrics    Metrics
}

// New builds an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	return &Orchestrator{
		live:       cfg.Live,
		nodes:      cfg.Nodes,
		client:     cfg.Client,
		fanoutCfg:  cfg.FanoutCfg,
		metaReader: cfg.MetaReader,
		extStore:   cfg.ExtStore,
		inventory:  cfg.Inventory,
		logger:     logger,
		metrics:    cfg.Metrics,
		interval:   interval,
		requests:   make(chan Request, 8),
		quit:       make(chan struct{}),
	}
}

// Force enqueues a forced round request; it does not block waiting for the
// round to run. A FORCED_FULL collapses any queued FORCED_PARTIAL requests
// since it supersedes them.
func (o *Orchestrator) Force(req Request) {
	select {
	case o.requests <- req:
	default:
		o.logger.Warn("round request queue full, dropping request", "kind", req.Kind)
	}
}

// Run drives the timer loop until ctx is cancelled: one REGULAR round per
// tick, and one forced round per received request, collapsed with the
// requests already queued behind it at that moment (see drainForced).
// REGULAR ticks are not collapsed with forced requests.
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := time.NewTicker(o.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.runOne(ctx, Request{Kind: KindRegular})
		case req := <-o.requests:
			o.drainForced(&req)
			o.runOne(ctx, req)
		}
	}
}

// drainForced collapses any additional requests already queued behind req,
// keeping FORCED_FULL over FORCED_PARTIAL and merging partial node sets.
func (o *Orchestrator) drainForced(req *Request) {
	for {
		select {
		case next := <-o.requests:
			if next.Kind == KindForcedFull {
				req.Kind = KindForcedFull
				req.Nodes = nil
			} else if req.Kind != KindForcedFull {
				req.Nodes = append(req.Nodes, next.Nodes...)
			}
		default:
			return
		}
	}
}

func (o *Orchestrator) runOne(ctx context.Context, req Request) {
	start := time.Now()
	ok := true

	shadow := o.live.Clone()
	if o.inventory != nil {
		shadow.DCLookup = func(host string) string { return o.inventory.Lookup(ctx, host) }
	}

	targets := o.selectTargets(req)
	body := o.fanoutStage(ctx, shadow, targets)
	o.processStage(shadow, body)

	jobs, historyDone := o.externalStage(ctx, shadow)
	if jobs != nil {
		o.applyJobs(shadow, jobs)
	}
	_ = historyDone

	o.metadataStage(ctx, shadow)

	updateStart := time.Now()
	shadow.Update(time.Now())
	if o.metrics != nil {
		o.metrics.ObserveStageDuration("update", time.Since(updateStart))
	}

	o.live.Merge(shadow)

	if o.metrics != nil {
		o.metrics.ObserveRoundDuration(req.Kind, time.Since(start), ok)
		o.metrics.SetLastRoundTime(time.Now())
	}
	o.logger.Info("round complete", "kind", req.Kind, "duration", time.Since(start))
}

func (o *Orchestrator) selectTargets(req Request) []Target {
	all := o.nodes()
	if req.Kind != KindForcedPartial || len(req.Nodes) == 0 {
		return all
	}
	want := make(map[string]struct{}, len(req.Nodes))
	for _, n := range req.Nodes {
		want[n] = struct{}{}
	}
	out := make([]Target, 0, len(req.Nodes))
	for _, t := range all {
		key := core.NodeKey(t.Host, t.Port, t.Family)
		if _, ok := want[key]; ok {
			out = append(out, t)
		}
	}
	return out
}

// fanoutStage polls the storage fleet concurrently and returns each
// responding node's raw body keyed by node key.
func (o *Orchestrator) fanoutStage(ctx context.Context, shadow *storage.Storage, targets []Target) map[string][]byte {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.ObserveStageDuration("fanout", time.Since(start))
		}
	}()

	fts := make([]fanout.Target, 0, len(targets))
	for _, t := range targets {
		key := core.NodeKey(t.Host, t.Port, t.Family)
		fts = append(fts, fanout.Target{NodeKey: key, URL: t.URL})
	}

	results := fanout.Fanout(ctx, o.client, fts, o.fanoutCfg, o.logger)

	bodies := make(map[string][]byte, len(results))
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		bodies[r.NodeKey] = r.Body
	}
	return bodies
}

// processStage parses every successfully fetched body, folds the result into
// the shadow graph's per-node stats and per-backend samples, and binds the
// resulting backends to their filesystems and groups — so that a group
// discovered by this round's stats already exists in shadow.Groups before
// metadataStage runs its metakey reads.
func (o *Orchestrator) processStage(shadow *storage.Storage, bodies map[string][]byte) {
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.ObserveStageDuration("process", time.Since(start))
		}
	}()

	for _, t := range o.nodes() {
		key := core.NodeKey(t.Host, t.Port, t.Family)
		body, ok := bodies[key]
		if !ok {
			continue
		}
		parser := statsparser.New()
		res, err := parser.Parse(bytes.NewReader(body))
		if err != nil {
			o.logger.Warn("stats parse failed", "node", key, "error", err)
			continue
		}

		n := shadow.EnsureNode(t.Host, t.Port, t.Family)
		n.ApplyStat(res.NodeStat)

		for id, bstat := range res.Backends {
			b, ok := n.Backends[id]
			if !ok {
				b = core.NewBackend(n.Key, id)
				n.Backends[id] = b
			}
			b.Stat = bstat
		}
	}

	shadow.UpdateGroupStructure()
}

// externalStage reads the active job queue and group-history log from the
// external store; a query failure there degrades the round (stale jobs,
// stale history) rather than aborting it.
func (o *Orchestrator) externalStage(ctx context.Context, shadow *storage.Storage) ([]*core.Job, bool) {
	if o.extStore == nil {
		return nil, false
	}
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.ObserveStageDuration("external", time.Since(start))
		}
	}()

	now := time.Now()
	jobs, err := o.extStore.ActiveJobs(ctx, now)
	if err != nil {
		o.logger.Warn("active jobs query failed, keeping prior jobs", "error", err)
		jobs = nil
	}

	o.mu.Lock()
	since := o.lastHistory
	o.mu.Unlock()

	entries, err := o.extStore.GroupHistorySince(ctx, since)
	if err != nil {
		o.logger.Warn("group history query failed", "error", err)
		return jobs, false
	}
	o.applyHistory(shadow, entries)
	o.mu.Lock()
	o.lastHistory = now
	o.mu.Unlock()
	return jobs, true
}

func (o *Orchestrator) applyJobs(shadow *storage.Storage, jobs []*core.Job) {
	byGroup := make(map[int]*core.Job, len(jobs))
	for _, j := range jobs {
		byGroup[j.GroupID] = j
	}
	shadow.SetJobs(byGroup)
}

func (o *Orchestrator) applyHistory(shadow *storage.Storage, entries []core.GroupHistoryEntry) {
	byGroup := make(map[int][]core.GroupHistoryEntry)
	for _, e := range entries {
		byGroup[e.GroupID] = append(byGroup[e.GroupID], e)
	}
	for groupID, groupEntries := range byGroup {
		winner, ok := externalstore.LatestNonAutomatic(groupEntries)
		if !ok {
			continue
		}
		shadow.ApplyGroupHistory(groupID, winner)
	}
}

// metadataStage reads every group's metakey concurrently and records the
// parsed payload (or the parse failure) on the shadow's group entries.
func (o *Orchestrator) metadataStage(ctx context.Context, shadow *storage.Storage) {
	if o.metaReader == nil {
		return
	}
	start := time.Now()
	defer func() {
		if o.metrics != nil {
			o.metrics.ObserveStageDuration("metadata", time.Since(start))
		}
	}()

	ids := shadow.GroupIDs()
	results := o.metaReader.ReadAll(ctx, ids)
	for _, r := range results {
		g := shadow.EnsureGroup(r.GroupID)
		if r.Err != nil {
			g.MetadataParsed = false
			g.ParseError = r.Err.Error()
			continue
		}
		parsed, err := metadata.ParseGroupMetadata(r.Data)
		if err != nil {
			g.MetadataParsed = false
			g.ParseError = err.Error()
			continue
		}
		g.Metadata = parsed
		g.MetadataParsed = true
		g.ParseError = ""
	}
}
