package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/mstate/collector/internal/round"
	"github.com/mstate/collector/internal/storage"
)

// SummaryProvider is satisfied by the live storage graph.
type SummaryProvider interface {
	BuildSummary(now time.Time, lastRound map[string]string) storage.Summary
	BuildSnapshot(f storage.Filter) storage.Snapshot
}

// Forcer is satisfied by the round orchestrator.
type Forcer interface {
	Force(req round.Request)
}

// Handlers implements the collector's RPC surface.
type Handlers struct {
	live   SummaryProvider
	force  Forcer
	logger *slog.Logger

	// lastRoundPhases optionally supplies the last round's per-phase
	// timings; when nil, Summary reports none.
	lastRoundPhases func() map[string]string
}

// NewHandlers builds the RPC handler set.
func NewHandlers(live SummaryProvider, force Forcer, lastRoundPhases func() map[string]string, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{live: live, force: force, lastRoundPhases: lastRoundPhases, logger: logger}
}

// filterRequest is the wire shape of get_snapshot/refresh's filter_json body.
type filterRequest struct {
	Filter struct {
		Namespaces  []string `json:"namespaces"`
		Couples     []string `json:"couples"`
		Groups      []string `json:"groups"`
		Backends    []string `json:"backends"`
		Nodes       []string `json:"nodes"`
		Filesystems []string `json:"filesystems"`
	} `json:"filter"`
	ItemTypes []string `json:"item_types"`
	Options   struct {
		ShowInternals bool `json:"show_internals"`
	} `json:"options"`
}

func (fr filterRequest) toFilter() storage.Filter {
	f := storage.NewFilter()
	f.ShowInternals = fr.Options.ShowInternals
	setIfNotEmpty(f, storage.AxisNamespace, fr.Filter.Namespaces)
	setIfNotEmpty(f, storage.AxisCouple, fr.Filter.Couples)
	setIfNotEmpty(f, storage.AxisGroup, fr.Filter.Groups)
	setIfNotEmpty(f, storage.AxisBackend, fr.Filter.Backends)
	setIfNotEmpty(f, storage.AxisNode, fr.Filter.Nodes)
	setIfNotEmpty(f, storage.AxisFilesystem, fr.Filter.Filesystems)
	for _, it := range fr.ItemTypes {
		f.ItemTypes[storage.Axis(it)] = true
	}
	return f
}

func setIfNotEmpty(f storage.Filter, axis storage.Axis, ids []string) {
	if len(ids) > 0 {
		f.Explicit[axis] = ids
	}
}

func decodeFilter(r *http.Request) (storage.Filter, error) {
	var fr filterRequest
	if r.Body != nil {
		dec := json.NewDecoder(r.Body)
		if err := dec.Decode(&fr); err != nil && err.Error() != "EOF" {
			return storage.Filter{}, fmt.Errorf("decode filter: %w", err)
		}
	}
	return fr.toFilter(), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Summary implements summary(void): a human-readable report of entity
// counts by status plus the last round's per-phase timings.
func (h *Handlers) Summary(w http.ResponseWriter, r *http.Request) {
	var phases map[string]string
	if h.lastRoundPhases != nil {
		phases = h.lastRoundPhases()
	}
	sum := h.live.BuildSummary(time.Now(), phases)
	writeJSON(w, http.StatusOK, sum)
}

// ForceUpdate implements force_update(void): enqueues a FORCED_FULL round
// and replies without waiting for it to run; the reported time covers only
// the enqueue, not the round.
func (h *Handlers) ForceUpdate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.force.Force(round.Request{Kind: round.KindForcedFull})
	fmt.Fprintf(w, "Update completed in %.2f seconds\n", time.Since(start).Seconds())
}

// GetSnapshot implements get_snapshot(filter_json).
func (h *Handlers) GetSnapshot(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, h.live.BuildSnapshot(f))
}

// Refresh implements refresh(filter_json): a FORCED_PARTIAL round scoped to
// the filter's node set.
func (h *Handlers) Refresh(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	nodes := f.Explicit[storage.AxisNode]
	h.force.Force(round.Request{Kind: round.KindForcedPartial, Nodes: nodes})
	w.WriteHeader(http.StatusAccepted)
}

// BackendInfo, FSInfo, GroupCoupleInfo and ListNamespaces were stubs in the
// original source; here they return the filtered snapshot for the requested
// entity kind.
func (h *Handlers) BackendInfo(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.ItemTypes[storage.AxisBackend] = true
	writeJSON(w, http.StatusOK, h.live.BuildSnapshot(f))
}

func (h *Handlers) FSInfo(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.ItemTypes[storage.AxisFilesystem] = true
	writeJSON(w, http.StatusOK, h.live.BuildSnapshot(f))
}

func (h *Handlers) GroupCoupleInfo(w http.ResponseWriter, r *http.Request) {
	f, err := decodeFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	f.ItemTypes[storage.AxisGroup] = true
	f.ItemTypes[storage.AxisCouple] = true
	writeJSON(w, http.StatusOK, h.live.BuildSnapshot(f))
}

func (h *Handlers) ListNamespaces(w http.ResponseWriter, r *http.Request) {
	f := storage.NewFilter()
	f.ItemTypes[storage.AxisNamespace] = true
	writeJSON(w, http.StatusOK, h.live.BuildSnapshot(f))
}

// Healthz is the ambient liveness probe.
func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}
