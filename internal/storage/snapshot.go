package storage

import (
	"encoding/json"
	"time"

	"github.com/mstate/collector/internal/core"
)

// NodeJSON, BackendJSON etc. are the wire projections served by
// get_snapshot; backend/filesystem sub-arrays inside each node are filtered
// to the selected sets.
type BackendJSON struct {
	Key            string  `json:"key"`
	Status         string  `json:"status"`
	Group          int     `json:"group,omitempty"`
	TotalSpace     uint64  `json:"total_space"`
	UsedSpace      uint64  `json:"used_space"`
	FreeSpace      uint64  `json:"free_space"`
	EffectiveSpace uint64  `json:"effective_space"`
	Fragmentation  float64 `json:"fragmentation"`
	ReadRPS        float64 `json:"read_rps"`
	WriteRPS       float64 `json:"write_rps"`

	DefragState        int    `json:"defrag_state,omitempty"`
	WantDefrag         int    `json:"want_defrag,omitempty"`
	RecordsRemovedSize uint64 `json:"records_removed_size,omitempty"`
	BlobSize           uint64 `json:"blob_size,omitempty"`
}

func backendJSON(b *core.Backend) BackendJSON {
	return BackendJSON{
		Key:                b.Key,
		Status:             string(b.Status),
		Group:              b.GroupID,
		TotalSpace:         b.TotalSpace,
		UsedSpace:          b.UsedSpace,
		FreeSpace:          b.FreeSpace,
		EffectiveSpace:     b.EffectiveSpace,
		Fragmentation:      b.Fragmentation,
		ReadRPS:            b.ReadRPS,
		WriteRPS:           b.WriteRPS,
		DefragState:        b.Stat.DefragState,
		WantDefrag:         b.Stat.WantDefrag,
		RecordsRemovedSize: b.Stat.RecordsRemovedSize,
		BlobSize:           b.Stat.BlobSize,
	}
}

type FilesystemJSON struct {
	Key        string `json:"key"`
	Status     string `json:"status"`
	TotalSpace uint64 `json:"total_space"`
}

func filesystemJSON(fs *core.Filesystem) FilesystemJSON {
	return FilesystemJSON{Key: fs.Key, Status: string(fs.Status), TotalSpace: fs.Stat.TotalSpace}
}

type NodeJSON struct {
	Key         string           `json:"key"`
	Host        string           `json:"host"`
	Port        int              `json:"port"`
	Backends    []BackendJSON    `json:"backends,omitempty"`
	Filesystems []FilesystemJSON `json:"filesystems,omitempty"`
}

type GroupJSON struct {
	ID             int    `json:"id"`
	Status         string `json:"status"`
	StatusText     string `json:"status_text,omitempty"`
	Type           string `json:"type"`
	Namespace      string `json:"namespace,omitempty"`
	Couple         string `json:"couple,omitempty"`
	TotalSpace     uint64 `json:"total_space"`
	EffectiveSpace uint64 `json:"effective_space"`

	InternalStatus string          `json:"internal_status,omitempty"`
	MetadataRaw    json.RawMessage `json:"metadata_internal,omitempty"`
}

func groupJSON(g *core.Group, showInternals bool) GroupJSON {
	gj := GroupJSON{
		ID:             g.ID,
		Status:         string(g.Status),
		StatusText:     g.StatusText,
		Type:           string(g.Type),
		Namespace:      g.NamespaceName,
		Couple:         g.CoupleKey,
		TotalSpace:     g.TotalSpace,
		EffectiveSpace: g.EffectiveSpace,
	}
	if showInternals {
		gj.InternalStatus = string(g.InternalStatus)
		if raw, err := json.Marshal(g.Metadata); err == nil {
			gj.MetadataRaw = raw
		}
	}
	return gj
}

type CoupleJSON struct {
	Key                string `json:"key"`
	Status             string `json:"status"`
	StatusText         string `json:"status_text,omitempty"`
	Namespace          string `json:"namespace"`
	Groups             []int  `json:"groups"`
	EffectiveSpace     uint64 `json:"effective_space"`
	EffectiveFreeSpace uint64 `json:"effective_free_space"`
}

func coupleJSON(c *core.Couple) CoupleJSON {
	return CoupleJSON{
		Key:                c.Key,
		Status:             string(c.Status),
		StatusText:         c.StatusText,
		Namespace:          c.NamespaceName,
		Groups:             c.GroupIDs,
		EffectiveSpace:     c.EffectiveSpace,
		EffectiveFreeSpace: c.EffectiveFreeSpace,
	}
}

type NamespaceJSON struct {
	Name    string   `json:"name"`
	Couples []string `json:"couples"`
}

// Snapshot is the full get_snapshot response body; sections are omitted
// when empty.
type Snapshot struct {
	Nodes      []NodeJSON      `json:"nodes,omitempty"`
	Groups     []GroupJSON     `json:"groups,omitempty"`
	Couples    []CoupleJSON    `json:"couples,omitempty"`
	Namespaces []NamespaceJSON `json:"namespaces,omitempty"`
}

// BuildSnapshot runs Select and renders the matching entries as the
// get_snapshot JSON shape.
func (s *Storage) BuildSnapshot(f Filter) Snapshot {
	entries := s.Select(f)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var snap Snapshot

	if f.ItemTypes[AxisNode] || f.ItemTypes[AxisBackend] || f.ItemTypes[AxisFilesystem] {
		backendSet := setOf(entries.Backends)
		fsSet := setOf(entries.Filesystems)
		nodeSet := setOf(entries.Nodes)
		for key, n := range s.Nodes {
			if len(nodeSet) > 0 {
				if _, ok := nodeSet[key]; !ok {
					continue
				}
			}
			nj := NodeJSON{Key: n.Key, Host: n.Host, Port: n.Port}
			for _, b := range n.Backends {
				if len(backendSet) > 0 {
					if _, ok := backendSet[b.Key]; !ok {
						continue
					}
				}
				nj.Backends = append(nj.Backends, backendJSON(b))
			}
			for _, fs := range n.Filesystems {
				if len(fsSet) > 0 {
					if _, ok := fsSet[fs.Key]; !ok {
						continue
					}
				}
				nj.Filesystems = append(nj.Filesystems, filesystemJSON(fs))
			}
			snap.Nodes = append(snap.Nodes, nj)
		}
	}

	if f.ItemTypes[AxisGroup] {
		groupSet := setOf(entries.Groups)
		for _, g := range s.Groups {
			if len(groupSet) > 0 {
				if _, ok := groupSet[itoaFilter(g.ID)]; !ok {
					continue
				}
			}
			snap.Groups = append(snap.Groups, groupJSON(g, f.ShowInternals))
		}
	}

	if f.ItemTypes[AxisCouple] {
		coupleSet := setOf(entries.Couples)
		for key, c := range s.Couples {
			if len(coupleSet) > 0 {
				if _, ok := coupleSet[key]; !ok {
					continue
				}
			}
			snap.Couples = append(snap.Couples, coupleJSON(c))
		}
	}

	if f.ItemTypes[AxisNamespace] {
		nsSet := setOf(entries.Namespaces)
		for name, ns := range s.Namespaces {
			if len(nsSet) > 0 {
				if _, ok := nsSet[name]; !ok {
					continue
				}
			}
			nj := NamespaceJSON{Name: name}
			for ck := range ns.CoupleKeys {
				nj.Couples = append(nj.Couples, ck)
			}
			snap.Namespaces = append(snap.Namespaces, nj)
		}
	}

	return snap
}

// Summary is the human-readable summary() RPC response: entity counts by
// status and the timings of the last round's phases.
type Summary struct {
	GeneratedAt  time.Time         `json:"generated_at"`
	NodeCount    int               `json:"node_count"`
	BackendCount int               `json:"backend_count"`
	GroupCounts  map[string]int    `json:"group_counts"`
	CoupleCounts map[string]int    `json:"couple_counts"`
	LastRound    map[string]string `json:"last_round_phase_durations,omitempty"`
}

// BuildSummary aggregates counts by status across the live graph.
func (s *Storage) BuildSummary(now time.Time, lastRound map[string]string) Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := Summary{
		GeneratedAt:  now,
		GroupCounts:  make(map[string]int),
		CoupleCounts: make(map[string]int),
		LastRound:    lastRound,
	}
	sum.NodeCount = len(s.Nodes)
	for _, n := range s.Nodes {
		sum.BackendCount += len(n.Backends)
	}
	for _, g := range s.Groups {
		sum.GroupCounts[string(g.Status)]++
	}
	for _, c := range s.Couples {
		sum.CoupleCounts[string(c.Status)]++
	}
	return sum
}
