package storage

import "github.com/mstate/collector/internal/core"

// SetJobs replaces the shadow graph's job set with the active jobs read
// from the external store this round, keyed by the group they are bound to.
func (s *Storage) SetJobs(byGroup map[int]*core.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Jobs = byGroup
}

// ApplyGroupHistory rewrites a group's backend membership from a winning
// (non-automatic) history entry, the manual-override path spec.md calls out
// for group-topology changes driven outside the regular stat fanout.
func (s *Storage) ApplyGroupHistory(groupID int, entry core.GroupHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	g, ok := s.Groups[groupID]
	if !ok {
		g = core.NewGroup(groupID)
		s.Groups[groupID] = g
	}
	keys := make(map[string]struct{}, len(entry.BackendAddrs))
	for _, addr := range entry.BackendAddrs {
		keys[addr] = struct{}{}
	}
	g.BackendKeys = keys
}

// GroupIDs returns every known group id, the input to the metadata stage's
// per-group metakey reads.
func (s *Storage) GroupIDs() []int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int, 0, len(s.Groups))
	for id := range s.Groups {
		ids = append(ids, id)
	}
	return ids
}
