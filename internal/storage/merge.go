package storage

import "github.com/mstate/collector/internal/core"

// Merge folds other (a round's shadow graph) into s (the live graph) in the
// fixed order spec.md requires: Nodes, then Groups, then Jobs, then Couples,
// then Namespaces. For each map: incoming keys present locally invoke the
// entity's own merge; missing keys are inserted. Local-only Nodes, Groups
// and Namespaces are retained untouched; local-only Jobs and Couples (absent
// from the incoming graph) are deleted. haveNewer is signalled back for
// observability.
func (s *Storage) Merge(other *Storage) (haveNewer bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	for key, on := range other.Nodes {
		if n, ok := s.Nodes[key]; ok {
			if n.Merge(on) {
				haveNewer = true
			}
			mergeBackends(n, on)
			mergeFilesystems(n, on)
		} else {
			s.Nodes[key] = on
			haveNewer = true
		}
	}

	for id, og := range other.Groups {
		if g, ok := s.Groups[id]; ok {
			if g.Merge(og) {
				haveNewer = true
			}
		} else {
			s.Groups[id] = og
			haveNewer = true
		}
	}

	for id, oj := range other.Jobs {
		if _, ok := s.Jobs[id]; !ok {
			haveNewer = true
		}
		s.Jobs[id] = oj
	}
	for id := range s.Jobs {
		if _, ok := other.Jobs[id]; !ok {
			// Job lifetime is bound by external DB presence: absent from
			// the freshly ingested shadow means it was removed upstream.
			delete(s.Jobs, id)
		}
	}

	for key, oc := range other.Couples {
		if c, ok := s.Couples[key]; ok {
			if c.Merge(oc) {
				haveNewer = true
			}
		} else {
			s.Couples[key] = oc
			haveNewer = true
		}
	}
	for key := range s.Couples {
		if _, ok := other.Couples[key]; !ok {
			delete(s.Couples, key)
		}
	}

	for name, ons := range other.Namespaces {
		if ns, ok := s.Namespaces[name]; ok {
			if ns.Merge(ons) {
				haveNewer = true
			}
		} else {
			s.Namespaces[name] = ons
			haveNewer = true
		}
	}

	return haveNewer
}

func mergeBackends(n, other *core.Node) {
	for id, ob := range other.Backends {
		if b, ok := n.Backends[id]; ok {
			b.Merge(ob)
		} else {
			n.Backends[id] = ob
		}
	}
}

func mergeFilesystems(n, other *core.Node) {
	for fsid, ofs := range other.Filesystems {
		if fs, ok := n.Filesystems[fsid]; ok {
			fs.Merge(ofs)
			for id := range ofs.BackendIDs {
				fs.BackendIDs[id] = struct{}{}
			}
		} else {
			n.Filesystems[fsid] = ofs
		}
	}
}
