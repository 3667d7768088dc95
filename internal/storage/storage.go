// Package storage owns the collector's entity maps and implements the
// shadow-to-live merge, the filter-driven selection engine, and the JSON
// snapshot projection (components C4 and C10).
package storage

import (
	"sync"
	"time"

	"github.com/mstate/collector/internal/core"
	"github.com/mstate/collector/internal/status"
)

// Storage holds one generation of the entity graph: the live graph
// consumers read from, or a shadow graph owned by exactly one in-flight
// round. It is never aliased between the two roles.
type Storage struct {
	mu sync.RWMutex

	Nodes      map[string]*core.Node
	Groups     map[int]*core.Group
	Couples    map[string]*core.Couple
	Namespaces map[string]*core.Namespace
	Jobs       map[int]*core.Job // keyed by bound group id

	Policy status.Policy

	// DCLookup resolves a node's host to its datacenter, backed by the
	// inventory cache (C8). Nil means DC-sharing enforcement is skipped.
	DCLookup func(host string) string
}

// New builds an empty storage graph.
func New(policy status.Policy) *Storage {
	return &Storage{
		Nodes:      make(map[string]*core.Node),
		Groups:     make(map[int]*core.Group),
		Couples:    make(map[string]*core.Couple),
		Namespaces: make(map[string]*core.Namespace),
		Jobs:       make(map[int]*core.Job),
		Policy:     policy,
	}
}

// Clone deep-copies the graph for use as a round's shadow, per the design
// note that the shadow is owned by exactly one round and never aliased
// with the live graph it was cloned from.
func (s *Storage) Clone() *Storage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := New(s.Policy)
	c.DCLookup = s.DCLookup
	for k, n := range s.Nodes {
		nn := *n
		nn.Backends = make(map[int]*core.Backend, len(n.Backends))
		for id, b := range n.Backends {
			bb := *b
			nn.Backends[id] = &bb
		}
		nn.Filesystems = make(map[uint64]*core.Filesystem, len(n.Filesystems))
		for fsid, fs := range n.Filesystems {
			ff := *fs
			ff.BackendIDs = make(map[int]struct{}, len(fs.BackendIDs))
			for id := range fs.BackendIDs {
				ff.BackendIDs[id] = struct{}{}
			}
			nn.Filesystems[fsid] = &ff
		}
		c.Nodes[k] = &nn
	}
	for id, g := range s.Groups {
		gg := *g
		gg.BackendKeys = make(map[string]struct{}, len(g.BackendKeys))
		for k := range g.BackendKeys {
			gg.BackendKeys[k] = struct{}{}
		}
		c.Groups[id] = &gg
	}
	for k, cpl := range s.Couples {
		cc := *cpl
		cc.GroupIDs = append([]int(nil), cpl.GroupIDs...)
		c.Couples[k] = &cc
	}
	for k, ns := range s.Namespaces {
		nn := *ns
		nn.CoupleKeys = make(map[string]struct{}, len(ns.CoupleKeys))
		for ck := range ns.CoupleKeys {
			nn.CoupleKeys[ck] = struct{}{}
		}
		c.Namespaces[k] = &nn
	}
	for id, j := range s.Jobs {
		jj := *j
		c.Jobs[id] = &jj
	}
	return c
}

// EnsureNode returns the Node for key, creating it on first discovery.
func (s *Storage) EnsureNode(host string, port, family int) *core.Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := core.NodeKey(host, port, family)
	n, ok := s.Nodes[key]
	if !ok {
		n = core.NewNode(host, port, family)
		s.Nodes[key] = n
	}
	return n
}

// EnsureGroup returns the Group for id, creating it (status INIT, no
// backends) on first reference — either from a backend or from a peer
// group's parsed couple list.
func (s *Storage) EnsureGroup(id int) *core.Group {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.Groups[id]
	if !ok {
		g = core.NewGroup(id)
		s.Groups[id] = g
	}
	return g
}

// EnsureNamespace returns the Namespace for name, creating it on first
// reference.
func (s *Storage) EnsureNamespace(name string) *core.Namespace {
	s.mu.Lock()
	defer s.mu.Unlock()
	ns, ok := s.Namespaces[name]
	if !ok {
		ns = core.NewNamespace(name)
		s.Namespaces[name] = ns
	}
	return ns
}

// UpdateGroupStructure processes newly received backends: each backend's
// reported group id is bound to a Group (created if necessary), and the
// backend is attached to its Filesystem (created if necessary, reassigned
// on fsid change).
func (s *Storage) UpdateGroupStructure() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.Nodes {
		for _, b := range n.Backends {
			if b.Stat.Group == 0 {
				continue
			}
			g := s.Groups[b.Stat.Group]
			if g == nil {
				g = core.NewGroup(b.Stat.Group)
				s.Groups[b.Stat.Group] = g
			}
			g.BackendKeys[b.Key] = struct{}{}

			fs := n.Filesystems[b.Stat.Fsid]
			if fs == nil {
				fs = core.NewFilesystem(n.Key, b.Stat.Fsid)
				n.Filesystems[b.Stat.Fsid] = fs
			}
			for fsid, other := range n.Filesystems {
				if fsid != b.Stat.Fsid {
					delete(other.BackendIDs, b.ID)
				}
			}
			fs.BackendIDs[b.ID] = struct{}{}
			fs.UpdateFromBackend(b)
		}
	}
}

// Update recomputes derived fields and statuses across the whole graph:
// filesystems -> groups (bind/clear jobs, reattach namespaces, create or
// dissolve couples on quorum) -> couples. Run once per round on the shadow.
func (s *Storage) Update(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, n := range s.Nodes {
		for _, b := range n.Backends {
			b.DeriveWithLoadAverage(s.Policy.ReservedSpace, n.Stat.LoadAverage)
		}
		for _, fs := range n.Filesystems {
			backends := s.backendsOf(fs)
			status.DeriveFilesystem(fs, backends)
			for _, b := range backends {
				status.DeriveBackend(b, fs)
			}
		}
	}

	groupBackendsByID := make(map[int][]*core.Backend, len(s.Groups))
	for id, g := range s.Groups {
		backends := s.groupBackends(g)
		groupBackendsByID[id] = backends

		var minEff, minTotal uint64
		for i, b := range backends {
			if i == 0 || b.EffectiveSpace < minEff {
				minEff = b.EffectiveSpace
			}
			if i == 0 || b.TotalSpace < minTotal {
				minTotal = b.TotalSpace
			}
		}
		g.TotalSpace = minTotal
		g.EffectiveSpace = minEff
	}

	for id, g := range s.Groups {
		backends := groupBackendsByID[id]
		inconsistentCouple, differentMetadata := s.pairwiseGroupConflicts(g, groupBackendsByID)

		job := s.Jobs[id]
		status.DeriveGroup(g, status.GroupInput{
			Backends:           backends,
			BoundJob:           job,
			ForbiddenDHT:       s.Policy.ForbiddenDHTGroups,
			InconsistentCouple: inconsistentCouple,
			DifferentMetadata:  differentMetadata,
		}, s.Policy)

		if g.MetadataParsed {
			g.NamespaceName = g.Metadata.NamespaceName
			if len(g.Metadata.CoupleIDs) > 0 {
				g.CoupleKey = core.CoupleKey(g.Metadata.CoupleIDs)
				s.reconcileCouple(g.Metadata.CoupleIDs, g.NamespaceName, now)
			}
		}
		g.UpdateTime = now
	}

	for key, c := range s.Couples {
		members := make([]*core.Group, 0, len(c.GroupIDs))
		for _, gid := range c.GroupIDs {
			if g := s.Groups[gid]; g != nil {
				members = append(members, g)
			}
		}
		if len(members) != len(c.GroupIDs) {
			delete(s.Couples, key)
			continue
		}
		var memberEff, memberTotal, memberFree []uint64
		memberBackends := make([][]*core.Backend, 0, len(members))
		for _, m := range members {
			memberEff = append(memberEff, m.EffectiveSpace)
			memberTotal = append(memberTotal, m.TotalSpace)
			memberFree = append(memberFree, m.EffectiveSpace)
			memberBackends = append(memberBackends, s.groupBackends(m))
		}
		ns := s.Namespaces[c.NamespaceName]
		var reservedFraction float64
		if ns != nil {
			reservedFraction = ns.Settings.ReservedFraction
		}
		status.EffectiveSpace(c, memberEff, memberTotal, memberFree, reservedFraction)

		status.DeriveCouple(c, status.CoupleInput{
			Members:          members,
			MemberBackends:   memberBackends,
			Namespace:        ns,
			MemberDCs:        s.memberDCs(members),
			PairwiseConflict: pairwiseConflict(members),
			ActiveServiceJob: firstActiveServiceJob(members, s.Jobs),
		}, s.Policy)
		c.ModifiedTime = now
	}
}

func (s *Storage) reconcileCouple(groupIDs []int, nsName string, now time.Time) {
	key := core.CoupleKey(groupIDs)
	c, ok := s.Couples[key]
	if !ok {
		for _, gid := range groupIDs {
			m := s.Groups[gid]
			if m == nil || !m.MetadataParsed || core.CoupleKey(m.Metadata.CoupleIDs) != key {
				return
			}
		}
		c = core.NewCouple(groupIDs)
		c.NamespaceName = nsName
		s.Couples[key] = c
		ns := s.Namespaces[nsName]
		if ns == nil {
			ns = core.NewNamespace(nsName)
			s.Namespaces[nsName] = ns
		}
		ns.CoupleKeys[key] = struct{}{}
	}
}

// pairwiseGroupConflicts compares g's parsed metadata against every sibling
// named in its own couple list, mirroring original_source/Group.cpp's
// check_couple_equals/check_metadata_equals: siblings with no backends or
// unparsed metadata are skipped (their own status already explains why),
// and a mismatch against any other sibling sets the corresponding flag,
// feeding DeriveGroup's BAD_InconsistentCouple/BAD_DifferentMetadata clauses.
func (s *Storage) pairwiseGroupConflicts(g *core.Group, backendsByID map[int][]*core.Backend) (inconsistentCouple, differentMetadata bool) {
	if !g.MetadataParsed || len(g.Metadata.CoupleIDs) == 0 || len(backendsByID[g.ID]) == 0 {
		return false, false
	}
	gCoupleKey := core.CoupleKey(g.Metadata.CoupleIDs)
	for _, sid := range g.Metadata.CoupleIDs {
		if sid == g.ID {
			continue
		}
		sibling := s.Groups[sid]
		if sibling == nil || !sibling.MetadataParsed || len(backendsByID[sid]) == 0 {
			continue
		}
		sCoupleKey := core.CoupleKey(sibling.Metadata.CoupleIDs)
		if gCoupleKey != sCoupleKey {
			inconsistentCouple = true
			differentMetadata = true
			continue
		}
		if g.Metadata.Frozen != sibling.Metadata.Frozen || g.Metadata.NamespaceName != sibling.Metadata.NamespaceName {
			differentMetadata = true
		}
	}
	return inconsistentCouple, differentMetadata
}

func pairwiseConflict(members []*core.Group) bool {
	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			a, b := members[i], members[j]
			if a.Metadata.Frozen != b.Metadata.Frozen {
				return true
			}
			if a.NamespaceName != b.NamespaceName {
				return true
			}
			if core.CoupleKey(a.Metadata.CoupleIDs) != core.CoupleKey(b.Metadata.CoupleIDs) {
				return true
			}
		}
	}
	return false
}

func firstActiveServiceJob(members []*core.Group, jobs map[int]*core.Job) *core.Job {
	for _, m := range members {
		if j, ok := jobs[m.ID]; ok && j.Active() {
			return j
		}
	}
	return nil
}

func (s *Storage) backendsOf(fs *core.Filesystem) []*core.Backend {
	n := s.Nodes[fs.NodeKey]
	if n == nil {
		return nil
	}
	out := make([]*core.Backend, 0, len(fs.BackendIDs))
	for id := range fs.BackendIDs {
		if b := n.Backends[id]; b != nil {
			out = append(out, b)
		}
	}
	return out
}

func (s *Storage) groupBackends(g *core.Group) []*core.Backend {
	out := make([]*core.Backend, 0, len(g.BackendKeys))
	for key := range g.BackendKeys {
		if b := s.findBackend(key); b != nil {
			out = append(out, b)
		}
	}
	return out
}

// memberDCs resolves, for each member group, the set of datacenters its
// backends currently live in, via DCLookup (the inventory cache). Nil
// DCLookup yields nil, which never trips the DC-sharing check.
func (s *Storage) memberDCs(members []*core.Group) [][]string {
	if s.DCLookup == nil {
		return nil
	}
	out := make([][]string, len(members))
	for i, g := range members {
		seen := make(map[string]struct{})
		for _, b := range s.groupBackends(g) {
			n := s.Nodes[b.NodeKey]
			if n == nil {
				continue
			}
			seen[s.DCLookup(n.Host)] = struct{}{}
		}
		dcs := make([]string, 0, len(seen))
		for dc := range seen {
			dcs = append(dcs, dc)
		}
		out[i] = dcs
	}
	return out
}

func (s *Storage) findBackend(key string) *core.Backend {
	for _, n := range s.Nodes {
		for _, b := range n.Backends {
			if b.Key == key {
				return b
			}
		}
	}
	return nil
}
