package storage

import (
	"strconv"

	"github.com/mstate/collector/internal/core"
)

// Axis names one of the six explicit filter axes / item types the
// selection engine understands.
type Axis string

const (
	AxisNamespace  Axis = "namespace"
	AxisCouple     Axis = "couple"
	AxisGroup      Axis = "group"
	AxisBackend    Axis = "backend"
	AxisNode       Axis = "node"
	AxisFilesystem Axis = "fs"
	AxisJob        Axis = "job"
)

// Filter carries the explicit sets and requested item types of a
// get_snapshot/refresh request.
type Filter struct {
	Explicit      map[Axis][]string
	ItemTypes     map[Axis]bool
	ShowInternals bool
}

// NewFilter builds an empty filter.
func NewFilter() Filter {
	return Filter{
		Explicit:  make(map[Axis][]string),
		ItemTypes: make(map[Axis]bool),
	}
}

// Entries is the result of a selection: disjoint id sets per item type.
type Entries struct {
	Namespaces  []string
	Couples     []string
	Groups      []string
	Backends    []string
	Nodes       []string
	Filesystems []string
}

func (e *Entries) set(axis Axis, ids []string) {
	switch axis {
	case AxisNamespace:
		e.Namespaces = ids
	case AxisCouple:
		e.Couples = ids
	case AxisGroup:
		e.Groups = ids
	case AxisBackend:
		e.Backends = ids
	case AxisNode:
		e.Nodes = ids
	case AxisFilesystem:
		e.Filesystems = ids
	}
}

// Select computes, for every axis requested in f.ItemTypes, the matching
// entity ids: explicit axes are taken verbatim (intersected with existence
// in the graph); implicit axes are the intersection, across every explicit
// axis, of items related to it through the backend-centered entity graph.
// Intersection is associative and order-independent; an empty intersection
// result is empty, never "all".
func (s *Storage) Select(f Filter) Entries {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var explicitAxes []Axis
	for axis, ids := range f.Explicit {
		if len(ids) > 0 {
			explicitAxes = append(explicitAxes, axis)
		}
	}

	var entries Entries
	for axis := range f.ItemTypes {
		if ids, ok := f.Explicit[axis]; ok && len(ids) > 0 {
			entries.set(axis, s.existing(axis, ids))
			continue
		}
		entries.set(axis, s.relateIntersection(explicitAxes, f.Explicit, axis))
	}
	return entries
}

// relateIntersection computes relate(axis1, target) ∩ relate(axis2, target)
// ∩ ... for however many explicit axes the filter names. With zero explicit
// axes the target set is every entity of that type in the graph.
func (s *Storage) relateIntersection(explicitAxes []Axis, explicit map[Axis][]string, target Axis) []string {
	if len(explicitAxes) == 0 {
		return s.allOf(target)
	}

	result := setOf(s.relate(explicitAxes[0], explicit[explicitAxes[0]], target))
	for _, axis := range explicitAxes[1:] {
		next := setOf(s.relate(axis, explicit[axis], target))
		result = intersect(result, next)
		if len(result) == 0 {
			return nil
		}
	}
	return keys(result)
}

// relate projects the backend set reachable from (sourceAxis, ids) onto
// targetAxis.
func (s *Storage) relate(sourceAxis Axis, ids []string, targetAxis Axis) []string {
	backends := s.backendsForAxis(sourceAxis, ids)
	return s.projectBackends(backends, targetAxis)
}

func (s *Storage) backendsForAxis(axis Axis, ids []string) map[string]struct{} {
	out := make(map[string]struct{})
	switch axis {
	case AxisBackend:
		for _, id := range ids {
			out[id] = struct{}{}
		}
	case AxisNode:
		for _, id := range ids {
			if n := s.Nodes[id]; n != nil {
				for _, b := range n.Backends {
					out[b.Key] = struct{}{}
				}
			}
		}
	case AxisFilesystem:
		for _, id := range ids {
			n, fs := s.findFilesystem(id)
			if n == nil || fs == nil {
				continue
			}
			for bid := range fs.BackendIDs {
				if b := n.Backends[bid]; b != nil {
					out[b.Key] = struct{}{}
				}
			}
		}
	case AxisGroup:
		for _, id := range ids {
			g := s.Groups[atoiSafe(id)]
			if g == nil {
				continue
			}
			for k := range g.BackendKeys {
				out[k] = struct{}{}
			}
		}
	case AxisCouple:
		for _, id := range ids {
			c := s.Couples[id]
			if c == nil {
				continue
			}
			for _, gid := range c.GroupIDs {
				if g := s.Groups[gid]; g != nil {
					for k := range g.BackendKeys {
						out[k] = struct{}{}
					}
				}
			}
		}
	case AxisNamespace:
		for _, id := range ids {
			ns := s.Namespaces[id]
			if ns == nil {
				continue
			}
			for ck := range ns.CoupleKeys {
				if c := s.Couples[ck]; c != nil {
					for _, gid := range c.GroupIDs {
						if g := s.Groups[gid]; g != nil {
							for k := range g.BackendKeys {
								out[k] = struct{}{}
							}
						}
					}
				}
			}
		}
	}
	return out
}

func (s *Storage) projectBackends(backends map[string]struct{}, target Axis) []string {
	set := make(map[string]struct{})
	for key := range backends {
		n, b := s.findBackendWithNode(key)
		if b == nil {
			continue
		}
		switch target {
		case AxisBackend:
			set[key] = struct{}{}
		case AxisNode:
			set[n.Key] = struct{}{}
		case AxisFilesystem:
			set[n.Key+"/"+uitoaFilter(b.FSID)] = struct{}{}
		case AxisGroup:
			if b.GroupID != 0 {
				set[itoaFilter(b.GroupID)] = struct{}{}
			}
		case AxisCouple:
			if g := s.Groups[b.GroupID]; g != nil && g.CoupleKey != "" {
				set[g.CoupleKey] = struct{}{}
			}
		case AxisNamespace:
			if g := s.Groups[b.GroupID]; g != nil && g.NamespaceName != "" {
				set[g.NamespaceName] = struct{}{}
			}
		}
	}
	return keys(set)
}

func (s *Storage) allOf(axis Axis) []string {
	var out []string
	switch axis {
	case AxisNode:
		for k := range s.Nodes {
			out = append(out, k)
		}
	case AxisGroup:
		for id := range s.Groups {
			out = append(out, itoaFilter(id))
		}
	case AxisCouple:
		for k := range s.Couples {
			out = append(out, k)
		}
	case AxisNamespace:
		for k := range s.Namespaces {
			out = append(out, k)
		}
	case AxisBackend:
		for _, n := range s.Nodes {
			for _, b := range n.Backends {
				out = append(out, b.Key)
			}
		}
	case AxisFilesystem:
		for _, n := range s.Nodes {
			for _, fs := range n.Filesystems {
				out = append(out, fs.Key)
			}
		}
	}
	return out
}

func (s *Storage) existing(axis Axis, ids []string) []string {
	var out []string
	for _, id := range ids {
		switch axis {
		case AxisNode:
			if _, ok := s.Nodes[id]; ok {
				out = append(out, id)
			}
		case AxisGroup:
			if _, ok := s.Groups[atoiSafe(id)]; ok {
				out = append(out, id)
			}
		case AxisCouple:
			if _, ok := s.Couples[id]; ok {
				out = append(out, id)
			}
		case AxisNamespace:
			if _, ok := s.Namespaces[id]; ok {
				out = append(out, id)
			}
		case AxisBackend:
			if n, b := s.findBackendWithNode(id); n != nil && b != nil {
				out = append(out, id)
			}
		case AxisFilesystem:
			if n, fs := s.findFilesystem(id); n != nil && fs != nil {
				out = append(out, id)
			}
		}
	}
	return out
}

func (s *Storage) findBackendWithNode(key string) (*core.Node, *core.Backend) {
	for _, n := range s.Nodes {
		for _, b := range n.Backends {
			if b.Key == key {
				return n, b
			}
		}
	}
	return nil, nil
}

func (s *Storage) findFilesystem(key string) (*core.Node, *core.Filesystem) {
	for _, n := range s.Nodes {
		for _, fs := range n.Filesystems {
			if fs.Key == key {
				return n, fs
			}
		}
	}
	return nil, nil
}

func itoaFilter(n int) string    { return strconv.Itoa(n) }
func uitoaFilter(n uint64) string { return strconv.FormatUint(n, 10) }
func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}

func setOf(ids []string) map[string]struct{} {
	m := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		m[id] = struct{}{}
	}
	return m
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func keys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
