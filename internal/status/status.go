// Package status implements the collector's status derivation cascade:
// backend -> filesystem -> group -> couple, run after every ingest with the
// documented tie-break of "first matching clause wins".
package status

import (
	"fmt"

	"github.com/mstate/collector/internal/core"
)

// Policy carries the cluster-wide policy flags and constants the cascade
// consults; it is the status engine's view of the immutable config.
type Policy struct {
	ReservedSpace                     uint64
	ForbiddenDHTGroups                bool
	ForbiddenUnmatchedGroupTotalSpace bool
	ForbiddenNSWithoutSettings        bool
	ForbiddenDCSharingAmongGroups     bool
}

// DeriveBackend recomputes a backend's status from its already-derived
// space/rate fields and the filesystem it currently resides on.
//
// Order: error||disabled -> STALLED; fs BROKEN -> BROKEN; read-only -> RO;
// else OK.
func DeriveBackend(b *core.Backend, fs *core.Filesystem) {
	switch {
	case b.Stat.HasError || b.Stat.Disabled:
		b.Status = core.BackendStalled
	case fs != nil && fs.Status == core.FSBroken:
		b.Status = core.BackendBroken
	case b.Stat.ReadOnly:
		b.Status = core.BackendRO
	default:
		b.Status = core.BackendOK
	}
}

// DeriveFilesystem recomputes a filesystem's status: BROKEN when the sum of
// total_space over its OK+BROKEN backends exceeds its own reported total
// (a signal of host misconfiguration), else OK.
func DeriveFilesystem(fs *core.Filesystem, backends []*core.Backend) {
	var sum uint64
	for _, b := range backends {
		if b.Status != core.BackendOK && b.Status != core.BackendBroken {
			continue
		}
		sum += b.TotalSpace
	}
	if sum > fs.Stat.TotalSpace {
		fs.Status = core.FSBroken
	} else {
		fs.Status = core.FSOk
	}
}

// GroupInput bundles everything DeriveGroup needs beyond the Group itself:
// its member backends, the job bound to it (if any), and whether any sibling
// group sharing its couple disagrees on metadata (computed by the caller,
// which owns the couple-wide view).
type GroupInput struct {
	Backends          []*core.Backend
	BoundJob          *core.Job
	InconsistentCouple bool
	DifferentMetadata  bool
	ForbiddenDHT       bool
}

// DeriveGroup runs the group status cascade in the exact documented order.
func DeriveGroup(g *core.Group, in GroupInput, policy Policy) {
	if len(in.Backends) == 0 {
		g.Status = core.GroupInit
		g.InternalStatus = core.InitNoBackends
		g.StatusText = "no node backends"
		return
	}

	if policy.ForbiddenDHTGroups && len(in.Backends) > 1 {
		g.Status = core.GroupBroken
		g.InternalStatus = core.BrokenDHTForbidden
		g.StatusText = "DHT groups are forbidden"
		return
	}

	var anyRO, anyOther bool
	for _, b := range in.Backends {
		switch b.Status {
		case core.BackendRO:
			anyRO = true
		case core.BackendOK:
		default:
			anyOther = true
		}
	}

	if anyRO {
		if g.Metadata.ServiceMigrating {
			if in.BoundJob != nil && in.BoundJob.ID == g.Metadata.ServiceJobID && in.BoundJob.Active() {
				g.Status = core.GroupMigrating
				g.InternalStatus = core.MigratingServiceMigrating
				g.StatusText = fmt.Sprintf("migrating under job %s", in.BoundJob.ID)
				return
			}
			g.Status = core.GroupBad
			g.InternalStatus = core.BadNoActiveJob
			g.StatusText = "service migrating but no matching active job"
			return
		}
		g.Status = core.GroupRO
		g.InternalStatus = core.ROHaveROBackends
		g.StatusText = "has read-only backends"
		return
	}

	if anyOther {
		g.Status = core.GroupBad
		g.InternalStatus = core.BadHaveOther
		g.StatusText = "has backends in a non OK/RO state"
		return
	}

	if !g.MetadataParsed {
		g.Status = core.GroupBad
		g.InternalStatus = core.BadParseFailed
		g.StatusText = g.ParseError
		return
	}

	if in.InconsistentCouple {
		g.Status = core.GroupBad
		g.InternalStatus = core.BadInconsistentCouple
		g.StatusText = "couple members disagree on couple membership"
		return
	}
	if in.DifferentMetadata {
		g.Status = core.GroupBad
		g.InternalStatus = core.BadDifferentMetadata
		g.StatusText = "couple members disagree on frozen/couple/namespace"
		return
	}

	if len(g.Metadata.CoupleIDs) > 0 {
		g.Status = core.GroupCoupled
		g.InternalStatus = core.CoupledCoupled
		g.StatusText = ""
		return
	}

	g.Status = core.GroupInit
	g.InternalStatus = core.InitUncoupled
	g.StatusText = "uncoupled"
}

// CalculateType classifies a group DATA/CACHE/UNMARKED from its parsed
// metadata and, for unparsed/v1 groups, the configured cache path prefix
// matched against its backends' base path.
func CalculateType(g *core.Group, cacheGroupPathPrefix string, anyBackendBasePathHasPrefix bool) core.GroupType {
	if g.MetadataParsed && g.Metadata.Version >= 2 {
		if g.Metadata.Type == "cache" {
			return core.GroupTypeCache
		}
		return core.GroupTypeData
	}
	if cacheGroupPathPrefix != "" && anyBackendBasePathHasPrefix {
		return core.GroupTypeUnmarked
	}
	return core.GroupTypeData
}

// CoupleInput bundles the resolved member groups and owning namespace a
// couple's cascade needs.
type CoupleInput struct {
	Members          []*core.Group
	MemberBackends   [][]*core.Backend // per-member backend set, for the full() check
	Namespace        *core.Namespace
	MemberDCs        [][]string // per-member set of DCs its backends live in
	PairwiseConflict bool
	ActiveServiceJob *core.Job
}

// DeriveCouple runs the eight-step couple status cascade documented in the
// status-engine component design, in order.
func DeriveCouple(c *core.Couple, in CoupleInput, policy Policy) {
	// 1: any member has empty metadata.
	for _, m := range in.Members {
		if !m.MetadataParsed {
			c.Status = core.CoupleBad
			c.StatusText = "member has no parsed metadata"
			return
		}
	}

	// 2: any member namespace differs from couple namespace.
	for _, m := range in.Members {
		if m.NamespaceName != c.NamespaceName {
			c.Status = core.CoupleBad
			c.StatusText = "member namespace mismatch"
			return
		}
	}

	// 3: pairwise metadata conflict, unless an active service job supersedes it.
	if in.PairwiseConflict {
		if in.ActiveServiceJob != nil && in.ActiveServiceJob.Active() &&
			(in.ActiveServiceJob.Type == core.JobMove || in.ActiveServiceJob.Type == core.JobRestoreGroup) {
			if in.ActiveServiceJob.Status == core.JobExecuting {
				c.Status = core.CoupleServiceActive
			} else {
				c.Status = core.CoupleServiceStalled
			}
			c.StatusText = fmt.Sprintf("pairwise conflict superseded by job %s", in.ActiveServiceJob.ID)
			return
		}
		c.Status = core.CoupleBad
		c.StatusText = "pairwise metadata conflict"
		return
	}

	// 4: any member frozen.
	for _, m := range in.Members {
		if m.Metadata.Frozen {
			c.Status = core.CoupleFrozen
			c.StatusText = "frozen"
			return
		}
	}

	// 5: forbidden DC sharing among member groups.
	if policy.ForbiddenDCSharingAmongGroups && dcSharingViolated(in.MemberDCs) {
		c.Status = core.CoupleBroken
		c.StatusText = "groups share a datacenter"
		return
	}

	// 6: forbidden namespace without explicit settings.
	if policy.ForbiddenNSWithoutSettings && (in.Namespace == nil || !in.Namespace.Settings.HasSettings) {
		c.Status = core.CoupleBroken
		c.StatusText = "namespace has no explicit settings"
		return
	}

	// 7: all members COUPLED.
	allCoupled := true
	for _, m := range in.Members {
		if m.Status != core.GroupCoupled {
			allCoupled = false
			break
		}
	}
	if allCoupled {
		if policy.ForbiddenUnmatchedGroupTotalSpace && !totalSpaceMatches(in.Members) {
			c.Status = core.CoupleBroken
			c.StatusText = "member total_space mismatch"
			return
		}
		if isFull(c, in.MemberBackends) {
			c.Status = core.CoupleFull
		} else {
			c.Status = core.CoupleOK
		}
		c.StatusText = ""
		return
	}

	// 8: otherwise, the worst member state in order INIT -> BROKEN -> BAD -> (RO|MIGRATING)->BAD.
	worst := core.CoupleOK
	for _, m := range in.Members {
		switch m.Status {
		case core.GroupInit:
			worst = core.CoupleInit
		case core.GroupBroken:
			if worst != core.CoupleInit {
				worst = core.CoupleBroken
			}
		case core.GroupBad, core.GroupRO, core.GroupMigrating:
			if worst != core.CoupleInit && worst != core.CoupleBroken {
				worst = core.CoupleBad
			}
		}
	}
	c.Status = worst
	c.StatusText = "driven by worst member status"
}

func dcSharingViolated(memberDCs [][]string) bool {
	seen := make(map[string]int)
	for _, dcs := range memberDCs {
		unique := make(map[string]struct{}, len(dcs))
		for _, dc := range dcs {
			unique[dc] = struct{}{}
		}
		for dc := range unique {
			seen[dc]++
			if seen[dc] > 1 {
				return true
			}
		}
	}
	return false
}

func totalSpaceMatches(members []*core.Group) bool {
	if len(members) == 0 {
		return true
	}
	ref := groupTotalSpace(members[0])
	for _, m := range members[1:] {
		if groupTotalSpace(m) != ref {
			return false
		}
	}
	return true
}

func groupTotalSpace(g *core.Group) uint64 {
	return g.TotalSpace
}

// isFull matches original_source/Couple.cpp: Couple::full() — a couple is
// full when any member group is itself full (every one of its backends has
// no effective space left) or the couple's own effective free space is
// exhausted.
func isFull(c *core.Couple, memberBackends [][]*core.Backend) bool {
	for _, backends := range memberBackends {
		if groupFull(backends) {
			return true
		}
	}
	return c.EffectiveFreeSpace == 0
}

func groupFull(backends []*core.Backend) bool {
	if len(backends) == 0 {
		return false
	}
	for _, b := range backends {
		if !b.Full() {
			return false
		}
	}
	return true
}

// EffectiveSpace computes a couple's effective_space/effective_free_space
// from its members' effective space and the namespace's reserved fraction,
// per original_source/Couple.cpp: get_effective_space() — ceil happens
// inside the per-backend formula, floor happens once here on the aggregate.
func EffectiveSpace(c *core.Couple, memberEffective, memberTotal, memberFree []uint64, reservedFraction float64) {
	if len(memberEffective) == 0 {
		c.EffectiveSpace = 0
		c.EffectiveFreeSpace = 0
		return
	}
	minEffective := memberEffective[0]
	minTotal := memberTotal[0]
	minFree := memberFree[0]
	for i := 1; i < len(memberEffective); i++ {
		if memberEffective[i] < minEffective {
			minEffective = memberEffective[i]
		}
		if memberTotal[i] < minTotal {
			minTotal = memberTotal[i]
		}
		if memberFree[i] < minFree {
			minFree = memberFree[i]
		}
	}
	c.EffectiveSpace = uint64(float64(minEffective) * (1 - reservedFraction))
	shrink := int64(minTotal) - int64(c.EffectiveSpace)
	free := int64(minFree) - shrink
	if free < 0 {
		free = 0
	}
	c.EffectiveFreeSpace = uint64(free)
}
