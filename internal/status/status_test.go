package status

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mstate/collector/internal/core"
)

func TestDeriveBackend(t *testing.T) {
	fsBroken := &core.Filesystem{Status: core.FSBroken}
	fsOK := &core.Filesystem{Status: core.FSOk}

	tests := []struct {
		name   string
		stat   core.BackendStat
		fs     *core.Filesystem
		expect core.BackendStatus
	}{
		{"error wins over everything", core.BackendStat{HasError: true, ReadOnly: true}, fsBroken, core.BackendStalled},
		{"disabled is stalled", core.BackendStat{Disabled: true}, fsOK, core.BackendStalled},
		{"broken filesystem", core.BackendStat{}, fsBroken, core.BackendBroken},
		{"read only", core.BackendStat{ReadOnly: true}, fsOK, core.BackendRO},
		{"ok", core.BackendStat{}, fsOK, core.BackendOK},
		{"ok with nil fs", core.BackendStat{}, nil, core.BackendOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &core.Backend{Stat: tt.stat}
			DeriveBackend(b, tt.fs)
			assert.Equal(t, tt.expect, b.Status)
		})
	}
}

func TestDeriveFilesystem(t *testing.T) {
	fs := &core.Filesystem{Stat: core.FSStat{TotalSpace: 100}}
	backends := []*core.Backend{
		{Status: core.BackendOK, TotalSpace: 60},
		{Status: core.BackendBroken, TotalSpace: 60},
		{Status: core.BackendRO, TotalSpace: 1000}, // excluded: not OK/BROKEN
	}
	DeriveFilesystem(fs, backends)
	assert.Equal(t, core.FSBroken, fs.Status, "sum of OK+BROKEN backend space exceeds fs total")

	fs2 := &core.Filesystem{Stat: core.FSStat{TotalSpace: 1000}}
	DeriveFilesystem(fs2, backends)
	assert.Equal(t, core.FSOk, fs2.Status)
}

func TestDeriveGroup_NoBackends(t *testing.T) {
	g := &core.Group{}
	DeriveGroup(g, GroupInput{}, Policy{})
	assert.Equal(t, core.GroupInit, g.Status)
	assert.Equal(t, core.InitNoBackends, g.InternalStatus)
}

func TestDeriveGroup_ForbiddenDHT(t *testing.T) {
	g := &core.Group{}
	in := GroupInput{Backends: []*core.Backend{{Status: core.BackendOK}, {Status: core.BackendOK}}}
	DeriveGroup(g, in, Policy{ForbiddenDHTGroups: true})
	assert.Equal(t, core.GroupBroken, g.Status)
	assert.Equal(t, core.BrokenDHTForbidden, g.InternalStatus)
}

func TestDeriveGroup_ReadOnlyMigrating(t *testing.T) {
	g := &core.Group{
		MetadataParsed: true,
		Metadata:       core.GroupMetadata{ServiceMigrating: true, ServiceJobID: "job-1"},
	}
	job := &core.Job{ID: "job-1", Status: core.JobExecuting}
	in := GroupInput{
		Backends: []*core.Backend{{Status: core.BackendRO}},
		BoundJob: job,
	}
	DeriveGroup(g, in, Policy{})
	assert.Equal(t, core.GroupMigrating, g.Status)
	assert.Equal(t, core.MigratingServiceMigrating, g.InternalStatus)
}

func TestDeriveGroup_ReadOnlyMigratingNoActiveJob(t *testing.T) {
	g := &core.Group{Metadata: core.GroupMetadata{ServiceMigrating: true, ServiceJobID: "job-1"}, MetadataParsed: true}
	in := GroupInput{Backends: []*core.Backend{{Status: core.BackendRO}}}
	DeriveGroup(g, in, Policy{})
	assert.Equal(t, core.GroupBad, g.Status)
	assert.Equal(t, core.BadNoActiveJob, g.InternalStatus)
}

func TestDeriveGroup_Coupled(t *testing.T) {
	g := &core.Group{MetadataParsed: true, Metadata: core.GroupMetadata{CoupleIDs: []int{1, 2}}}
	in := GroupInput{Backends: []*core.Backend{{Status: core.BackendOK}}}
	DeriveGroup(g, in, Policy{})
	assert.Equal(t, core.GroupCoupled, g.Status)
}

func TestDeriveGroup_Uncoupled(t *testing.T) {
	g := &core.Group{MetadataParsed: true}
	in := GroupInput{Backends: []*core.Backend{{Status: core.BackendOK}}}
	DeriveGroup(g, in, Policy{})
	assert.Equal(t, core.GroupInit, g.Status)
	assert.Equal(t, core.InitUncoupled, g.InternalStatus)
}

func TestCalculateType(t *testing.T) {
	g := &core.Group{MetadataParsed: true, Metadata: core.GroupMetadata{Version: 2, Type: "cache"}}
	assert.Equal(t, core.GroupTypeCache, CalculateType(g, "", false))

	g2 := &core.Group{MetadataParsed: true, Metadata: core.GroupMetadata{Version: 2, Type: "data"}}
	assert.Equal(t, core.GroupTypeData, CalculateType(g2, "", false))

	g3 := &core.Group{}
	assert.Equal(t, core.GroupTypeUnmarked, CalculateType(g3, "/srv/cache", true))
	assert.Equal(t, core.GroupTypeData, CalculateType(g3, "", false))
}

func TestDeriveCouple_BadMetadata(t *testing.T) {
	c := &core.Couple{}
	in := CoupleInput{Members: []*core.Group{{MetadataParsed: false}}}
	DeriveCouple(c, in, Policy{})
	assert.Equal(t, core.CoupleBad, c.Status)
}

func TestDeriveCouple_NamespaceMismatch(t *testing.T) {
	c := &core.Couple{NamespaceName: "ns-a"}
	in := CoupleInput{Members: []*core.Group{{MetadataParsed: true, NamespaceName: "ns-b"}}}
	DeriveCouple(c, in, Policy{})
	assert.Equal(t, core.CoupleBad, c.Status)
	assert.Contains(t, c.StatusText, "namespace")
}

func TestDeriveCouple_PairwiseConflictSupersededByJob(t *testing.T) {
	c := &core.Couple{}
	job := &core.Job{ID: "job-2", Type: core.JobMove, Status: core.JobExecuting}
	in := CoupleInput{
		Members:          []*core.Group{{MetadataParsed: true}},
		PairwiseConflict: true,
		ActiveServiceJob: job,
	}
	DeriveCouple(c, in, Policy{})
	assert.Equal(t, core.CoupleServiceActive, c.Status)
}

func TestDeriveCouple_PairwiseConflictNoJob(t *testing.T) {
	c := &core.Couple{}
	in := CoupleInput{Members: []*core.Group{{MetadataParsed: true}}, PairwiseConflict: true}
	DeriveCouple(c, in, Policy{})
	assert.Equal(t, core.CoupleBad, c.Status)
}

func TestDeriveCouple_Frozen(t *testing.T) {
	c := &core.Couple{}
	in := CoupleInput{Members: []*core.Group{{MetadataParsed: true, Metadata: core.GroupMetadata{Frozen: true}}}}
	DeriveCouple(c, in, Policy{})
	assert.Equal(t, core.CoupleFrozen, c.Status)
}

func TestDeriveCouple_DCSharingForbidden(t *testing.T) {
	c := &core.Couple{}
	in := CoupleInput{
		Members:   []*core.Group{{MetadataParsed: true}, {MetadataParsed: true}},
		MemberDCs: [][]string{{"dc1"}, {"dc1"}},
	}
	DeriveCouple(c, in, Policy{ForbiddenDCSharingAmongGroups: true})
	assert.Equal(t, core.CoupleBroken, c.Status)
}

func TestDeriveCouple_DCSharingAllowedWhenPolicyOff(t *testing.T) {
	c := &core.Couple{}
	members := []*core.Group{
		{MetadataParsed: true, Status: core.GroupCoupled},
		{MetadataParsed: true, Status: core.GroupCoupled},
	}
	in := CoupleInput{Members: members, MemberDCs: [][]string{{"dc1"}, {"dc1"}}}
	DeriveCouple(c, in, Policy{})
	require.NotEqual(t, core.CoupleBroken, c.Status)
}

func TestDeriveCouple_NSWithoutSettings(t *testing.T) {
	c := &core.Couple{}
	in := CoupleInput{
		Members:   []*core.Group{{MetadataParsed: true}},
		Namespace: &core.Namespace{Settings: core.NamespaceSettings{HasSettings: false}},
	}
	DeriveCouple(c, in, Policy{ForbiddenNSWithoutSettings: true})
	assert.Equal(t, core.CoupleBroken, c.Status)
}

func TestDeriveCouple_AllCoupledFull(t *testing.T) {
	c := &core.Couple{EffectiveFreeSpace: 0}
	members := []*core.Group{
		{MetadataParsed: true, Status: core.GroupCoupled},
		{MetadataParsed: true, Status: core.GroupCoupled},
	}
	in := CoupleInput{Members: members}
	DeriveCouple(c, in, Policy{})
	assert.Equal(t, core.CoupleFull, c.Status)
}

func TestDeriveCouple_AllCoupledOK(t *testing.T) {
	c := &core.Couple{EffectiveFreeSpace: 42}
	members := []*core.Group{
		{MetadataParsed: true, Status: core.GroupCoupled},
		{MetadataParsed: true, Status: core.GroupCoupled},
	}
	in := CoupleInput{Members: members}
	DeriveCouple(c, in, Policy{})
	assert.Equal(t, core.CoupleOK, c.Status)
}

func TestDeriveCouple_FullViaMemberGroup(t *testing.T) {
	c := &core.Couple{EffectiveFreeSpace: 42}
	members := []*core.Group{
		{MetadataParsed: true, Status: core.GroupCoupled},
		{MetadataParsed: true, Status: core.GroupCoupled},
	}
	in := CoupleInput{
		Members: members,
		MemberBackends: [][]*core.Backend{
			{{EffectiveSpace: 0}},
			{{EffectiveSpace: 100}},
		},
	}
	DeriveCouple(c, in, Policy{})
	assert.Equal(t, core.CoupleFull, c.Status, "one member group with no effective space on any backend makes the couple full even though its own effective_free_space is nonzero")
}

func TestDeriveCouple_UnmatchedTotalSpace(t *testing.T) {
	c := &core.Couple{}
	members := []*core.Group{
		{MetadataParsed: true, Status: core.GroupCoupled, TotalSpace: 100},
		{MetadataParsed: true, Status: core.GroupCoupled, TotalSpace: 200},
	}
	in := CoupleInput{Members: members}
	DeriveCouple(c, in, Policy{ForbiddenUnmatchedGroupTotalSpace: true})
	assert.Equal(t, core.CoupleBroken, c.Status)
}

func TestDeriveCouple_WorstMemberStatus(t *testing.T) {
	tests := []struct {
		name   string
		member core.GroupStatus
		expect core.CoupleStatus
	}{
		{"init member", core.GroupInit, core.CoupleInit},
		{"broken member", core.GroupBroken, core.CoupleBroken},
		{"bad member", core.GroupBad, core.CoupleBad},
		{"ro member", core.GroupRO, core.CoupleBad},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &core.Couple{}
			in := CoupleInput{Members: []*core.Group{
				{MetadataParsed: true, Status: tt.member},
				{MetadataParsed: true, Status: core.GroupCoupled},
			}}
			DeriveCouple(c, in, Policy{})
			assert.Equal(t, tt.expect, c.Status)
		})
	}
}

func TestEffectiveSpace(t *testing.T) {
	c := &core.Couple{}
	EffectiveSpace(c, []uint64{1000, 900}, []uint64{1200, 1100}, []uint64{500, 400}, 0.1)

	assert.Equal(t, uint64(810), c.EffectiveSpace) // floor(900 * 0.9)
	// shrink = minTotal(1100) - effective(810) = 290; free = minFree(400) - 290 = 110
	assert.Equal(t, uint64(110), c.EffectiveFreeSpace)
}

func TestEffectiveSpace_NoMembers(t *testing.T) {
	c := &core.Couple{EffectiveSpace: 5, EffectiveFreeSpace: 5}
	EffectiveSpace(c, nil, nil, nil, 0.1)
	assert.Equal(t, uint64(0), c.EffectiveSpace)
	assert.Equal(t, uint64(0), c.EffectiveFreeSpace)
}

func TestEffectiveSpace_FreeClampedAtZero(t *testing.T) {
	c := &core.Couple{}
	// shrink = minTotal(2000) - effective(1000) = 1000 > minFree(10), so free clamps to 0
	EffectiveSpace(c, []uint64{1000}, []uint64{2000}, []uint64{10}, 0.0)
	assert.Equal(t, uint64(1000), c.EffectiveSpace)
	assert.Equal(t, uint64(0), c.EffectiveFreeSpace)
}
