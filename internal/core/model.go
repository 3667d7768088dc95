// Package core holds the collector's entity model: Node, Backend, Filesystem,
// Group, Couple, Namespace, Job, GroupHistoryEntry and Host, along with the
// per-entity merge rule that folds a newer sample into an older one.
//
// Cross-entity references are by key, never by pointer: the owning map in
// the storage graph is the single source of truth for an entity's lifetime,
// and a Group or Couple is passed around as its id/key.
package core

import "time"

// NodeKey formats the stable identity of a storage node.
func NodeKey(host string, port, family int) string {
	return host + ":" + itoa(port) + ":" + itoa(family)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

// NodeStat is the rolling per-node sample used for rate computation.
type NodeStat struct {
	Timestamp   time.Time
	LA1         float64
	TxBytes     uint64
	RxBytes     uint64
	LoadAverage float64
	TxRate      float64
	RxRate      float64
}

// Node is a storage server identified by (host, port, family).
type Node struct {
	Host   string
	Port   int
	Family int
	Key    string

	Stat     NodeStat
	prevStat *NodeStat

	Backends    map[int]*Backend
	Filesystems map[uint64]*Filesystem
}

// NewNode builds an empty Node for (host, port, family).
func NewNode(host string, port, family int) *Node {
	return &Node{
		Host:        host,
		Port:        port,
		Family:      family,
		Key:         NodeKey(host, port, family),
		Backends:    make(map[int]*Backend),
		Filesystems: make(map[uint64]*Filesystem),
	}
}

// ApplyStat folds a freshly parsed sample in, computing tx/rx rates against
// the previous sample when the monotonic delta exceeds one second.
func (n *Node) ApplyStat(sample NodeStat) {
	if n.prevStat != nil {
		dt := sample.Timestamp.Sub(n.prevStat.Timestamp).Seconds()
		if dt > 1.0 {
			sample.TxRate = float64(sample.TxBytes-n.prevStat.TxBytes) / dt
			sample.RxRate = float64(sample.RxBytes-n.prevStat.RxBytes) / dt
		} else {
			sample.TxRate = n.Stat.TxRate
			sample.RxRate = n.Stat.RxRate
		}
	}
	prev := sample
	n.prevStat = &prev
	n.Stat = sample
}

// Merge folds other into n if other is newer, returning haveNewer.
func (n *Node) Merge(other *Node) (haveNewer bool) {
	if other.Stat.Timestamp.After(n.Stat.Timestamp) {
		n.Stat = other.Stat
		n.prevStat = other.prevStat
		return true
	}
	return false
}

// BackendStatus is the derived health of one storage slot.
type BackendStatus string

const (
	BackendInit    BackendStatus = "INIT"
	BackendOK      BackendStatus = "OK"
	BackendRO      BackendStatus = "RO"
	BackendBad     BackendStatus = "BAD"
	BackendStalled BackendStatus = "STALLED"
	BackendBroken  BackendStatus = "BROKEN"
)

// BackendStat is the raw per-backend sample as reported by the monitor
// endpoint, prior to derivation.
type BackendStat struct {
	TSSec, TSUsec uint64

	State        int
	Disabled     bool
	ReadOnly     bool
	HasError     bool
	DefragState  int
	WantDefrag   int

	VfsBlocks, VfsBavail, VfsBsize uint64

	RecordsTotal       uint64
	RecordsRemoved     uint64
	RecordsRemovedSize uint64
	BaseSize           uint64
	BlobSize           uint64

	Fsid uint64

	ReadIOs, WriteIOs uint64

	BlobSizeLimit   uint64
	MaxBlobBaseSize uint64

	Group int
}

// Timestamp renders the backend sample's wall-clock time.
func (s BackendStat) Timestamp() time.Time {
	return time.Unix(int64(s.TSSec), int64(s.TSUsec)*1000)
}

// Backend is one storage slot inside a Node.
type Backend struct {
	Key     string
	NodeKey string
	ID      int

	Stat     BackendStat
	prevStat *BackendStat

	FSID    uint64
	GroupID int

	VfsTotal, VfsFree, VfsUsed     uint64
	TotalSpace, UsedSpace, FreeSpace uint64
	EffectiveSpace                 uint64
	Fragmentation                   float64

	ReadRPS, WriteRPS       float64
	MaxReadRPS, MaxWriteRPS float64

	Status BackendStatus

	UpdateTime time.Time
}

// BackendKey formats the stable identity of a backend.
func BackendKey(nodeKey string, id int) string {
	return nodeKey + "/" + itoa(id)
}

// NewBackend builds an empty Backend belonging to nodeKey.
func NewBackend(nodeKey string, id int) *Backend {
	return &Backend{
		Key:     BackendKey(nodeKey, id),
		NodeKey: nodeKey,
		ID:      id,
		Status:  BackendInit,
	}
}

// Derive recomputes every field derived from Stat: space accounting,
// fragmentation and request rates against the previous sample, using the
// no-sample default load average (0.01). Production callers with a real
// node load average should call DeriveWithLoadAverage instead.
func (b *Backend) Derive(reservedSpace uint64) {
	b.DeriveWithLoadAverage(reservedSpace, 0.01)
}

// DeriveWithLoadAverage is Derive but scales max rps by the node's current
// load average, matching the original's per-node denominator (spec.md
// §4.2: max_*_rps = max(rps / max(load_average, 0.01), 100)).
func (b *Backend) DeriveWithLoadAverage(reservedSpace uint64, loadAverage float64) {
	s := b.Stat

	b.VfsTotal = s.VfsBlocks * s.VfsBsize
	b.VfsFree = s.VfsBavail * s.VfsBsize
	if b.VfsTotal > b.VfsFree {
		b.VfsUsed = b.VfsTotal - b.VfsFree
	}

	if s.BlobSizeLimit > 0 {
		b.TotalSpace = min64(s.BlobSizeLimit, b.VfsTotal)
		b.UsedSpace = s.BaseSize
		free := int64(b.TotalSpace) - int64(b.UsedSpace)
		if free < 0 {
			free = 0
		}
		b.FreeSpace = min64(b.VfsFree, uint64(free))
	} else {
		b.TotalSpace = b.VfsTotal
		b.UsedSpace = b.VfsUsed
		b.FreeSpace = b.VfsFree
	}

	if b.VfsTotal > 0 {
		reservedShare := ceilDiv(reservedSpace*b.TotalSpace, b.VfsTotal)
		if reservedShare > b.TotalSpace {
			b.EffectiveSpace = 0
		} else {
			b.EffectiveSpace = b.TotalSpace - reservedShare
		}
	} else {
		b.EffectiveSpace = 0
	}

	if s.RecordsTotal > 0 {
		b.Fragmentation = float64(s.RecordsRemoved) / float64(maxU64(s.RecordsTotal, 1))
	} else {
		b.Fragmentation = 0
	}

	if b.prevStat != nil {
		dt := s.Timestamp().Sub(b.prevStat.Timestamp()).Seconds()
		if dt > 1.0 {
			b.ReadRPS = float64(s.ReadIOs-b.prevStat.ReadIOs) / dt
			b.WriteRPS = float64(s.WriteIOs-b.prevStat.WriteIOs) / dt
		}
	}
	b.MaxReadRPS = maxF(b.ReadRPS/maxF(loadAverage, 0.01), 100)
	b.MaxWriteRPS = maxF(b.WriteRPS/maxF(loadAverage, 0.01), 100)

	prev := s
	b.prevStat = &prev
	b.GroupID = s.Group
	b.FSID = s.Fsid
	b.UpdateTime = s.Timestamp()
}

// Merge folds other into b if other is newer.
func (b *Backend) Merge(other *Backend) (haveNewer bool) {
	if other.UpdateTime.After(b.UpdateTime) {
		*b = *other
		return true
	}
	return false
}

// Full reports whether the backend has no effective space left to write to.
func (b *Backend) Full() bool {
	return b.EffectiveSpace == 0
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// ceilDiv computes ceil(num/den) for integer byte-count arithmetic,
// matching the original's ceil-at-the-backend-level rounding.
func ceilDiv(num, den uint64) uint64 {
	if den == 0 {
		return 0
	}
	return (num + den - 1) / den
}

// FSStatus is the derived health of a filesystem.
type FSStatus string

const (
	FSOk     FSStatus = "OK"
	FSBroken FSStatus = "BROKEN"
)

// FSStat is the rolling sample backing a Filesystem.
type FSStat struct {
	Timestamp  time.Time
	TotalSpace uint64
}

// Filesystem aggregates the backends stored on one (node, fsid) mount.
type Filesystem struct {
	Key     string
	NodeKey string
	FSID    uint64

	Stat FSStat

	BackendIDs map[int]struct{}

	Status FSStatus
}

// FilesystemKey formats the stable identity of a filesystem.
func FilesystemKey(nodeKey string, fsid uint64) string {
	return nodeKey + "/" + uitoa(fsid)
}

func uitoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// NewFilesystem builds an empty Filesystem.
func NewFilesystem(nodeKey string, fsid uint64) *Filesystem {
	return &Filesystem{
		Key:        FilesystemKey(nodeKey, fsid),
		NodeKey:    nodeKey,
		FSID:       fsid,
		BackendIDs: make(map[int]struct{}),
		Status:     FSOk,
	}
}

// UpdateFromBackend refreshes the filesystem's rolling stat from a backend
// that reports residing on it.
func (f *Filesystem) UpdateFromBackend(b *Backend) {
	if b.Stat.Timestamp().After(f.Stat.Timestamp) {
		f.Stat.Timestamp = b.Stat.Timestamp()
	}
	if b.VfsTotal > f.Stat.TotalSpace {
		f.Stat.TotalSpace = b.VfsTotal
	}
}

// Merge folds other into f if other is newer.
func (f *Filesystem) Merge(other *Filesystem) (haveNewer bool) {
	if other.Stat.Timestamp.After(f.Stat.Timestamp) {
		f.Stat = other.Stat
		f.Status = other.Status
		return true
	}
	return false
}

// GroupType classifies a group's role, carried from the original's
// calculate_type().
type GroupType string

const (
	GroupTypeData     GroupType = "DATA"
	GroupTypeCache    GroupType = "CACHE"
	GroupTypeUnmarked GroupType = "UNMARKED"
)

// GroupStatus is the derived health of a group.
type GroupStatus string

const (
	GroupInit      GroupStatus = "INIT"
	GroupCoupled   GroupStatus = "COUPLED"
	GroupBad       GroupStatus = "BAD"
	GroupBroken    GroupStatus = "BROKEN"
	GroupRO        GroupStatus = "RO"
	GroupMigrating GroupStatus = "MIGRATING"
)

// InternalStatus is the fine-grained change-detection state carried
// verbatim from the original Group::Status enumeration.
type InternalStatus string

const (
	InitInit                  InternalStatus = "INIT_Init"
	InitNoBackends            InternalStatus = "INIT_NoBackends"
	InitMetadataFailed        InternalStatus = "INIT_MetadataFailed"
	InitUncoupled             InternalStatus = "INIT_Uncoupled"
	BrokenDHTForbidden        InternalStatus = "BROKEN_DHTForbidden"
	BadHaveOther              InternalStatus = "BAD_HaveOther"
	BadParseFailed            InternalStatus = "BAD_ParseFailed"
	BadInconsistentCouple     InternalStatus = "BAD_InconsistentCouple"
	BadDifferentMetadata      InternalStatus = "BAD_DifferentMetadata"
	BadCoupleBAD              InternalStatus = "BAD_CoupleBAD"
	BadNoActiveJob            InternalStatus = "BAD_NoActiveJob"
	MigratingServiceMigrating InternalStatus = "MIGRATING_ServiceMigrating"
	ROHaveROBackends          InternalStatus = "RO_HaveROBackends"
	CoupledMetadataOK         InternalStatus = "COUPLED_MetadataOK"
	CoupledCoupled            InternalStatus = "COUPLED_Coupled"
)

// GroupMetadata is the parsed per-group metakey payload (v1 or v2 encoding).
type GroupMetadata struct {
	Version          int
	Frozen           bool
	CoupleIDs        []int
	NamespaceName    string
	Type             string
	ServiceMigrating bool
	ServiceJobID     string
}

// Group is a replica identity realized by 0..N backends.
type Group struct {
	ID int

	BackendKeys map[string]struct{}

	Metadata       GroupMetadata
	MetadataParsed bool
	ParseError     string

	CoupleKey     string
	NamespaceName string
	JobID         string

	Type           GroupType
	Status         GroupStatus
	InternalStatus InternalStatus
	StatusText     string

	// TotalSpace/EffectiveSpace are the minimum across member backends,
	// recomputed by the storage layer on every update before the status
	// cascade runs.
	TotalSpace     uint64
	EffectiveSpace uint64

	UpdateTime time.Time
}

// NewGroup builds an empty Group, defaulting to INIT_NoBackends.
func NewGroup(id int) *Group {
	return &Group{
		ID:             id,
		BackendKeys:    make(map[string]struct{}),
		Status:         GroupInit,
		InternalStatus: InitNoBackends,
	}
}

// Merge folds other into g if other is newer.
func (g *Group) Merge(other *Group) (haveNewer bool) {
	if other.UpdateTime.After(g.UpdateTime) {
		backends := g.BackendKeys
		for k := range other.BackendKeys {
			backends[k] = struct{}{}
		}
		*g = *other
		g.BackendKeys = backends
		return true
	}
	return false
}

// CoupleStatus is the derived health of a couple.
type CoupleStatus string

const (
	CoupleInit           CoupleStatus = "INIT"
	CoupleOK             CoupleStatus = "OK"
	CoupleFull           CoupleStatus = "FULL"
	CoupleBad            CoupleStatus = "BAD"
	CoupleBroken         CoupleStatus = "BROKEN"
	CoupleRO             CoupleStatus = "RO"
	CoupleFrozen         CoupleStatus = "FROZEN"
	CoupleMigrating      CoupleStatus = "MIGRATING"
	CoupleServiceActive  CoupleStatus = "SERVICE_ACTIVE"
	CoupleServiceStalled CoupleStatus = "SERVICE_STALLED"
)

// Couple is an ordered tuple of groups replicating the same data.
type Couple struct {
	Key           string
	GroupIDs      []int
	NamespaceName string

	Status     CoupleStatus
	StatusText string

	EffectiveSpace     uint64
	EffectiveFreeSpace uint64

	ModifiedTime time.Time
}

// CoupleKey formats the stable identity of a couple from sorted group ids.
func CoupleKey(groupIDs []int) string {
	s := ""
	for i, id := range groupIDs {
		if i > 0 {
			s += ":"
		}
		s += itoa(id)
	}
	return s
}

// NewCouple builds an empty Couple.
func NewCouple(groupIDs []int) *Couple {
	return &Couple{
		Key:      CoupleKey(groupIDs),
		GroupIDs: append([]int(nil), groupIDs...),
		Status:   CoupleInit,
	}
}

// Merge folds other into c if other is newer, using ModifiedTime as the
// merge-ordering tiebreak spec.md calls out explicitly for couples.
func (c *Couple) Merge(other *Couple) (haveNewer bool) {
	if other.ModifiedTime.After(c.ModifiedTime) {
		*c = *other
		return true
	}
	return false
}

// NamespaceSettings carries the reserved-space fraction and whether the
// namespace has been explicitly configured (vs. defaulted).
type NamespaceSettings struct {
	ReservedFraction float64
	HasSettings      bool
}

// Namespace is an administrative grouping of couples.
type Namespace struct {
	Name       string
	CoupleKeys map[string]struct{}
	Settings   NamespaceSettings
}

// NewNamespace builds an empty Namespace.
func NewNamespace(name string) *Namespace {
	return &Namespace{Name: name, CoupleKeys: make(map[string]struct{})}
}

// Merge folds other's couple membership into n; namespaces have no
// timestamp of their own, so membership is always unioned.
func (n *Namespace) Merge(other *Namespace) (haveNewer bool) {
	for k := range other.CoupleKeys {
		if _, ok := n.CoupleKeys[k]; !ok {
			n.CoupleKeys[k] = struct{}{}
			haveNewer = true
		}
	}
	if other.Settings.HasSettings && !n.Settings.HasSettings {
		n.Settings = other.Settings
		haveNewer = true
	}
	return haveNewer
}

// JobType enumerates the external job-queue's job kinds.
type JobType string

const (
	JobMove         JobType = "MOVE"
	JobRecoverDC    JobType = "RECOVER_DC"
	JobCoupleDefrag JobType = "COUPLE_DEFRAG"
	JobRestoreGroup JobType = "RESTORE_GROUP"
)

// JobStatus enumerates the external job-queue's lifecycle states.
type JobStatus string

const (
	JobNew          JobStatus = "NEW"
	JobNotApproved  JobStatus = "NOT_APPROVED"
	JobExecuting    JobStatus = "EXECUTING"
	JobPending      JobStatus = "PENDING"
	JobBroken       JobStatus = "BROKEN"
	JobCompleted    JobStatus = "COMPLETED"
	JobCancelled    JobStatus = "CANCELLED"
)

// Job is carried per group by reference (GroupID).
type Job struct {
	ID        string
	Type      JobType
	Status    JobStatus
	GroupID   int
	RoundTime time.Time
}

// Active reports whether the job should still block/gate its group, i.e.
// it was returned by the jobs query filter (status not completed/cancelled).
func (j *Job) Active() bool {
	return j.Status != JobCompleted && j.Status != JobCancelled
}

// GroupHistoryEntry is one group-topology change record; the latest
// non-automatic entry wins and supplies the group's backend set.
type GroupHistoryEntry struct {
	GroupID      int
	Timestamp    time.Time
	Type         string
	BackendAddrs []string
}

// IsAutomatic reports whether this entry was machine-generated and
// therefore never wins over a manual entry, whatever their timestamps.
func (e GroupHistoryEntry) IsAutomatic() bool {
	return e.Type == "automatic"
}

// Host is a resolved (addr, name, dc) triple from the inventory cache.
type Host struct {
	Addr string
	Name string
	DC   string
}
