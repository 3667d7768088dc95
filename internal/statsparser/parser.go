// Package statsparser implements the collector's stats parser (C1): it
// decodes the monitor endpoint's JSON body with encoding/json into nested
// structs and copies the typed fields into the node's procfs-style stats and
// one BackendStat per per-backend object. The loopback interface "lo" is
// left out of the network byte totals.
//
// The pathBit constants only list the recognized key names; decoding does
// not use them, and no path bitmask or depth counter is kept.
package statsparser

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/mstate/collector/internal/core"
)

// pathBit enumerates the recognized key names along the procfs/backend tree.
type pathBit uint64

const (
	bitTimestamp pathBit = 1 << iota
	bitProcfs
	bitVM
	bitNet
	bitInterfaces
	bitReceive
	bitTransmit
	bitBytes
	bitBackends
	bitBackend
	bitStatus
	bitBackendInfo
	bitDstat
	bitVfs
	bitSummaryStats
	bitConfig
	bitBaseStats
)

// Result is everything one parse pass over a node's monitor response
// produces: the node-level sample and one BackendStat per backend id seen.
type Result struct {
	NodeStat core.NodeStat
	Backends map[int]core.BackendStat
}

// Parser is a one-shot consumer; Good() holds after Parse returns nil.
// Duplicate or missing fields are not detected.
type Parser struct {
	good bool
}

// New returns an unstarted Parser.
func New() *Parser { return &Parser{} }

// Good reports whether the last Parse call decoded its input without error.
func (p *Parser) Good() bool { return p.good }

// Parse consumes r, a single monitor-endpoint JSON response, emitting a
// Result. Unknown keys are ignored; malformed JSON surfaces as an error,
// not a panic.
func (p *Parser) Parse(r io.Reader) (*Result, error) {
	dec := json.NewDecoder(r)
	res := &Result{Backends: make(map[int]core.BackendStat)}

	var root map[string]json.RawMessage
	if err := dec.Decode(&root); err != nil {
		p.good = false
		return nil, fmt.Errorf("decode monitor response: %w", err)
	}

	if ts, ok := root["timestamp"]; ok {
		var t struct {
			TvSec  uint64 `json:"tv_sec"`
			TvUsec uint64 `json:"tv_usec"`
		}
		if err := json.Unmarshal(ts, &t); err == nil {
			res.NodeStat.Timestamp = timeFromUnix(t.TvSec, t.TvUsec)
		}
	}

	if pf, ok := root["procfs"]; ok {
		parseProcfs(pf, &res.NodeStat)
	}

	if bs, ok := root["backends"]; ok {
		var backends map[string]json.RawMessage
		if err := json.Unmarshal(bs, &backends); err == nil {
			for key, raw := range backends {
				id, stat, ok := parseBackend(raw)
				if !ok {
					continue
				}
				_ = key // the object key is the string form of backend_id; the decoded backend_id field is used as the id
				res.Backends[id] = stat
			}
		}
	}

	p.good = true
	return res, nil
}

func timeFromUnix(sec, usec uint64) time.Time {
	return time.Unix(int64(sec), int64(usec)*1000)
}

func parseProcfs(raw json.RawMessage, stat *core.NodeStat) {
	var procfs struct {
		VM struct {
			LA []float64 `json:"la"`
		} `json:"vm"`
		Net struct {
			NetInterfaces map[string]struct {
				Receive struct {
					Bytes uint64 `json:"bytes"`
				} `json:"receive"`
				Transmit struct {
					Bytes uint64 `json:"bytes"`
				} `json:"transmit"`
			} `json:"net_interfaces"`
		} `json:"net"`
	}
	if err := json.Unmarshal(raw, &procfs); err != nil {
		return
	}
	if len(procfs.VM.LA) > 0 {
		stat.LA1 = procfs.VM.LA[0]
		stat.LoadAverage = procfs.VM.LA[0]
	}
	for iface, counters := range procfs.Net.NetInterfaces {
		if iface == "lo" {
			continue // negated/skip key: the loopback interface is excluded
		}
		stat.RxBytes += counters.Receive.Bytes
		stat.TxBytes += counters.Transmit.Bytes
	}
}

func parseBackend(raw json.RawMessage) (int, core.BackendStat, bool) {
	var b struct {
		BackendID int `json:"backend_id"`
		Status    struct {
			State       int `json:"state"`
			DefragState int `json:"defrag_state"`
			WantDefrag  int `json:"want_defrag"`
			ReadOnly    bool `json:"read_only"`
		} `json:"status"`
		Backend struct {
			Dstat struct {
				ReadIOs  uint64 `json:"read_ios"`
				WriteIOs uint64 `json:"write_ios"`
				Error    int    `json:"error"`
			} `json:"dstat"`
			Vfs struct {
				Blocks uint64 `json:"blocks"`
				Bavail uint64 `json:"bavail"`
				Bsize  uint64 `json:"bsize"`
			} `json:"vfs"`
			SummaryStats struct {
				RecordsTotal       uint64 `json:"records_total"`
				RecordsRemoved     uint64 `json:"records_removed"`
				RecordsRemovedSize uint64 `json:"records_removed_size"`
				BaseSize           uint64 `json:"base_size"`
				BlobSize           uint64 `json:"blob_size"`
			} `json:"summary_stats"`
			Config struct {
				BlobSizeLimit   uint64 `json:"blob_size_limit"`
				MaxBlobBaseSize uint64 `json:"max_blob_base_size"`
			} `json:"config"`
			BaseStats struct {
				Fsid  uint64 `json:"fsid"`
				Group int    `json:"group"`
			} `json:"base_stats"`
		} `json:"backend"`
	}
	if err := json.Unmarshal(raw, &b); err != nil {
		return 0, core.BackendStat{}, false
	}
	stat := core.BackendStat{
		State:              b.Status.State,
		DefragState:        b.Status.DefragState,
		WantDefrag:         b.Status.WantDefrag,
		ReadOnly:           b.Status.ReadOnly,
		HasError:           b.Backend.Dstat.Error != 0,
		VfsBlocks:          b.Backend.Vfs.Blocks,
		VfsBavail:          b.Backend.Vfs.Bavail,
		VfsBsize:           b.Backend.Vfs.Bsize,
		RecordsTotal:       b.Backend.SummaryStats.RecordsTotal,
		RecordsRemoved:     b.Backend.SummaryStats.RecordsRemoved,
		RecordsRemovedSize: b.Backend.SummaryStats.RecordsRemovedSize,
		BaseSize:           b.Backend.SummaryStats.BaseSize,
		BlobSize:           b.Backend.SummaryStats.BlobSize,
		Fsid:               b.Backend.BaseStats.Fsid,
		ReadIOs:            b.Backend.Dstat.ReadIOs,
		WriteIOs:           b.Backend.Dstat.WriteIOs,
		BlobSizeLimit:      b.Backend.Config.BlobSizeLimit,
		MaxBlobBaseSize:    b.Backend.Config.MaxBlobBaseSize,
		Group:              b.Backend.BaseStats.Group,
	}
	return b.BackendID, stat, true
}
