package statsparser

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleResponse = `{
	"timestamp": {"tv_sec": 1700000000, "tv_usec": 500000},
	"procfs": {
		"vm": {"la": [1.25, 1.1, 0.9]},
		"net": {
			"net_interfaces": {
				"lo": {"receive": {"bytes": 999}, "transmit": {"bytes": 999}},
				"eth0": {"receive": {"bytes": 1000}, "transmit": {"bytes": 2000}}
			}
		}
	},
	"backends": {
		"0": {
			"backend_id": 0,
			"status": {"state": 1, "defrag_state": 0, "want_defrag": 0, "read_only": false},
			"backend": {
				"dstat": {"read_ios": 10, "write_ios": 5, "error": 0},
				"vfs": {"blocks": 1000, "bavail": 400, "bsize": 1},
				"summary_stats": {"records_total": 100, "records_removed": 10, "records_removed_size": 0, "base_size": 50, "blob_size": 0},
				"config": {"blob_size_limit": 0, "max_blob_base_size": 0},
				"base_stats": {"fsid": 7, "group": 3}
			}
		},
		"1": {
			"backend_id": 1,
			"status": {"state": 1, "defrag_state": 0, "want_defrag": 0, "read_only": true},
			"backend": {
				"dstat": {"read_ios": 0, "write_ios": 0, "error": 1},
				"vfs": {"blocks": 500, "bavail": 500, "bsize": 1},
				"summary_stats": {"records_total": 0, "records_removed": 0, "records_removed_size": 0, "base_size": 0, "blob_size": 0},
				"config": {"blob_size_limit": 0, "max_blob_base_size": 0},
				"base_stats": {"fsid": 8, "group": 4}
			}
		}
	}
}`

func TestParse_NodeStat(t *testing.T) {
	p := New()
	res, err := p.Parse(strings.NewReader(sampleResponse))
	require.NoError(t, err)
	require.True(t, p.Good())

	assert.Equal(t, 1.25, res.NodeStat.LA1)
	assert.Equal(t, 1.25, res.NodeStat.LoadAverage)
	assert.Equal(t, uint64(1000), res.NodeStat.RxBytes, "loopback interface must be excluded")
	assert.Equal(t, uint64(2000), res.NodeStat.TxBytes)
}

func TestParse_Backends(t *testing.T) {
	p := New()
	res, err := p.Parse(strings.NewReader(sampleResponse))
	require.NoError(t, err)

	require.Contains(t, res.Backends, 0)
	b0 := res.Backends[0]
	assert.Equal(t, uint64(1000), b0.VfsBlocks)
	assert.Equal(t, uint64(400), b0.VfsBavail)
	assert.Equal(t, 3, b0.Group)
	assert.Equal(t, uint64(7), b0.Fsid)
	assert.False(t, b0.HasError)

	require.Contains(t, res.Backends, 1)
	b1 := res.Backends[1]
	assert.True(t, b1.HasError)
	assert.True(t, b1.ReadOnly)
	assert.Equal(t, 4, b1.Group)
}

func TestParse_MalformedJSONReturnsError(t *testing.T) {
	p := New()
	_, err := p.Parse(strings.NewReader("not json"))
	assert.Error(t, err)
	assert.False(t, p.Good())
}

func TestParse_MissingSectionsYieldZeroValueWithoutError(t *testing.T) {
	p := New()
	res, err := p.Parse(strings.NewReader(`{}`))
	require.NoError(t, err)
	assert.Zero(t, res.NodeStat.LA1)
	assert.Empty(t, res.Backends)
}
