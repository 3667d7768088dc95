package metadata

import (
	"encoding/json"
	"fmt"

	"github.com/mstate/collector/internal/core"
)

// ParseGroupMetadata decodes a metakey payload in either of the two
// supported encodings:
//
//   - v1: a bare array of group ids (e.g. "[19,23,29]"); namespace defaults
//     to "default", frozen is false.
//   - v2: an object with version/couple/namespace/frozen/type/service keys.
func ParseGroupMetadata(data []byte) (core.GroupMetadata, error) {
	var arr []int
	if err := json.Unmarshal(data, &arr); err == nil {
		return core.GroupMetadata{
			Version:       1,
			Frozen:        false,
			CoupleIDs:     arr,
			NamespaceName: "default",
		}, nil
	}

	var v2 struct {
		Version   int    `json:"version"`
		Couple    []int  `json:"couple"`
		Namespace string `json:"namespace"`
		Frozen    bool   `json:"frozen"`
		Type      string `json:"type"`
		Service   struct {
			Status string `json:"status"`
			JobID  string `json:"job_id"`
		} `json:"service"`
	}
	if err := json.Unmarshal(data, &v2); err != nil {
		return core.GroupMetadata{}, fmt.Errorf("unrecognized group metadata encoding: %w", err)
	}

	return core.GroupMetadata{
		Version:          v2.Version,
		Frozen:           v2.Frozen,
		CoupleIDs:        v2.Couple,
		NamespaceName:    v2.Namespace,
		Type:             v2.Type,
		ServiceMigrating: v2.Service.Status == "MIGRATING",
		ServiceJobID:     v2.Service.JobID,
	}, nil
}
