package merge

import (
	"encoding/json"
	"fmt"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/shard"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/timeline"
)

// PartitionLocation is one upstream worker's report: the shard spec it
// decided on for an (interval, bucket) and the object key where its partial
// output can be fetched. Multiple locations may share the same key when
// several workers wrote data into the same logical bucket; their specs
// must agree.
type PartitionLocation struct {
	Interval  timeline.Interval
	Bucket    int
	Spec      shard.Spec
	ObjectKey string
	WorkerID  string
}

// locationWire is the JSON shape of a PartitionLocation in the task spec.
type locationWire struct {
	Interval  timeline.Interval `json:"interval"`
	Bucket    int               `json:"bucket"`
	Spec      json.RawMessage   `json:"shard_spec"`
	ObjectKey string            `json:"object_key"`
	WorkerID  string            `json:"worker_id,omitempty"`
}

// MarshalJSON encodes the location with its shard spec as a tagged envelope.
func (l PartitionLocation) MarshalJSON() ([]byte, error) {
	spec, err := shard.EncodeSpec(l.Spec)
	if err != nil {
		return nil, fmt.Errorf("location %s bucket %d: %w", l.Interval, l.Bucket, err)
	}
	return json.Marshal(locationWire{
		Interval:  l.Interval,
		Bucket:    l.Bucket,
		Spec:      spec,
		ObjectKey: l.ObjectKey,
		WorkerID:  l.WorkerID,
	})
}

// UnmarshalJSON decodes the wire form, including the shard spec envelope.
func (l *PartitionLocation) UnmarshalJSON(data []byte) error {
	var w locationWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	spec, err := shard.DecodeSpec(w.Spec)
	if err != nil {
		return fmt.Errorf("location %s bucket %d: %w", w.Interval, w.Bucket, err)
	}
	if w.Bucket < 0 {
		return fmt.Errorf("location %s: negative bucket %d", w.Interval, w.Bucket)
	}
	*l = PartitionLocation{
		Interval:  w.Interval,
		Bucket:    w.Bucket,
		Spec:      spec,
		ObjectKey: w.ObjectKey,
		WorkerID:  w.WorkerID,
	}
	return nil
}
