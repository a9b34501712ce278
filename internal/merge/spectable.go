// Package merge implements the partial-segment merge phase: reconciling
// per-worker partition reports into a single authoritative shard-spec table,
// then building one merged segment per (interval, bucket).
package merge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/shard"
	"github.com/withObsrvr/obsrvr-segment-merger/internal/timeline"
)

// tableKey is the composite (interval, bucket) map key.
type tableKey struct {
	interval timeline.Key
	bucket   int
}

// Key identifies one (interval, bucket) entry of a SpecTable.
type Key struct {
	Interval timeline.Interval
	Bucket   int
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Interval, k.Bucket)
}

// SpecTable maps (interval, bucket) to the single shard spec every upstream
// report for that key agreed on. It is built once by BuildSpecTable and
// sealed: lookups never mutate it, so any number of goroutines may call
// Resolve concurrently during the merge phase.
type SpecTable struct {
	entries map[tableKey]shard.Spec
}

// BuildSpecTable reconciles partition-location reports into a SpecTable.
// Reports are processed in input order; the first report for a key
// establishes the accepted spec and every later report for the same key must
// compare Equal to it. The first disagreement aborts the build with a
// *SpecConflictError. Conflicting specs are never averaged or resolved by
// preference, since downstream partition numbering depends on exact
// agreement. An empty input yields an empty table.
func BuildSpecTable(locations []PartitionLocation) (*SpecTable, error) {
	entries := make(map[tableKey]shard.Spec, len(locations))

	for _, loc := range locations {
		key := tableKey{interval: loc.Interval.Key(), bucket: loc.Bucket}
		current, ok := entries[key]
		if !ok {
			entries[key] = loc.Spec
			continue
		}
		if !current.Equal(loc.Spec) {
			return nil, &SpecConflictError{
				Interval:    loc.Interval,
				Bucket:      loc.Bucket,
				Established: current,
				Conflicting: loc.Spec,
			}
		}
	}

	return &SpecTable{entries: entries}, nil
}

// Resolve returns the shard spec the merged segment for (interval, bucket)
// must use. A missing key means the bucket assignment and the location
// reports the task was given disagree; that is an orchestration invariant
// violation, reported as a *SpecNotFoundError carrying every known key.
func (t *SpecTable) Resolve(interval timeline.Interval, bucket int) (shard.Spec, error) {
	spec, ok := t.entries[tableKey{interval: interval.Key(), bucket: bucket}]
	if !ok {
		return nil, &SpecNotFoundError{
			Interval: interval,
			Bucket:   bucket,
			Known:    t.Keys(),
		}
	}
	return spec, nil
}

// Len returns the number of distinct (interval, bucket) entries.
func (t *SpecTable) Len() int {
	return len(t.entries)
}

// Keys returns a snapshot of all reconciled keys, sorted by interval then
// bucket.
func (t *SpecTable) Keys() []Key {
	keys := make([]Key, 0, len(t.entries))
	for k := range t.entries {
		keys = append(keys, Key{Interval: k.interval.Interval(), Bucket: k.bucket})
	}
	sort.Slice(keys, func(i, j int) bool {
		if !keys[i].Interval.Equal(keys[j].Interval) {
			return keys[i].Interval.Before(keys[j].Interval)
		}
		return keys[i].Bucket < keys[j].Bucket
	})
	return keys
}

// SpecConflictError reports two upstream workers disagreeing on the shard
// spec for the same (interval, bucket). It is fatal to task construction.
type SpecConflictError struct {
	Interval    timeline.Interval
	Bucket      int
	Established shard.Spec
	Conflicting shard.Spec
}

func (e *SpecConflictError) Error() string {
	return fmt.Sprintf("interval %s, bucket %d mismatched shard specs: %s and %s",
		e.Interval, e.Bucket, e.Established, e.Conflicting)
}

// SpecNotFoundError reports a lookup for a key the reconciled table does not
// contain. Known holds a snapshot of every reconciled key for diagnosis.
// It indicates a bug in bucket assignment, not a transient condition, and is
// never retried.
type SpecNotFoundError struct {
	Interval timeline.Interval
	Bucket   int
	Known    []Key
}

func (e *SpecNotFoundError) Error() string {
	known := make([]string, len(e.Known))
	for i, k := range e.Known {
		known[i] = k.String()
	}
	return fmt.Sprintf("no shard spec exists for interval %s, bucket %d: known keys [%s]",
		e.Interval, e.Bucket, strings.Join(known, " "))
}
