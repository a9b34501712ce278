// Package shard defines the partitioning descriptors attached to merged
// segments. A Spec describes how rows within one bucket are subdivided and
// ordered in the final output. Specs are immutable values compared by strict
// structural equality: two specs either match exactly or conflict, there is
// no partial-compatibility notion.
package shard

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Spec kinds understood by the decoder.
const (
	KindHash  = "hash"
	KindRange = "range"
)

// Spec is a value-comparable partitioning descriptor.
type Spec interface {
	// Kind identifies the concrete spec type on the wire.
	Kind() string
	// BucketID is the partition bucket this spec describes.
	BucketID() int
	// Equal reports strict structural equality. Specs of different kinds
	// are never equal.
	Equal(other Spec) bool
	fmt.Stringer
}

// HashSpec partitions rows by hashing a fixed list of fields.
type HashSpec struct {
	Bucket     int      `json:"bucket"`
	NumBuckets int      `json:"num_buckets"`
	HashFields []string `json:"hash_fields"`
}

func (s HashSpec) Kind() string  { return KindHash }
func (s HashSpec) BucketID() int { return s.Bucket }

func (s HashSpec) Equal(other Spec) bool {
	o, ok := other.(HashSpec)
	if !ok {
		return false
	}
	if s.Bucket != o.Bucket || s.NumBuckets != o.NumBuckets || len(s.HashFields) != len(o.HashFields) {
		return false
	}
	for i, f := range s.HashFields {
		if o.HashFields[i] != f {
			return false
		}
	}
	return true
}

func (s HashSpec) String() string {
	return fmt.Sprintf("hash(bucket=%d/%d fields=[%s])", s.Bucket, s.NumBuckets, strings.Join(s.HashFields, ","))
}

// AssignBucket maps a composite key to a bucket using xxhash64.
// Deterministic across processes for the same key bytes.
func (s HashSpec) AssignBucket(key []byte) int {
	if s.NumBuckets <= 0 {
		return 0
	}
	return int(xxhash.Sum64(key) % uint64(s.NumBuckets))
}

// RangeSpec partitions rows into contiguous ranges of a sort field.
// Empty Lower or Upper means unbounded on that side.
type RangeSpec struct {
	Bucket    int    `json:"bucket"`
	SortField string `json:"sort_field"`
	Lower     string `json:"lower"`
	Upper     string `json:"upper"`
}

func (s RangeSpec) Kind() string  { return KindRange }
func (s RangeSpec) BucketID() int { return s.Bucket }

func (s RangeSpec) Equal(other Spec) bool {
	o, ok := other.(RangeSpec)
	if !ok {
		return false
	}
	return s == o
}

func (s RangeSpec) String() string {
	lo, hi := s.Lower, s.Upper
	if lo == "" {
		lo = "-inf"
	}
	if hi == "" {
		hi = "+inf"
	}
	return fmt.Sprintf("range(bucket=%d %s:[%s,%s))", s.Bucket, s.SortField, lo, hi)
}

// ContainsKey reports whether a sort-field value falls inside the range.
func (s RangeSpec) ContainsKey(key string) bool {
	if s.Lower != "" && key < s.Lower {
		return false
	}
	if s.Upper != "" && key >= s.Upper {
		return false
	}
	return true
}

// envelope is the tagged wire form of a Spec.
type envelope struct {
	Kind string          `json:"kind"`
	Spec json.RawMessage `json:"spec"`
}

// EncodeSpec serializes a Spec to its tagged JSON envelope. The encoding is
// the conflict-detection currency of the pipeline: a spec decoded from it
// must compare Equal to the original.
func EncodeSpec(s Spec) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("encode shard spec: nil spec")
	}
	body, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encode %s spec: %w", s.Kind(), err)
	}
	return json.Marshal(envelope{Kind: s.Kind(), Spec: body})
}

// DecodeSpec parses a tagged JSON envelope back into a concrete Spec.
func DecodeSpec(data []byte) (Spec, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode shard spec envelope: %w", err)
	}
	switch env.Kind {
	case KindHash:
		var s HashSpec
		if err := json.Unmarshal(env.Spec, &s); err != nil {
			return nil, fmt.Errorf("decode hash spec: %w", err)
		}
		return s, nil
	case KindRange:
		var s RangeSpec
		if err := json.Unmarshal(env.Spec, &s); err != nil {
			return nil, fmt.Errorf("decode range spec: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("decode shard spec: unknown kind %q", env.Kind)
	}
}
