// Package segment holds the merged-segment row schema and the machinery
// that turns fetched partial partitions into final parquet output.
package segment

import (
	"bytes"
	"container/heap"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/parquet-go/parquet-go"
)

// Row is one record of the merge phase. Upstream workers write partial
// partitions sorted by (sort_key, timestamp); the merger preserves that
// order in the final segment.
type Row struct {
	SortKey    string    `parquet:"sort_key"`
	Timestamp  time.Time `parquet:"timestamp,timestamp(millisecond)"`
	Payload    []byte    `parquet:"payload"`
	WorkerID   string    `parquet:"worker_id"`
	IngestedAt time.Time `parquet:"ingested_at,timestamp(millisecond)"`
}

// Less orders rows by sort key, then timestamp.
func (r Row) Less(other Row) bool {
	if r.SortKey != other.SortKey {
		return r.SortKey < other.SortKey
	}
	return r.Timestamp.Before(other.Timestamp)
}

// mergeHeap implements a k-way merge over sorted runs. Ties break on run
// index so the merge is stable with respect to input run order.
type mergeHeap struct {
	runs [][]Row
	pos  []int
	idx  []int // heap of run indices
}

func (h *mergeHeap) Len() int { return len(h.idx) }

func (h *mergeHeap) Less(i, j int) bool {
	ri, rj := h.idx[i], h.idx[j]
	a, b := h.runs[ri][h.pos[ri]], h.runs[rj][h.pos[rj]]
	if a.Less(b) {
		return true
	}
	if b.Less(a) {
		return false
	}
	return ri < rj
}

func (h *mergeHeap) Swap(i, j int) { h.idx[i], h.idx[j] = h.idx[j], h.idx[i] }

func (h *mergeHeap) Push(x any) { h.idx = append(h.idx, x.(int)) }

func (h *mergeHeap) Pop() any {
	n := len(h.idx)
	v := h.idx[n-1]
	h.idx = h.idx[:n-1]
	return v
}

// Merge combines pre-sorted runs into a single run ordered by
// (sort_key, timestamp). Equal keys keep their input run order.
func Merge(runs [][]Row) []Row {
	total := 0
	for _, run := range runs {
		total += len(run)
	}
	if total == 0 {
		return nil
	}

	h := &mergeHeap{runs: runs, pos: make([]int, len(runs))}
	for i, run := range runs {
		if len(run) > 0 {
			h.idx = append(h.idx, i)
		}
	}
	heap.Init(h)

	out := make([]Row, 0, total)
	for h.Len() > 0 {
		ri := h.idx[0]
		out = append(out, h.runs[ri][h.pos[ri]])
		h.pos[ri]++
		if h.pos[ri] < len(h.runs[ri]) {
			heap.Fix(h, 0)
		} else {
			heap.Pop(h)
		}
	}
	return out
}

// Output is the materialized parquet form of a merged segment.
type Output struct {
	Data     []byte
	Checksum string
	RowCount int64
}

// WriteParquet serializes rows with the requested page compression
// ("snappy", "zstd" or "none").
func WriteParquet(rows []Row, compression string) (*Output, error) {
	var codec parquet.WriterOption
	switch compression {
	case "zstd":
		codec = parquet.Compression(&parquet.Zstd)
	case "none":
		codec = parquet.Compression(&parquet.Uncompressed)
	case "snappy", "":
		codec = parquet.Compression(&parquet.Snappy)
	default:
		return nil, fmt.Errorf("unsupported parquet compression %q", compression)
	}

	var buf bytes.Buffer
	if err := parquet.Write(&buf, rows, codec); err != nil {
		return nil, fmt.Errorf("write parquet: %w", err)
	}

	data := buf.Bytes()
	return &Output{
		Data:     data,
		Checksum: ComputeChecksum(data),
		RowCount: int64(len(rows)),
	}, nil
}

// ReadParquet decodes the rows of a partial-partition parquet object.
func ReadParquet(data []byte) ([]Row, error) {
	rows, err := parquet.Read[Row](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read parquet: %w", err)
	}
	return rows, nil
}

// ComputeChecksum computes a SHA256 checksum for the given data.
func ComputeChecksum(data []byte) string {
	hash := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(hash[:])
}

// VerifyChecksum verifies that data matches the expected checksum.
func VerifyChecksum(data []byte, expected string) bool {
	return ComputeChecksum(data) == expected
}
