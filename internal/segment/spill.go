package segment

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// Spill holds sorted runs on disk when a bucket has too many partials to
// keep in memory while the remaining fetches run. Runs are zstd-compressed
// JSON frames in a temp file, read back one at a time for the final merge.
type Spill struct {
	file *os.File
	runs int
}

// NewSpill creates a spill file in the default temp directory.
func NewSpill() (*Spill, error) {
	f, err := os.CreateTemp("", "segment-merger-spill-*.zst")
	if err != nil {
		return nil, fmt.Errorf("create spill file: %w", err)
	}
	return &Spill{file: f}, nil
}

// Add appends one sorted run to the spill file.
func (s *Spill) Add(run []Row) error {
	frame, err := EncodeRun(run)
	if err != nil {
		return err
	}
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(frame)))
	if _, err := s.file.Write(size[:]); err != nil {
		return fmt.Errorf("write spill frame header: %w", err)
	}
	if _, err := s.file.Write(frame); err != nil {
		return fmt.Errorf("write spill frame: %w", err)
	}
	s.runs++
	return nil
}

// Runs returns the number of spilled runs.
func (s *Spill) Runs() int { return s.runs }

// ReadAll reads every spilled run back into memory for merging.
func (s *Spill) ReadAll() ([][]Row, error) {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("rewind spill file: %w", err)
	}

	runs := make([][]Row, 0, s.runs)
	for i := 0; i < s.runs; i++ {
		var size [8]byte
		if _, err := io.ReadFull(s.file, size[:]); err != nil {
			return nil, fmt.Errorf("read spill frame header %d: %w", i, err)
		}
		frame := make([]byte, binary.BigEndian.Uint64(size[:]))
		if _, err := io.ReadFull(s.file, frame); err != nil {
			return nil, fmt.Errorf("read spill frame %d: %w", i, err)
		}
		run, err := DecodeRun(frame)
		if err != nil {
			return nil, fmt.Errorf("decode spill frame %d: %w", i, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// Close removes the underlying temp file.
func (s *Spill) Close() error {
	name := s.file.Name()
	if err := s.file.Close(); err != nil {
		os.Remove(name)
		return err
	}
	return os.Remove(name)
}

// EncodeRun serializes a sorted run as a zstd-compressed JSON frame.
func EncodeRun(run []Row) ([]byte, error) {
	raw, err := json.Marshal(run)
	if err != nil {
		return nil, fmt.Errorf("encode run: %w", err)
	}

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd writer: %w", err)
	}
	if _, err := enc.Write(raw); err != nil {
		enc.Close()
		return nil, fmt.Errorf("compress run: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("flush zstd frame: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeRun reverses EncodeRun.
func DecodeRun(frame []byte) ([]Row, error) {
	dec, err := zstd.NewReader(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer dec.Close()

	raw, err := io.ReadAll(dec)
	if err != nil {
		return nil, fmt.Errorf("decompress run: %w", err)
	}
	var run []Row
	if err := json.Unmarshal(raw, &run); err != nil {
		return nil, fmt.Errorf("decode run: %w", err)
	}
	return run, nil
}
