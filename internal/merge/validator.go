package merge

import (
	"fmt"
	"strings"

	"github.com/withObsrvr/obsrvr-segment-merger/internal/segment"
)

// ValidationResult contains the outcome of segment validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

// validateSegment performs quality checks on a merged segment before publish.
// This validates:
// - Non-empty output
// - Row ordering (sorted by sort key, then timestamp)
// - Row timestamps within the segment interval
// - Row count consistency between rows and parquet output
// - Checksum integrity
// - Shard spec bucket matching the segment bucket
func validateSegment(built *builtSegment, rows []segment.Row) ValidationResult {
	result := ValidationResult{
		Passed: true,
	}
	fail := func(format string, args ...any) {
		result.Errors = append(result.Errors, fmt.Sprintf(format, args...))
		result.Passed = false
	}

	// Check 1: Non-empty segment
	if len(rows) == 0 {
		fail("segment has no rows")
	}
	if built.Output == nil || len(built.Output.Data) == 0 {
		fail("empty parquet output")
		return result
	}

	// Check 2: Row ordering
	for i := 1; i < len(rows); i++ {
		if rows[i].Less(rows[i-1]) {
			fail("rows out of order at index %d: %q before %q",
				i, rows[i-1].SortKey, rows[i].SortKey)
			break
		}
	}

	// Check 3: Rows inside the segment interval
	for i, r := range rows {
		if !built.Ref.Interval.Contains(r.Timestamp) {
			fail("row %d timestamp %s outside interval %s",
				i, r.Timestamp.UTC().Format("2006-01-02T15:04:05.000Z"), built.Ref.Interval)
			break
		}
	}

	// Check 4: Row count consistency
	if built.Output.RowCount != int64(len(rows)) {
		fail("row count mismatch: output says %d, merged %d", built.Output.RowCount, len(rows))
	}

	// Check 5: Checksum integrity
	if !strings.HasPrefix(built.Output.Checksum, "sha256:") {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("checksum in non-standard format: %s", built.Output.Checksum))
	} else if !segment.VerifyChecksum(built.Output.Data, built.Output.Checksum) {
		fail("checksum does not match parquet data")
	}

	// Check 6: Shard spec bucket matches the segment bucket
	if built.Spec.BucketID() != built.Ref.Bucket {
		fail("shard spec bucket %d does not match segment bucket %d",
			built.Spec.BucketID(), built.Ref.Bucket)
	}

	return result
}

// errorMessage joins the validation errors for logging and error wrapping.
func (r ValidationResult) errorMessage() string {
	return strings.Join(r.Errors, "; ")
}
