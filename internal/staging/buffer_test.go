package staging

import (
	"testing"
	"time"

	"github.com/chronolake/chronolake/pkg/types"
)

func rec(tsMs int64, device string, value float64) types.Record {
	return types.Record{
		"timestamp": types.Timestamp(time.UnixMilli(tsMs)),
		"device_id": types.String(device),
		"value":     types.Double(value),
	}
}

func TestBuffer_AppendScan(t *testing.T) {
	buf, err := NewBuffer(t.TempDir(), 0, "timestamp")
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer buf.Close()

	seq1, err := buf.Append("ds-1", []types.Record{rec(1000, "a", 1), rec(2000, "a", 2)})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	seq2, err := buf.Append("ds-1", []types.Record{rec(3000, "b", 3)})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if seq2 <= seq1 {
		t.Errorf("sequence not monotonic: %d then %d", seq1, seq2)
	}
	if _, err := buf.Append("ds-2", []types.Record{rec(1500, "x", 9)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	rows, err := buf.Scan("ds-1", 0, 10_000)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("expected 3 rows for ds-1, got %d", len(rows))
	}
	for _, r := range rows {
		if r.Source != SourceHot {
			t.Errorf("unsealed rows should be hot, got %q", r.Source)
		}
	}

	// Window excludes the row at t=3000.
	rows, err = buf.Scan("ds-1", 1000, 2000)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(rows) != 2 {
		t.Errorf("expected 2 rows in window, got %d", len(rows))
	}
}

func TestBuffer_SealMovesRowsToStaged(t *testing.T) {
	buf, err := NewBuffer(t.TempDir(), 0, "timestamp")
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer buf.Close()

	if _, err := buf.Append("ds", []types.Record{rec(1000, "a", 1)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := buf.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := buf.Append("ds", []types.Record{rec(2000, "a", 2)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	rows, err := buf.Scan("ds", 0, 10_000)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(rows))
	}
	if rows[0].Source != SourceStaged {
		t.Errorf("sealed row should be staged, got %q", rows[0].Source)
	}
	if rows[1].Source != SourceHot {
		t.Errorf("active row should be hot, got %q", rows[1].Source)
	}
}

func TestBuffer_MarkFolded(t *testing.T) {
	buf, err := NewBuffer(t.TempDir(), 0, "timestamp")
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer buf.Close()

	if _, err := buf.Append("ds", []types.Record{rec(1000, "a", 1)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := buf.Seal(); err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if _, err := buf.Append("ds", []types.Record{rec(2000, "a", 2)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	watermark := buf.PendingSeq("ds")
	if watermark == 0 {
		t.Fatal("expected pending sealed rows")
	}
	if err := buf.MarkFolded("ds", watermark); err != nil {
		t.Fatalf("MarkFolded failed: %v", err)
	}

	rows, err := buf.Scan("ds", 0, 10_000)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(rows) != 1 || rows[0].TimestampMs != 2000 {
		t.Fatalf("expected only the hot row to remain, got %+v", rows)
	}
}

func TestBuffer_RecoversAfterReopen(t *testing.T) {
	dir := t.TempDir()

	buf, err := NewBuffer(dir, 0, "timestamp")
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	if _, err := buf.Append("ds", []types.Record{rec(1000, "a", 1), rec(2000, "b", 2)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	lastSeq := buf.CurrentSeq()
	if err := buf.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	reopened, err := NewBuffer(dir, 0, "timestamp")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.CurrentSeq() != lastSeq {
		t.Errorf("sequence not recovered: got %d, want %d", reopened.CurrentSeq(), lastSeq)
	}
	rows, err := reopened.Scan("ds", 0, 10_000)
	if err != nil {
		t.Fatalf("Scan after reopen failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected 2 recovered rows, got %d", len(rows))
	}
	if rows[0].Record["device_id"].Str != "a" {
		t.Errorf("record content not recovered: %+v", rows[0].Record)
	}
	if rows[0].Record["timestamp"].Kind != types.KindTimestamp {
		t.Errorf("timestamp kind lost in recovery: %+v", rows[0].Record["timestamp"])
	}
}

func TestBuffer_SkipsRowsWithoutTimestamp(t *testing.T) {
	buf, err := NewBuffer(t.TempDir(), 0, "timestamp")
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	defer buf.Close()

	bad := types.Record{"device_id": types.String("a")}
	if _, err := buf.Append("ds", []types.Record{bad, rec(1000, "b", 1)}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	rows, err := buf.Scan("ds", 0, 10_000)
	if err != nil {
		t.Fatalf("Scan failed: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("expected untimestamped row skipped, got %d rows", len(rows))
	}
}
