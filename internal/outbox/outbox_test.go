package outbox

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestOutbox(t *testing.T) *Outbox {
	t.Helper()
	o, err := New(filepath.Join(t.TempDir(), "audit", "outbox.jsonl"))
	require.NoError(t, err)
	return o
}

func TestEveryRecordIsOneLine(t *testing.T) {
	o := newTestOutbox(t)

	require.NoError(t, o.WriteOrder(OrderRecord{AuditID: "a1", OrderID: "O1", Symbol: "005930", Side: "buy", Quantity: 10, Price: 75_000}))
	require.NoError(t, o.WriteFill(FillRecord{AuditID: "a2", OrderID: "O1", Symbol: "005930", Side: "buy", Quantity: 10, Price: 74_900}))

	data, err := os.ReadFile(o.path)
	require.NoError(t, err)
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	require.Equal(t, 2, lines)
}

func TestReadFillsSinceFiltersByTimeAndType(t *testing.T) {
	o := newTestOutbox(t)

	require.NoError(t, o.WriteOrder(OrderRecord{AuditID: "a1", OrderID: "O1"}))
	require.NoError(t, o.WriteFill(FillRecord{AuditID: "a2", OrderID: "O1", Symbol: "005930", Quantity: 10, Price: 74_900, ExecutionID: "E1"}))
	require.NoError(t, o.WriteFill(FillRecord{AuditID: "a3", OrderID: "O2", Symbol: "000660", Quantity: 3, Price: 120_000, ExecutionID: "E2"}))

	fills, err := o.ReadFillsSince(time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, fills, 2)
	require.Equal(t, "E1", fills[0].ExecutionID)
	require.Equal(t, "E2", fills[1].ExecutionID)

	// Nothing written after the future cutoff.
	fills, err = o.ReadFillsSince(time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Empty(t, fills)
}

func TestReadFillsOnMissingFileIsEmpty(t *testing.T) {
	o, err := New(filepath.Join(t.TempDir(), "never-written.jsonl"))
	require.NoError(t, err)

	fills, err := o.ReadFillsSince(time.Time{})
	require.NoError(t, err)
	require.Empty(t, fills)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	o := newTestOutbox(t)
	require.NoError(t, o.WriteFill(FillRecord{AuditID: "a1", OrderID: "O1", ExecutionID: "E1"}))

	f, err := os.OpenFile(o.path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.NoError(t, o.WriteFill(FillRecord{AuditID: "a2", OrderID: "O2", ExecutionID: "E2"}))

	fills, err := o.ReadFillsSince(time.Time{})
	require.NoError(t, err)
	require.Len(t, fills, 2)
}
