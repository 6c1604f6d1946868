package output

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeSingle(t *testing.T, buf *bytes.Buffer) Record {
	t.Helper()
	var record Record
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	return record
}

func TestNewJSONLWriter(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	assert.NotNil(t, w)
	assert.Equal(t, "run-123", w.RunID())
	assert.Equal(t, "scene.yaml", w.source)
}

func TestJSONLWriter_WriteJob(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")
	fixed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	w.now = func() time.Time { return fixed }

	job := &JobRecord{
		Frame:      3,
		LayerID:    10,
		WorkletID:  1,
		Painted:    true,
		Width:      128,
		Height:     64,
		Ops:        2,
		Image:      "out/frame-0003-layer-10.png",
		Properties: map[string]string{"progress": "0.5"},
	}
	require.NoError(t, w.WriteJob(context.Background(), job))

	record := decodeSingle(t, &buf)
	assert.Equal(t, TypeJob, record.Type)
	assert.Equal(t, "run-123", record.RunID)
	assert.Equal(t, "scene.yaml", record.Source)
	assert.Equal(t, fixed, record.TS)

	var got JobRecord
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, *job, got)
}

func TestJSONLWriter_WriteJob_Unpainted(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-1", "http")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{Frame: 0, LayerID: 4, WorkletID: 9}))

	record := decodeSingle(t, &buf)
	data := string(record.Data)
	assert.Contains(t, data, `"painted":false`)
	assert.NotContains(t, data, "width")
	assert.NotContains(t, data, "image")
	assert.NotContains(t, data, "properties")
}

func TestJSONLWriter_WriteFrame(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	frame := &FrameRecord{
		Frame:         2,
		Timeline:      2 * time.Second / 30,
		Jobs:          3,
		Painted:       2,
		Unpainted:     1,
		MutatorStatus: "completed_with_update",
		Duration:      4 * time.Millisecond,
	}
	require.NoError(t, w.WriteFrame(context.Background(), frame))

	record := decodeSingle(t, &buf)
	assert.Equal(t, TypeFrame, record.Type)

	var got FrameRecord
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, *frame, got)
}

func TestJSONLWriter_WriteError(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	errRec := &ErrorRecord{
		Code:      ErrCodeImage,
		Message:   "permission denied",
		Frame:     1,
		LayerID:   10,
		WorkletID: 1,
	}
	require.NoError(t, w.WriteError(context.Background(), errRec))

	record := decodeSingle(t, &buf)
	assert.Equal(t, TypeError, record.Type)

	var got ErrorRecord
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, ErrCodeImage, got.Code)
	assert.Equal(t, "permission denied", got.Message)
	assert.Equal(t, 10, got.LayerID)
}

func TestJSONLWriter_WriteSummary(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	sum := &SummaryRecord{
		Frames:        10,
		Jobs:          30,
		Painted:       20,
		Unpainted:     10,
		Duration:      30 * time.Second,
		DurationHuman: "30s",
		Errors:        2,
		Worklets:      []int{1, 2},
	}
	require.NoError(t, w.WriteSummary(context.Background(), sum))

	record := decodeSingle(t, &buf)
	assert.Equal(t, TypeSummary, record.Type)

	var got SummaryRecord
	require.NoError(t, json.Unmarshal(record.Data, &got))
	assert.Equal(t, *sum, got)
}

func TestJSONLWriter_NewlineTerminated(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{LayerID: 1}))
	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{LayerID: 2}))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	for _, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record))
	}
}

func TestJSONLWriter_Close(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	require.NoError(t, w.Close())

	err := w.WriteFrame(context.Background(), &FrameRecord{})
	assert.ErrorIs(t, err, ErrWriterClosed)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_ConcurrentWrites(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	const numWriters = 10
	const writesPerWriter = 100

	var wg sync.WaitGroup
	wg.Add(numWriters)
	for i := 0; i < numWriters; i++ {
		go func(writerID int) {
			defer wg.Done()
			for j := 0; j < writesPerWriter; j++ {
				_ = w.WriteJob(context.Background(), &JobRecord{
					Frame:   j,
					LayerID: writerID,
				})
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, numWriters*writesPerWriter)
	for i, line := range lines {
		var record Record
		assert.NoError(t, json.Unmarshal([]byte(line), &record), "line %d should be valid JSON: %s", i, line)
	}
}

func TestJSONLWriter_ContextCancellation(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := w.WriteJob(ctx, &JobRecord{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, buf.String())
}

func TestJSONLWriter_WriteFailure(t *testing.T) {
	w := NewJSONLWriter(&failingWriter{err: errors.New("disk full")}, "run-123", "scene.yaml")

	err := w.WriteJob(context.Background(), &JobRecord{})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "write", writeErr.Op)
}

func TestJSONLWriter_MarshalFailure(t *testing.T) {
	var buf bytes.Buffer
	w := NewJSONLWriter(&buf, "run-123", "scene.yaml")

	err := w.WriteError(context.Background(), &ErrorRecord{Code: ErrCodeInternal, Details: make(chan int)})
	require.Error(t, err)

	var writeErr *WriteError
	require.True(t, errors.As(err, &writeErr))
	assert.Equal(t, "marshal_data", writeErr.Op)
	assert.Empty(t, buf.String())
}

// failingWriter is an io.Writer that always returns an error.
type failingWriter struct {
	err error
}

func (f *failingWriter) Write(p []byte) (n int, err error) {
	return 0, f.err
}

func TestJSONLWriter_ShortWrite(t *testing.T) {
	shortWriter := &shortWriteWriter{bytesPerWrite: 10}
	w := NewJSONLWriter(shortWriter, "run-123", "scene.yaml")

	require.NoError(t, w.WriteJob(context.Background(), &JobRecord{LayerID: 10, WorkletID: 1, Painted: true}))

	lines := strings.Split(strings.TrimSpace(shortWriter.buf.String()), "\n")
	require.Len(t, lines, 1)

	var record Record
	assert.NoError(t, json.Unmarshal([]byte(lines[0]), &record), "output should be valid JSON despite short writes")
	assert.Equal(t, TypeJob, record.Type)
}

func TestJSONLWriter_ZeroWrite(t *testing.T) {
	w := NewJSONLWriter(&zeroWriteWriter{}, "run-123", "scene.yaml")

	err := w.WriteJob(context.Background(), &JobRecord{})
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrShortWrite)
}

// shortWriteWriter writes at most bytesPerWrite bytes per call.
type shortWriteWriter struct {
	buf           bytes.Buffer
	bytesPerWrite int
}

func (sw *shortWriteWriter) Write(p []byte) (n int, err error) {
	toWrite := len(p)
	if toWrite > sw.bytesPerWrite {
		toWrite = sw.bytesPerWrite
	}
	return sw.buf.Write(p[:toWrite])
}

// zeroWriteWriter always returns 0 bytes written with nil error.
type zeroWriteWriter struct{}

func (zw *zeroWriteWriter) Write(p []byte) (n int, err error) {
	return 0, nil
}

func TestWriteError(t *testing.T) {
	underlying := errors.New("underlying error")
	err := &WriteError{Op: "marshal", Err: underlying}

	assert.Equal(t, "output: marshal: underlying error", err.Error())
	assert.ErrorIs(t, err, underlying)
}

func TestRecord_JSONSerialization(t *testing.T) {
	record := Record{
		Type:   TypeFrame,
		TS:     time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		RunID:  "abc123",
		Source: "http",
		Data:   json.RawMessage(`{"frame":1}`),
	}

	data, err := json.Marshal(record)
	require.NoError(t, err)

	var parsed map[string]any
	require.NoError(t, json.Unmarshal(data, &parsed))

	assert.Equal(t, TypeFrame, parsed["type"])
	assert.Equal(t, "abc123", parsed["run_id"])
	assert.Equal(t, "http", parsed["source"])
	assert.NotNil(t, parsed["ts"])
	assert.NotNil(t, parsed["data"])
}

func TestErrorRecord_OmitEmpty(t *testing.T) {
	data, err := json.Marshal(ErrorRecord{Code: ErrCodeInternal, Message: "Something went wrong"})
	require.NoError(t, err)

	assert.NotContains(t, string(data), "frame")
	assert.NotContains(t, string(data), "layer_id")
	assert.NotContains(t, string(data), "details")
}

func TestDiscard(t *testing.T) {
	ctx := context.Background()
	assert.NoError(t, Discard.WriteJob(ctx, &JobRecord{}))
	assert.NoError(t, Discard.WriteFrame(ctx, &FrameRecord{}))
	assert.NoError(t, Discard.WriteError(ctx, &ErrorRecord{}))
	assert.NoError(t, Discard.WriteSummary(ctx, &SummaryRecord{}))
	assert.NoError(t, Discard.Close())
}

func BenchmarkJSONLWriter_WriteJob(b *testing.B) {
	w := NewJSONLWriter(io.Discard, "run-123", "scene.yaml")
	job := &JobRecord{
		Frame:      1,
		LayerID:    10,
		WorkletID:  1,
		Painted:    true,
		Width:      256,
		Height:     256,
		Ops:        1,
		Properties: map[string]string{"progress": "0.5", "color": "#ff0000ff"},
	}
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = w.WriteJob(ctx, job)
	}
}
