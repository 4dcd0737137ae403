package ipc

import (
	"bytes"
	stderrors "errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/haysel/hayselnut/internal/engine"
	"github.com/haysel/hayselnut/internal/errors"
	"github.com/haysel/hayselnut/internal/export"
	"github.com/haysel/hayselnut/internal/tsdb"
)

var (
	station = uuid.MustParse("6d3a7fd4-84ff-4e84-a1cf-bf3a0adb5b78")
	channel = uuid.MustParse("a67a9a33-775b-43a3-a182-9ec7dbc2a809")
)

// =============================================================================
// Framing
// =============================================================================

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 0)
	r := NewReader(&buf, 0)

	req, err := NewRequest(7, OpQueryRange, QueryRangeRequest{Station: station, Start: 1, End: 9})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := w.Write(req); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := r.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.ID != 7 || got.Op != OpQueryRange {
		t.Errorf("envelope = id %d op %q", got.ID, got.Op)
	}
}

func TestFrameSizeLimit(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf, 64)

	big, err := NewRequest(1, OpSubmit, SubmitBatchRequest{
		Station: station,
		Records: make([]RecordIn, 100),
	})
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	if err := w.Write(big); !stderrors.Is(err, errors.ErrFrameTooLarge) {
		t.Errorf("oversized Write = %v, want ErrFrameTooLarge", err)
	}

	// Reader side: a header claiming a giant frame is rejected before any
	// allocation.
	buf.Reset()
	buf.Write([]byte{0xFF, 0xFF, 0xFF, 0xFF})
	r := NewReader(&buf, 64)
	if _, err := r.Read(); !stderrors.Is(err, errors.ErrFrameTooLarge) {
		t.Errorf("oversized Read = %v, want ErrFrameTooLarge", err)
	}
}

func TestWireErrorUnwrapsToSentinel(t *testing.T) {
	env := NewError(3, errors.Wrap(errors.ErrRecordOutOfOrder, "ts 5 precedes 10"))
	if env.Err == nil {
		t.Fatal("no error payload")
	}
	if env.Err.Code != errors.CodeOutOfOrder {
		t.Errorf("code = %d, want %d", env.Err.Code, errors.CodeOutOfOrder)
	}
	if !stderrors.Is(env.Err, errors.ErrRecordOutOfOrder) {
		t.Error("wire error does not unwrap to ErrRecordOutOfOrder")
	}
}

// =============================================================================
// End to end over a unix socket
// =============================================================================

type testDaemon struct {
	eng    *engine.Engine
	srv    *Server
	client *Client
}

func startDaemon(t *testing.T) *testDaemon {
	t.Helper()
	dir := t.TempDir()

	db, err := tsdb.Open(filepath.Join(dir, "store.db"), tsdb.Options{PageCapacity: 4})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	eng := engine.New(db, engine.Config{SubmitQueueSize: 16, SketchAccuracy: 0.01})
	if err := eng.Start(); err != nil {
		t.Fatalf("start engine: %v", err)
	}
	t.Cleanup(func() { eng.Stop() })

	srv := NewServer(ServerConfig{
		Engine:          eng,
		SocketPath:      filepath.Join(dir, "ipc.sock"),
		MaxQueryResults: 8,
	})
	go srv.Run()
	t.Cleanup(srv.Shutdown)

	// The listener comes up asynchronously.
	var client *Client
	deadline := time.Now().Add(2 * time.Second)
	for {
		client, err = Dial(filepath.Join(dir, "ipc.sock"), 0)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("dial: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Cleanup(func() { client.Close() })

	return &testDaemon{eng: eng, srv: srv, client: client}
}

func TestSubmitQueryOverSocket(t *testing.T) {
	d := startDaemon(t)

	for _, ts := range []uint64{10, 20, 30} {
		if err := d.client.Submit(station, channel, ts, float64(ts)); err != nil {
			t.Fatalf("Submit(%d): %v", ts, err)
		}
	}

	recs, truncated, err := d.client.QueryRange(station, channel, 15, 35, 0)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if truncated {
		t.Error("small result reported as truncated")
	}
	if len(recs) != 2 || recs[0].Timestamp != 20 || recs[1].Timestamp != 30 {
		t.Errorf("records = %v", recs)
	}
}

func TestOutOfOrderVerdictOverSocket(t *testing.T) {
	d := startDaemon(t)

	if err := d.client.Submit(station, channel, 100, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	err := d.client.Submit(station, channel, 50, 2)
	if !stderrors.Is(err, errors.ErrRecordOutOfOrder) {
		t.Errorf("stale Submit = %v, want ErrRecordOutOfOrder across the wire", err)
	}

	// The connection survives the error.
	if err := d.client.Submit(station, channel, 110, 3); err != nil {
		t.Errorf("Submit after error: %v", err)
	}
}

func TestSubmitBatchOverSocket(t *testing.T) {
	d := startDaemon(t)

	resp, err := d.client.SubmitBatch(station, channel, []RecordIn{
		{Timestamp: 10, Value: 1},
		{Timestamp: 20, Value: 2},
		{Timestamp: 15, Value: 3}, // stale: stops the batch here
		{Timestamp: 30, Value: 4},
	})
	if err != nil {
		t.Fatalf("SubmitBatch: %v", err)
	}
	if resp.Accepted != 2 {
		t.Errorf("Accepted = %d, want 2", resp.Accepted)
	}
	if resp.Failed == "" {
		t.Error("batch failure not reported")
	}

	recs, _, err := d.client.QueryRange(station, channel, 0, 100, 0)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(recs) != 2 {
		t.Errorf("store holds %d records, want the 2 accepted", len(recs))
	}
}

func TestQueryLimitTruncates(t *testing.T) {
	d := startDaemon(t)

	for ts := uint64(1); ts <= 20; ts++ {
		if err := d.client.Submit(station, channel, ts, 0); err != nil {
			t.Fatalf("Submit(%d): %v", ts, err)
		}
	}

	// Server cap is 8 for this daemon.
	recs, truncated, err := d.client.QueryRange(station, channel, 0, 100, 0)
	if err != nil {
		t.Fatalf("QueryRange: %v", err)
	}
	if len(recs) != 8 || !truncated {
		t.Errorf("got %d records truncated=%v, want 8 truncated", len(recs), truncated)
	}

	recs, truncated, err = d.client.QueryRange(station, channel, 0, 100, 5)
	if err != nil {
		t.Fatalf("QueryRange limit 5: %v", err)
	}
	if len(recs) != 5 || !truncated {
		t.Errorf("limit 5: got %d records truncated=%v", len(recs), truncated)
	}
}

func TestDirectoryAndStatusOverSocket(t *testing.T) {
	d := startDaemon(t)

	if err := d.client.Submit(station, channel, 1, 1); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stations, err := d.client.ListStations()
	if err != nil {
		t.Fatalf("ListStations: %v", err)
	}
	if len(stations) != 1 || stations[0] != station {
		t.Errorf("stations = %v", stations)
	}

	channels, err := d.client.ListChannels(station)
	if err != nil {
		t.Fatalf("ListChannels: %v", err)
	}
	if len(channels) != 1 || channels[0] != channel {
		t.Errorf("channels = %v", channels)
	}

	sums, err := d.client.Summaries()
	if err != nil {
		t.Fatalf("Summaries: %v", err)
	}
	if len(sums) != 1 || sums[0].Count != 1 {
		t.Errorf("summaries = %+v", sums)
	}

	status, err := d.client.Status()
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if status.Accepted != 1 || status.PageCapacity != 4 {
		t.Errorf("status = %+v", status)
	}
	if status.Store.RecordsWritten != 1 {
		t.Errorf("store stats = %+v", status.Store)
	}
}

func TestExportOverSocket(t *testing.T) {
	d := startDaemon(t)

	for ts := uint64(10); ts <= 50; ts += 10 {
		if err := d.client.Submit(station, channel, ts, float64(ts)); err != nil {
			t.Fatalf("Submit(%d): %v", ts, err)
		}
	}

	path := filepath.Join(t.TempDir(), "range.parquet")
	resp, err := d.client.Export(station, channel, 20, 45, path)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	if resp.Records != 3 {
		t.Errorf("exported %d records, want 3", resp.Records)
	}

	rows, err := export.Read(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(rows) != 3 || rows[0].Timestamp != 20 || rows[2].Timestamp != 40 {
		t.Errorf("export rows = %+v", rows)
	}

	// Relative paths are refused.
	if _, err := d.client.Export(station, channel, 0, 100, "relative.parquet"); err == nil {
		t.Error("relative export path accepted")
	}
}

func TestUnknownOpRejected(t *testing.T) {
	d := startDaemon(t)

	if err := d.client.call(Op("no-such-op"), nil, nil); err == nil {
		t.Error("unknown op accepted")
	}
}

func TestShutdownWithIdleConnection(t *testing.T) {
	d := startDaemon(t)

	// Complete one exchange so the connection is past accept and its
	// handler is parked in a read, like a REPL sitting at its prompt.
	if _, err := d.client.ListStations(); err != nil {
		t.Fatalf("ListStations: %v", err)
	}

	done := make(chan struct{})
	go func() {
		d.srv.Shutdown()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Shutdown did not return with an idle connection open")
	}

	// Repeated Shutdown is a no-op.
	d.srv.Shutdown()
}
