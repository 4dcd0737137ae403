// Package ipc implements the daemon's local control protocol: JSON
// envelopes with a fixed 4-byte length prefix over a unix domain socket.
//
// Every request carries an id; the matching response echoes it. Errors
// travel as a code plus message so clients can match on the code without
// parsing text.
package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"

	"github.com/haysel/hayselnut/config"
	"github.com/haysel/hayselnut/internal/errors"
	"github.com/haysel/hayselnut/internal/summary"
	"github.com/haysel/hayselnut/internal/tsdb"
)

// Op names a protocol operation.
type Op string

const (
	OpSubmit       Op = "submit"
	OpSubmitBatch  Op = "submit-batch"
	OpQueryRange   Op = "query-range"
	OpListStations Op = "list-stations"
	OpListChannels Op = "list-channels"
	OpSummaries    Op = "summaries"
	OpStatus       Op = "status"
	OpExport       Op = "export"
)

// Envelope is one framed message. Requests set Op and Body; responses
// echo ID and carry either Body or Err.
type Envelope struct {
	ID   uint64          `json:"id"`
	Op   Op              `json:"op,omitempty"`
	Body json.RawMessage `json:"body,omitempty"`
	Err  *WireError      `json:"error,omitempty"`
}

// WireError is an error in transit.
type WireError struct {
	Code    int32  `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

// Unwrap maps the wire code back to the matching sentinel so client-side
// errors.Is works across the socket.
func (e *WireError) Unwrap() error {
	return errors.CodeToError(e.Code)
}

// NewError builds an error response for a request id.
func NewError(id uint64, err error) *Envelope {
	return &Envelope{
		ID:  id,
		Err: &WireError{Code: errors.ErrorToCode(err), Message: err.Error()},
	}
}

// NewResponse builds a success response carrying body.
func NewResponse(id uint64, body interface{}) (*Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal response body: %w", err)
	}
	return &Envelope{ID: id, Body: raw}, nil
}

// NewRequest builds a request envelope.
func NewRequest(id uint64, op Op, body interface{}) (*Envelope, error) {
	env := &Envelope{ID: id, Op: op}
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		env.Body = raw
	}
	return env, nil
}

// =============================================================================
// Framing
// =============================================================================

// Reader reads length-prefixed envelopes. Safe for concurrent use.
type Reader struct {
	mu  sync.Mutex
	r   *bufio.Reader
	max uint32
}

// NewReader wraps r. maxFrame bounds the accepted frame size; zero uses
// the package default.
func NewReader(r io.Reader, maxFrame uint32) *Reader {
	if maxFrame == 0 {
		maxFrame = config.DefaultMaxFrameSize
	}
	return &Reader{r: bufio.NewReader(r), max: maxFrame}
}

// Read returns the next envelope.
func (r *Reader) Read() (*Envelope, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var hdr [4]byte
	if _, err := io.ReadFull(r.r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > r.max {
		return nil, fmt.Errorf("frame of %d bytes outside limit %d: %w",
			n, r.max, errors.ErrFrameTooLarge)
	}

	buf := make([]byte, n)
	if _, err := io.ReadFull(r.r, buf); err != nil {
		return nil, fmt.Errorf("read frame body: %w", err)
	}

	env := &Envelope{}
	if err := json.Unmarshal(buf, env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return env, nil
}

// Writer writes length-prefixed envelopes. Safe for concurrent use.
type Writer struct {
	mu  sync.Mutex
	w   io.Writer
	max uint32
}

// NewWriter wraps w with the given frame limit (zero uses the default).
func NewWriter(w io.Writer, maxFrame uint32) *Writer {
	if maxFrame == 0 {
		maxFrame = config.DefaultMaxFrameSize
	}
	return &Writer{w: w, max: maxFrame}
}

// Write frames and writes one envelope.
func (w *Writer) Write(env *Envelope) error {
	buf, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if uint64(len(buf)) > uint64(w.max) {
		return fmt.Errorf("frame of %d bytes outside limit %d: %w",
			len(buf), w.max, errors.ErrFrameTooLarge)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(buf)))
	if _, err := w.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := w.w.Write(buf); err != nil {
		return fmt.Errorf("write frame body: %w", err)
	}
	return nil
}

// Conn combines Reader and Writer for one bidirectional stream.
type Conn struct {
	*Reader
	*Writer
}

// NewConn wraps a stream (typically a net.Conn).
func NewConn(rw io.ReadWriter, maxFrame uint32) *Conn {
	return &Conn{Reader: NewReader(rw, maxFrame), Writer: NewWriter(rw, maxFrame)}
}

// =============================================================================
// Message bodies
// =============================================================================

// RecordIn is one record to store.
type RecordIn struct {
	Timestamp uint64  `json:"ts"`
	Value     float64 `json:"value"`
}

// SubmitRequest stores a single record.
type SubmitRequest struct {
	Station uuid.UUID `json:"station"`
	Channel uuid.UUID `json:"channel"`
	Record  RecordIn  `json:"record"`
}

// SubmitBatchRequest stores records in order on one channel. Processing
// stops at the first failure; Accepted reports how many landed.
type SubmitBatchRequest struct {
	Station uuid.UUID  `json:"station"`
	Channel uuid.UUID  `json:"channel"`
	Records []RecordIn `json:"records"`
}

// SubmitBatchResponse reports the batch outcome.
type SubmitBatchResponse struct {
	Accepted int    `json:"accepted"`
	Failed   string `json:"failed,omitempty"`
}

// QueryRangeRequest reads records with start <= ts < end.
type QueryRangeRequest struct {
	Station uuid.UUID `json:"station"`
	Channel uuid.UUID `json:"channel"`
	Start   uint64    `json:"start"`
	End     uint64    `json:"end"`

	// Limit caps the result count; zero uses the server default.
	Limit int `json:"limit,omitempty"`
}

// QueryRangeResponse carries the matching records in time order.
type QueryRangeResponse struct {
	Records   []tsdb.Record `json:"records"`
	Truncated bool          `json:"truncated,omitempty"`
}

// ListStationsResponse lists known stations.
type ListStationsResponse struct {
	Stations []uuid.UUID `json:"stations"`
}

// ListChannelsRequest lists a station's channels.
type ListChannelsRequest struct {
	Station uuid.UUID `json:"station"`
}

// ListChannelsResponse lists the channels.
type ListChannelsResponse struct {
	Channels []uuid.UUID `json:"channels"`
}

// SummariesResponse carries per-channel streaming statistics.
type SummariesResponse struct {
	Summaries []summary.Result `json:"summaries"`
}

// StatusResponse reports daemon health.
type StatusResponse struct {
	Uptime       string     `json:"uptime"`
	PageCapacity uint32     `json:"page_capacity"`
	Accepted     uint64     `json:"accepted"`
	Rejected     uint64     `json:"rejected"`
	QueueDepth   int        `json:"queue_depth"`
	Store        tsdb.Stats `json:"store"`
}

// ExportRequest writes a range query to a Parquet file on the daemon host.
type ExportRequest struct {
	Station uuid.UUID `json:"station"`
	Channel uuid.UUID `json:"channel"`
	Start   uint64    `json:"start"`
	End     uint64    `json:"end"`
	Path    string    `json:"path"`
}

// ExportResponse reports the export outcome.
type ExportResponse struct {
	Records int64  `json:"records"`
	Path    string `json:"path"`
}
