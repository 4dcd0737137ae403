package ipc

import (
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/haysel/hayselnut/internal/errors"
	"github.com/haysel/hayselnut/internal/summary"
	"github.com/haysel/hayselnut/internal/tsdb"
)

// Client talks to a daemon over its unix socket. Calls are synchronous
// and serialized; one client maps to one connection.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	wc   *Conn

	requestID atomic.Uint64
}

// Dial connects to the daemon socket. maxFrame zero uses the default.
func Dial(socketPath string, maxFrame uint32) (*Client, error) {
	conn, err := net.Dial("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", socketPath, err)
	}
	return &Client{conn: conn, wc: NewConn(conn, maxFrame)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}

// call performs one request/response exchange. out may be nil when the
// response body is not needed.
func (c *Client) call(op Op, body, out interface{}) error {
	id := c.requestID.Add(1)
	req, err := NewRequest(id, op, body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.wc.Write(req); err != nil {
		return fmt.Errorf("send %s: %w", op, err)
	}
	resp, err := c.wc.Read()
	if err != nil {
		return fmt.Errorf("receive %s response: %w", op, err)
	}
	if resp.ID != id {
		return fmt.Errorf("response id %d for request %d: %w",
			resp.ID, id, errors.ErrInternal)
	}
	if resp.Err != nil {
		return fmt.Errorf("%s: %w", op, resp.Err)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Body, out); err != nil {
			return fmt.Errorf("decode %s response: %w", op, err)
		}
	}
	return nil
}

// Submit stores one record.
func (c *Client) Submit(station, channel uuid.UUID, ts uint64, value float64) error {
	return c.call(OpSubmit, SubmitRequest{
		Station: station,
		Channel: channel,
		Record:  RecordIn{Timestamp: ts, Value: value},
	}, nil)
}

// SubmitBatch stores records in order on one channel.
func (c *Client) SubmitBatch(station, channel uuid.UUID, records []RecordIn) (SubmitBatchResponse, error) {
	var resp SubmitBatchResponse
	err := c.call(OpSubmitBatch, SubmitBatchRequest{
		Station: station,
		Channel: channel,
		Records: records,
	}, &resp)
	return resp, err
}

// QueryRange reads records with start <= ts < end. limit zero uses the
// server default.
func (c *Client) QueryRange(station, channel uuid.UUID, start, end uint64, limit int) ([]tsdb.Record, bool, error) {
	var resp QueryRangeResponse
	err := c.call(OpQueryRange, QueryRangeRequest{
		Station: station,
		Channel: channel,
		Start:   start,
		End:     end,
		Limit:   limit,
	}, &resp)
	return resp.Records, resp.Truncated, err
}

// ListStations lists known stations.
func (c *Client) ListStations() ([]uuid.UUID, error) {
	var resp ListStationsResponse
	err := c.call(OpListStations, nil, &resp)
	return resp.Stations, err
}

// ListChannels lists a station's channels.
func (c *Client) ListChannels(station uuid.UUID) ([]uuid.UUID, error) {
	var resp ListChannelsResponse
	err := c.call(OpListChannels, ListChannelsRequest{Station: station}, &resp)
	return resp.Channels, err
}

// Summaries fetches per-channel streaming statistics.
func (c *Client) Summaries() ([]summary.Result, error) {
	var resp SummariesResponse
	err := c.call(OpSummaries, nil, &resp)
	return resp.Summaries, err
}

// Status fetches daemon health.
func (c *Client) Status() (StatusResponse, error) {
	var resp StatusResponse
	err := c.call(OpStatus, nil, &resp)
	return resp, err
}

// Export writes a range to a Parquet file on the daemon host.
func (c *Client) Export(station, channel uuid.UUID, start, end uint64, path string) (ExportResponse, error) {
	var resp ExportResponse
	err := c.call(OpExport, ExportRequest{
		Station: station,
		Channel: channel,
		Start:   start,
		End:     end,
		Path:    path,
	}, &resp)
	return resp, err
}
