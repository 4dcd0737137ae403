package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/haysel/hayselnut/config"
	"github.com/haysel/hayselnut/internal/engine"
	"github.com/haysel/hayselnut/internal/errors"
	"github.com/haysel/hayselnut/internal/export"
	"github.com/haysel/hayselnut/internal/logging"
	"github.com/haysel/hayselnut/internal/tsdb"
)

var log = logging.Component("ipc")

// ServerConfig holds IPC server configuration.
type ServerConfig struct {
	// Engine handles the operations (required).
	Engine *engine.Engine

	// SocketPath is the unix socket to listen on.
	SocketPath string

	// MaxFrameSize bounds accepted and produced frames.
	MaxFrameSize uint32

	// MaxQueryResults caps records per query-range response.
	MaxQueryResults int
}

// Server serves the control protocol on a unix domain socket.
type Server struct {
	cfg ServerConfig
	eng *engine.Engine

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc

	// connMu guards conns, the set of accepted connections. Shutdown
	// closes them so handlers blocked in a read unblock and exit.
	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer creates a server. Defaults are applied for zero fields.
func NewServer(cfg ServerConfig) *Server {
	if cfg.SocketPath == "" {
		cfg.SocketPath = config.DefaultSocketPath
	}
	if cfg.MaxFrameSize == 0 {
		cfg.MaxFrameSize = config.DefaultMaxFrameSize
	}
	if cfg.MaxQueryResults <= 0 {
		cfg.MaxQueryResults = config.DefaultMaxQueryResults
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		eng:      cfg.Engine,
		ctx:      ctx,
		cancel:   cancel,
		conns:    make(map[net.Conn]struct{}),
		shutdown: make(chan struct{}),
	}
}

// Run listens and serves until Shutdown. A stale socket file from a
// previous run is removed before binding.
func (s *Server) Run() error {
	if err := os.MkdirAll(filepath.Dir(s.cfg.SocketPath), 0o755); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ln
	log.Info("listening", "socket", s.cfg.SocketPath)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return nil
			default:
				log.Error("accept error", "error", err)
				continue
			}
		}
		s.track(conn)
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// Shutdown stops the server and waits for handlers to finish. Open
// connections are closed so a handler parked in a read on an idle client
// cannot hold the shutdown up. Safe to call more than once.
func (s *Server) Shutdown() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		s.cancel()
		if s.listener != nil {
			s.listener.Close()
		}

		s.connMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connMu.Unlock()

		s.wg.Wait()
		os.Remove(s.cfg.SocketPath)
		log.Info("ipc server stopped")
	})
}

func (s *Server) track(conn net.Conn) {
	s.connMu.Lock()
	s.conns[conn] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.connMu.Lock()
	delete(s.conns, conn)
	s.connMu.Unlock()
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.untrack(conn)
	defer conn.Close()

	wc := NewConn(conn, s.cfg.MaxFrameSize)
	for {
		env, err := wc.Read()
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				log.Debug("connection read failed", "error", err)
			}
			return
		}

		resp := s.dispatch(env)
		if err := wc.Write(resp); err != nil {
			log.Debug("connection write failed", "error", err)
			return
		}

		select {
		case <-s.shutdown:
			return
		default:
		}
	}
}

// dispatch routes one request. Handler errors become error envelopes; the
// connection itself stays healthy.
func (s *Server) dispatch(env *Envelope) *Envelope {
	body, err := s.handle(env)
	if err != nil {
		return NewError(env.ID, err)
	}
	resp, err := NewResponse(env.ID, body)
	if err != nil {
		return NewError(env.ID, errors.Wrap(errors.ErrInternal, err.Error()))
	}
	return resp
}

func (s *Server) handle(env *Envelope) (interface{}, error) {
	switch env.Op {
	case OpSubmit:
		return s.handleSubmit(env.Body)
	case OpSubmitBatch:
		return s.handleSubmitBatch(env.Body)
	case OpQueryRange:
		return s.handleQueryRange(env.Body)
	case OpListStations:
		return s.handleListStations()
	case OpListChannels:
		return s.handleListChannels(env.Body)
	case OpSummaries:
		return s.handleSummaries()
	case OpStatus:
		return s.handleStatus()
	case OpExport:
		return s.handleExport(env.Body)
	default:
		return nil, errors.Wrapf(errors.ErrUnknownOp, "op %q", env.Op)
	}
}

func (s *Server) handleSubmit(body json.RawMessage) (interface{}, error) {
	var req SubmitRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}
	if err := s.eng.Submit(s.ctx, req.Station, req.Channel, req.Record.Timestamp, req.Record.Value); err != nil {
		return nil, err
	}
	return struct{}{}, nil
}

func (s *Server) handleSubmitBatch(body json.RawMessage) (interface{}, error) {
	var req SubmitBatchRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}
	if len(req.Records) == 0 {
		return nil, errors.NewMissingField("records")
	}

	resp := SubmitBatchResponse{}
	for _, rec := range req.Records {
		if err := s.eng.Submit(s.ctx, req.Station, req.Channel, rec.Timestamp, rec.Value); err != nil {
			// Stop at the first failure; what landed stays landed.
			resp.Failed = err.Error()
			break
		}
		resp.Accepted++
	}
	return resp, nil
}

func (s *Server) handleQueryRange(body json.RawMessage) (interface{}, error) {
	var req QueryRangeRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}

	limit := req.Limit
	if limit <= 0 || limit > s.cfg.MaxQueryResults {
		limit = s.cfg.MaxQueryResults
	}

	cur, err := s.eng.QueryRange(req.Station, req.Channel, req.Start, req.End)
	if err != nil {
		return nil, err
	}

	resp := QueryRangeResponse{Records: []tsdb.Record{}}
	for rec, ok := cur.Next(); ok; rec, ok = cur.Next() {
		if len(resp.Records) == limit {
			resp.Truncated = true
			break
		}
		resp.Records = append(resp.Records, rec)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return resp, nil
}

func (s *Server) handleListStations() (interface{}, error) {
	stations, err := s.eng.Stations()
	if err != nil {
		return nil, err
	}
	return ListStationsResponse{Stations: stations}, nil
}

func (s *Server) handleListChannels(body json.RawMessage) (interface{}, error) {
	var req ListChannelsRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}
	channels, err := s.eng.Channels(req.Station)
	if err != nil {
		return nil, err
	}
	return ListChannelsResponse{Channels: channels}, nil
}

func (s *Server) handleSummaries() (interface{}, error) {
	return SummariesResponse{Summaries: s.eng.Summaries().All()}, nil
}

func (s *Server) handleStatus() (interface{}, error) {
	es := s.eng.Snapshot()
	return StatusResponse{
		Uptime:       es.Uptime,
		PageCapacity: s.eng.Store().PageCapacity(),
		Accepted:     es.Accepted,
		Rejected:     es.Rejected,
		QueueDepth:   es.QueueDepth,
		Store:        s.eng.StoreStats(),
	}, nil
}

func (s *Server) handleExport(body json.RawMessage) (interface{}, error) {
	var req ExportRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidConfig, err.Error())
	}
	if req.Path == "" {
		return nil, errors.NewMissingField("path")
	}
	if !filepath.IsAbs(req.Path) {
		return nil, errors.Wrap(errors.ErrInvalidConfig, "export path must be absolute")
	}

	cur, err := s.eng.QueryRange(req.Station, req.Channel, req.Start, req.End)
	if err != nil {
		return nil, err
	}
	n, err := export.Cursor(cur, req.Station, req.Channel, req.Path, export.DefaultOptions())
	if err != nil {
		return nil, err
	}
	log.Info("exported range", "path", req.Path, "records", n)
	return ExportResponse{Records: n, Path: req.Path}, nil
}
