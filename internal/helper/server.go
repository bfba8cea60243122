// server.go runs the helper's single control loop.
//
// Connection goroutines only decode requests; every request, disconnect and
// process completion is handled one at a time by the loop in Serve. An
// interactive authorization check therefore holds up every other request
// until the user answers, which is what keeps session changes from
// interleaving.
package helper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jonmagon/kdiskmark/helper/internal/authz"
	"github.com/jonmagon/kdiskmark/helper/internal/fio"
	"github.com/jonmagon/kdiskmark/helper/internal/process"
)

// Listen creates the helper socket at path. Any local user may connect;
// access is decided per caller by polkit.
func Listen(path string) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}

	// Remove a socket left behind by a previous instance.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	if err := os.Chmod(path, 0666); err != nil {
		ln.Close()
		return nil, fmt.Errorf("failed to set socket permissions: %w", err)
	}

	return ln, nil
}

// peer is one connected client.
type peer struct {
	caller authz.Caller
	conn   net.Conn

	mu  sync.Mutex
	enc *json.Encoder
}

type call struct {
	peer *peer
	req  Request
}

// Server accepts client connections and drives the Helper.
type Server struct {
	helper       *Helper
	writeTimeout time.Duration
	logger       *slog.Logger

	opened chan *peer
	calls  chan call
	closed chan *peer
	events chan process.Completion
	done   chan struct{}

	// peers is owned by the Serve loop.
	peers map[string]*peer

	listener  net.Listener
	accepting chan struct{}
	readers   sync.WaitGroup
}

// NewServer creates a server for h. Writes to a client that take longer than
// writeTimeout drop that client.
func NewServer(h *Helper, writeTimeout time.Duration, logger *slog.Logger) *Server {
	return &Server{
		helper:       h,
		writeTimeout: writeTimeout,
		logger:       logger.With(slog.String("component", "server")),
		opened:       make(chan *peer),
		calls:        make(chan call),
		closed:       make(chan *peer),
		events:       make(chan process.Completion),
		done:         make(chan struct{}),
		peers:        make(map[string]*peer),
		accepting:    make(chan struct{}),
	}
}

// Notify queues a process completion for delivery to the session holder.
// It is the controller's completion handler.
func (s *Server) Notify(c process.Completion) {
	select {
	case s.events <- c:
	case <-s.done:
		s.logger.Debug("dropping completion after shutdown", slog.Uint64("run_id", c.RunID))
	}
}

// Serve accepts connections on ln and handles them until ctx ends. It
// returns nil on a clean stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.listener = ln
	defer close(s.done)

	go s.acceptLoop(ln)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("server stopping", slog.String("reason", context.Cause(ctx).Error()))
			return nil

		case p := <-s.opened:
			s.peers[p.caller.ID] = p

		case c := <-s.calls:
			if !s.dispatch(ctx, c) {
				s.logger.Info("server stopping", slog.String("reason", context.Cause(ctx).Error()))
				return nil
			}

		case p := <-s.closed:
			delete(s.peers, p.caller.ID)
			s.logger.Debug("client disconnected", slog.String("caller", p.caller.ID))
			s.helper.Disconnected(p.caller.ID)

		case ev := <-s.events:
			s.broadcast(ev)
		}
	}
}

// Shutdown closes the listener and every client connection, then waits for
// the connection goroutines. Call it after Serve has returned.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener != nil {
		s.listener.Close()

		// No reader may be added once Wait below has started.
		select {
		case <-s.accepting:
		case <-ctx.Done():
			return fmt.Errorf("accept loop did not stop: %w", ctx.Err())
		}
	}
	for _, p := range s.peers {
		p.conn.Close()
	}

	finished := make(chan struct{})
	go func() {
		s.readers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connections did not close: %w", ctx.Err())
	}
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.accepting)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept error", slog.String("error", err.Error()))
			continue
		}

		pid, uid, err := peerCredentials(conn)
		if err != nil {
			s.logger.Warn("rejecting connection without credentials", slog.String("error", err.Error()))
			conn.Close()
			continue
		}

		p := &peer{
			caller: authz.Caller{ID: uuid.NewString(), PID: pid, UID: uid},
			conn:   conn,
			enc:    json.NewEncoder(conn),
		}

		s.readers.Add(1)
		select {
		case s.opened <- p:
		case <-s.done:
			s.readers.Done()
			conn.Close()
			return
		}

		s.logger.Debug("client connected",
			slog.String("caller", p.caller.ID),
			slog.Int("pid", int(pid)),
			slog.Uint64("uid", uint64(uid)),
		)

		go s.readLoop(p)
	}
}

// readLoop decodes requests from p until the connection ends, then reports
// the disconnect to the loop.
func (s *Server) readLoop(p *peer) {
	defer s.readers.Done()
	defer p.conn.Close()

	dec := json.NewDecoder(p.conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("invalid request stream",
					slog.String("caller", p.caller.ID),
					slog.String("error", err.Error()),
				)
				s.write(p, Message{Type: MessageReply, Code: CodeBadRequest, Error: "invalid request: " + err.Error()})
			}
			break
		}

		select {
		case s.calls <- call{peer: p, req: req}:
		case <-s.done:
			return
		}
	}

	select {
	case s.closed <- p:
	case <-s.done:
	}
}

// dispatch runs one request through the Helper and writes the reply. Once
// ctx has ended the request is left unanswered and dispatch returns false.
func (s *Server) dispatch(ctx context.Context, c call) bool {
	if ctx.Err() != nil {
		s.logger.Debug("dropping request after stop",
			slog.String("caller", c.peer.caller.ID),
			slog.String("method", string(c.req.Method)),
		)
		return false
	}

	caller := c.peer.caller
	req := c.req

	var (
		result any
		err    error
	)

	switch req.Method {
	case MethodListStorages:
		result, err = s.helper.ListStorages(ctx, caller)

	case MethodPrepareFile:
		var opts fio.PrepareOptions
		if err = decodeParams(req.Params, &opts); err == nil {
			err = s.helper.PrepareFile(ctx, caller, opts)
		}

	case MethodStartTest:
		var opts fio.BenchmarkOptions
		if err = decodeParams(req.Params, &opts); err == nil {
			err = s.helper.StartTest(ctx, caller, opts)
		}

	case MethodFlushPageCache:
		result, err = s.helper.FlushPageCache(ctx, caller)

	case MethodRemoveFile:
		var params RemoveFileParams
		result = false
		if err = decodeParams(req.Params, &params); err == nil {
			result, err = s.helper.RemoveFile(ctx, caller, params.Path)
		}

	case MethodStopCurrentTask:
		err = s.helper.StopCurrentTask(ctx, caller)

	default:
		err = fmt.Errorf("%w: unknown method %q", ErrInvalidRequest, req.Method)
	}

	msg := Message{Type: MessageReply, ID: req.ID}
	if result != nil {
		data, merr := json.Marshal(result)
		if merr != nil {
			err = errors.Join(err, merr)
		} else {
			msg.Result = data
		}
	}
	if err != nil {
		msg.Error = err.Error()
		msg.Code = codeOf(err)
	}

	s.write(c.peer, msg)
	return true
}

// broadcast pushes a completion to every client holding the session.
func (s *Server) broadcast(ev process.Completion) {
	for id, p := range s.peers {
		if !s.helper.Authorized(id) {
			continue
		}
		s.write(p, Message{Type: MessageTaskFinished, Task: &ev})
	}
}

// write sends msg to p. A client that cannot keep up is disconnected.
func (s *Server) write(p *peer, msg Message) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.writeTimeout > 0 {
		p.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := p.enc.Encode(&msg); err != nil {
		s.logger.Warn("failed to write to client",
			slog.String("caller", p.caller.ID),
			slog.String("error", err.Error()),
		)
		p.conn.Close()
	}
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing params", ErrInvalidRequest)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

func codeOf(err error) ErrorCode {
	switch {
	case errors.Is(err, ErrAccessDenied):
		return CodeAccessDenied
	case errors.Is(err, ErrInvalidRequest):
		return CodeBadRequest
	default:
		return CodeInternal
	}
}
