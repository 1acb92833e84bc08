// Package approvalapi exposes the Approval Queue's host-side API (spec
// §4.6: "Two operations exposed to host-side UIs: list_pending() and
// resolve(id, approved: bool). No operation is exposed inside the
// container namespace") and the Orchestrator's reload trigger over a
// local Unix domain socket, so cmd/aegisctl can run as a separate
// process from cmd/aegisd. The newline-delimited-JSON-over-unix-socket
// framing is grounded on cmd/pulse-sensor-proxy/main.go's RPCRequest /
// RPCResponse protocol (handleConnection: bufio-delimited request line,
// json.Encoder response), narrowed to this package's three methods and
// without that file's SO_PEERCRED check — the socket is created
// host-only at 0600, which is sufficient isolation for a queue that
// exposes no operation inside the container namespace to begin with.
package approvalapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegisrun/aegis-core/internal/approval"
)

const (
	MethodListPending = "list_pending"
	MethodResolve     = "resolve"
	MethodReload      = "reload"
)

// Request is one newline-delimited JSON-RPC call.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the reply to a Request.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// ResolveParams is the params payload for MethodResolve.
type ResolveParams struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// Reloader is the Orchestrator's reload entry point, kept as a narrow
// interface so this package does not import internal/orchestrator.
type Reloader interface {
	Reload() error
}

// Server answers aegisctl's RPC calls over a Unix socket.
type Server struct {
	queue    *approval.Queue
	reloader Reloader

	socketPath string
	listener   net.Listener
}

// NewServer binds neither socket nor handlers until Start is called.
func NewServer(queue *approval.Queue, reloader Reloader) *Server {
	return &Server{queue: queue, reloader: reloader}
}

// Start creates the Unix socket at socketPath, owner-only permissions,
// and begins accepting connections in the background.
func (s *Server) Start(socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil {
		return fmt.Errorf("approvalapi: remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(socketPath), 0o700); err != nil {
		return fmt.Errorf("approvalapi: create socket directory: %w", err)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("approvalapi: listen: %w", err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		log.Warn().Err(err).Msg("approvalapi: failed to restrict socket permissions")
	}

	s.socketPath = socketPath
	s.listener = listener
	go s.acceptLoop()
	return nil
}

// Stop closes the listener and removes the socket file.
func (s *Server) Stop() {
	if s.listener == nil {
		return
	}
	s.listener.Close()
	os.Remove(s.socketPath)
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			var opErr *net.OpError
			if errors.As(err, &opErr) {
				return
			}
			log.Error().Err(err).Msg("approvalapi: accept failed")
			continue
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return
	}

	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.reply(conn, Response{Error: "malformed request"})
		return
	}

	resp := s.dispatch(req)
	s.reply(conn, resp)
}

func (s *Server) dispatch(req Request) Response {
	switch req.Method {
	case MethodListPending:
		return Response{Success: true, Data: s.queue.ListPending()}

	case MethodResolve:
		var params ResolveParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return Response{Error: "invalid resolve params"}
		}
		state, err := s.queue.Resolve(params.ID, params.Approved)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Success: true, Data: state}

	case MethodReload:
		if s.reloader == nil {
			return Response{Error: "reload not available"}
		}
		if err := s.reloader.Reload(); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{Success: true}

	default:
		return Response{Error: fmt.Sprintf("unknown method %q", req.Method)}
	}
}

func (s *Server) reply(conn net.Conn, resp Response) {
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		log.Warn().Err(err).Msg("approvalapi: failed to write response")
	}
}

// Client talks to a running Server over its Unix socket.
type Client struct {
	socketPath string
}

// NewClient returns a Client bound to socketPath; no connection is made
// until a method is called.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) call(ctx context.Context, req Request) (Response, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return Response{}, fmt.Errorf("approvalapi: connect: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	} else {
		conn.SetDeadline(time.Now().Add(10 * time.Second))
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Response{}, fmt.Errorf("approvalapi: encode request: %w", err)
	}
	body = append(body, '\n')
	if _, err := conn.Write(body); err != nil {
		return Response{}, fmt.Errorf("approvalapi: write request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("approvalapi: decode response: %w", err)
	}
	if resp.Error != "" {
		return Response{}, errors.New(resp.Error)
	}
	return resp, nil
}

// ListPending returns every request still awaiting a decision.
func (c *Client) ListPending(ctx context.Context) ([]approval.Request, error) {
	resp, err := c.call(ctx, Request{Method: MethodListPending})
	if err != nil {
		return nil, err
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, err
	}
	var requests []approval.Request
	if err := json.Unmarshal(raw, &requests); err != nil {
		return nil, err
	}
	return requests, nil
}

// Resolve approves or denies a pending request and returns its terminal
// state.
func (c *Client) Resolve(ctx context.Context, id string, approved bool) (approval.State, error) {
	params, err := json.Marshal(ResolveParams{ID: id, Approved: approved})
	if err != nil {
		return "", err
	}
	resp, err := c.call(ctx, Request{Method: MethodResolve, Params: params})
	if err != nil {
		return "", err
	}

	var state approval.State
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &state); err != nil {
		return "", err
	}
	return state, nil
}

// Reload asks the running daemon to rebuild its domain rule set.
func (c *Client) Reload(ctx context.Context) error {
	_, err := c.call(ctx, Request{Method: MethodReload})
	return err
}
