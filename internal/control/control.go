// Package control is the Subspace Coordinator's local control plane: a
// Unix domain socket, line-delimited JSON protocol that lets separate
// CLI invocations (spawn, terminate) drive the single long-lived
// *sandbox.Host owned by the `subspace serve` daemon process.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/mindswarm/subspace/internal/logging"
	"github.com/mindswarm/subspace/internal/sandbox"
)

// Request is one control-plane call.
type Request struct {
	Op           string             `json:"op"` // spawn | terminate | status
	Name         string             `json:"name"`
	Spawn        *sandbox.CyberSpec `json:"spawn,omitempty"`
	GraceSeconds float64            `json:"grace_seconds,omitempty"`
}

// Response is the control-plane's reply to one Request.
type Response struct {
	OK     bool            `json:"ok"`
	Error  string          `json:"error,omitempty"`
	Status *sandbox.Status `json:"status,omitempty"`
}

// Server exposes a *sandbox.Host over a Unix domain socket so every
// cobra subcommand operates against the same process-supervision state
// instead of each building its own throwaway Host.
type Server struct {
	host *sandbox.Host
	log  *logging.Logger
}

// NewServer wraps host for control-socket access.
func NewServer(host *sandbox.Host) *Server {
	return &Server{host: host, log: logging.New("subspace.control")}
}

// Listen binds socketPath, removing any stale socket file left behind
// by a prior, uncleanly-terminated daemon.
func (s *Server) Listen(socketPath string) (net.Listener, error) {
	if err := os.RemoveAll(socketPath); err != nil {
		return nil, fmt.Errorf("control: clear stale socket: %w", err)
	}
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("control: listen on %s: %w", socketPath, err)
	}
	return ln, nil
}

// Serve accepts connections on ln until ctx is cancelled, handling each
// on its own goroutine; Serve itself returns once ln is closed.
func (s *Server) Serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error(err, "control socket accept")
			return
		}
		go s.handle(conn)
	}
}

func (s *Server) handle(conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.log.Error(err, "decode control request")
		return
	}

	resp := s.dispatch(req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.log.Error(err, "encode control response")
	}
}

func (s *Server) dispatch(req Request) Response {
	switch req.Op {
	case "spawn":
		if req.Spawn == nil {
			return Response{Error: "spawn: missing cyber spec"}
		}
		if _, err := s.host.Spawn(context.Background(), *req.Spawn); err != nil {
			return Response{Error: err.Error()}
		}
		status, err := s.host.Status(req.Spawn.Name)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Status: &status}

	case "terminate":
		grace := time.Duration(req.GraceSeconds * float64(time.Second))
		if grace <= 0 {
			grace = 5 * time.Second
		}
		if err := s.host.Terminate(context.Background(), req.Name, grace); err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true}

	case "status":
		status, err := s.host.Status(req.Name)
		if err != nil {
			return Response{Error: err.Error()}
		}
		return Response{OK: true, Status: &status}

	default:
		return Response{Error: fmt.Sprintf("control: unknown op %q", req.Op)}
	}
}

// Client dials a running Server's socket for one-shot requests.
type Client struct {
	socketPath string
	timeout    time.Duration
}

// NewClient returns a Client dialing socketPath.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 5 * time.Second}
}

func (c *Client) call(req Request) (Response, error) {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return Response{}, fmt.Errorf("control: dial %s: %w (is 'subspace serve' running?)", c.socketPath, err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return Response{}, fmt.Errorf("control: send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return Response{}, fmt.Errorf("control: read response: %w", err)
	}
	if !resp.OK {
		return resp, fmt.Errorf("control: %s", resp.Error)
	}
	return resp, nil
}

// Spawn asks the daemon's Host to spawn spec and returns its status.
func (c *Client) Spawn(spec sandbox.CyberSpec) (sandbox.Status, error) {
	resp, err := c.call(Request{Op: "spawn", Name: spec.Name, Spawn: &spec})
	if err != nil {
		return sandbox.Status{}, err
	}
	if resp.Status == nil {
		return sandbox.Status{}, fmt.Errorf("control: spawn %s: empty status in response", spec.Name)
	}
	return *resp.Status, nil
}

// Terminate asks the daemon's Host to terminate name within grace.
func (c *Client) Terminate(name string, grace time.Duration) error {
	_, err := c.call(Request{Op: "terminate", Name: name, GraceSeconds: grace.Seconds()})
	return err
}

// Status asks the daemon's Host for name's current status.
func (c *Client) Status(name string) (sandbox.Status, error) {
	resp, err := c.call(Request{Op: "status", Name: name})
	if err != nil {
		return sandbox.Status{}, err
	}
	return *resp.Status, nil
}
