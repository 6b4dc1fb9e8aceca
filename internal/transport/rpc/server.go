// Package rpc implements the cross-process notification RPC (net/rpc/
// jsonrpc) spec.md §6 describes for the case where the Stdio Proxy and the
// server owning the Journal run as separate processes.
package rpc

import (
	"context"
	"errors"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"time"

	"github.com/neilt93/mcp-chaos/internal/domain"
	"github.com/neilt93/mcp-chaos/internal/fanout"
	"github.com/neilt93/mcp-chaos/internal/store"
)

// Server exposes the PushEvent RPC endpoint.
type Server struct {
	listener  net.Listener
	rpcServer *rpc.Server
	done      chan struct{}
}

// NewServer registers a Handler backed by st and fo under the name
// "ToolGuard".
func NewServer(st store.Store, fo *fanout.Hub) (*Server, error) {
	rpcServer := rpc.NewServer()
	handler := &Handler{store: st, fanout: fo}
	if err := rpcServer.RegisterName("ToolGuard", handler); err != nil {
		return nil, err
	}

	return &Server{
		rpcServer: rpcServer,
		done:      make(chan struct{}),
	}, nil
}

// Start accepts RPC connections on addr until Shutdown is called.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = ln

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				close(s.done)
				return nil
			}
			log.Printf("rpc: accept error: %v", err)
			continue
		}

		go s.rpcServer.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}

// Shutdown stops accepting new RPC connections and waits for Start to
// return.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	if err := s.listener.Close(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Handler implements the ToolGuard RPC methods.
type Handler struct {
	store  store.Store
	fanout *fanout.Hub
}

// PushEventRequest is the RPC request body for event delivery.
type PushEventRequest struct {
	RunID string       `json:"run_id"`
	Event domain.Event `json:"event"`
}

// PushEventResponse is the RPC response for event delivery.
type PushEventResponse struct {
	OK      bool  `json:"ok"`
	EventID int64 `json:"event_id"`
}

// PushEvent appends an event to the Journal and fans it out, the RPC
// equivalent of the HTTP /internal/events endpoint.
func (h *Handler) PushEvent(req *PushEventRequest, resp *PushEventResponse) error {
	if req == nil {
		return errors.New("push event request is required")
	}
	if req.RunID == "" {
		return errors.New("run_id is required")
	}

	req.Event.RunID = req.RunID
	if req.Event.Timestamp.IsZero() {
		req.Event.Timestamp = time.Now().UTC()
	}

	id, err := h.store.InsertEvent(context.Background(), &req.Event)
	if err != nil {
		return err
	}

	_ = h.fanout.PublishJSON(fanout.RunTopic(req.RunID), req.Event)
	_ = h.fanout.PublishJSON(fanout.GlobalTopic, req.Event)

	if resp != nil {
		resp.OK = true
		resp.EventID = id
	}
	return nil
}
