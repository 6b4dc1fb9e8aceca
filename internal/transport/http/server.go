// Package http implements the REST CRUD and notification surface spec.md §6
// names as "external collaborator APIs": Project/Agent/Run create/get/list/
// delete, run events, start-stress, latest-stress-summary, and a
// notification endpoint for a split proxy process.
package http

import (
	"context"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/neilt93/mcp-chaos/internal/fanout"
	"github.com/neilt93/mcp-chaos/internal/stress"
	"github.com/neilt93/mcp-chaos/internal/store"
)

// Server is the echo-backed HTTP server exposing the core's CRUD and
// notification surface.
type Server struct {
	echo *echo.Echo
	h    *Handler
}

// NewServer wires st, fo, and a Stress Runner into a Handler and registers
// every route.
func NewServer(st store.Store, fo *fanout.Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	h := &Handler{
		store:  st,
		fanout: fo,
		stress: stress.New(st, fo),
	}

	e.GET("/health", h.Health)

	e.POST("/v1/projects", h.CreateProject)
	e.GET("/v1/projects", h.ListProjects)
	e.GET("/v1/projects/:id", h.GetProject)
	e.DELETE("/v1/projects/:id", h.DeleteProject)

	e.POST("/v1/agents", h.CreateAgent)
	e.GET("/v1/agents/:id", h.GetAgent)
	e.GET("/v1/projects/:project_id/agents", h.ListAgents)
	e.DELETE("/v1/agents/:id", h.DeleteAgent)
	e.GET("/v1/agents/:id/runs/latest", h.LatestStressSummary)
	e.POST("/v1/agents/:id/stress", h.StartStress)

	e.POST("/v1/runs", h.CreateRun)
	e.GET("/v1/runs/:id", h.GetRun)
	e.GET("/v1/runs", h.ListRuns)
	e.DELETE("/v1/runs/:id", h.DeleteRun)
	e.GET("/v1/runs/:id/events", h.ListEvents)
	e.POST("/v1/runs/:baseline_id/diff/:current_id", h.DiffRuns)

	e.POST("/internal/events", h.PushEvent)

	return &Server{echo: e, h: h}
}

// Start begins serving on addr.
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
