package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/neilt93/mcp-chaos/internal/config"
	"github.com/neilt93/mcp-chaos/internal/fanout"
	"github.com/neilt93/mcp-chaos/internal/proxy"
	"github.com/neilt93/mcp-chaos/internal/spawn"
	"github.com/neilt93/mcp-chaos/internal/store"
	internalhttp "github.com/neilt93/mcp-chaos/internal/transport/http"
	"github.com/neilt93/mcp-chaos/internal/transport/rpc"
	"github.com/neilt93/mcp-chaos/internal/transport/ws"
)

func main() {
	dsn := flag.String("dsn", "", "override the journal database DSN")
	proxyRun := flag.String("proxy-run", "", "run a Stdio Proxy session for this run id over this process's stdin/stdout, then exit")
	flag.Parse()

	cfg := config.Load()
	if *dsn != "" {
		cfg.DatabaseDSN = *dsn
	}

	if *proxyRun != "" {
		runProxySession(cfg, *proxyRun)
		return
	}

	log.Printf("starting toolguard core...")
	log.Printf("database: %s", cfg.DatabaseDSN)
	log.Printf("http port: %d, ws port: %d, rpc addr: %s", cfg.HTTPPort, cfg.WSPort, cfg.RPCAddr)

	st, err := store.NewSQLiteStore(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to open journal store: %v", err)
	}
	defer st.Close()

	fanoutHub := fanout.New()
	go fanoutHub.Run()

	httpServer := internalhttp.NewServer(st, fanoutHub)

	wsEcho := echo.New()
	wsEcho.HideBanner = true
	wsEcho.HidePort = true
	wsEcho.Use(middleware.Logger())
	wsEcho.Use(middleware.Recover())
	wsServer := ws.NewServer(fanoutHub)
	wsEcho.GET("/ws", wsServer.HandleWebSocket)

	rpcServer, err := rpc.NewServer(st, fanoutHub)
	if err != nil {
		log.Fatalf("failed to register rpc handler: %v", err)
	}

	go func() {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		if err := httpServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server failed: %v", err)
		}
	}()
	go func() {
		addr := fmt.Sprintf(":%d", cfg.WSPort)
		if err := wsEcho.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("ws server failed: %v", err)
		}
	}()
	go func() {
		if err := rpcServer.Start(cfg.RPCAddr); err != nil {
			log.Printf("rpc server stopped: %v", err)
		}
	}()

	log.Printf("toolguard core is up")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("shutting down toolguard core...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown error: %v", err)
	}
	if err := wsEcho.Shutdown(shutdownCtx); err != nil {
		log.Printf("ws shutdown error: %v", err)
	}
	if err := rpcServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("rpc shutdown error: %v", err)
	}

	log.Println("toolguard core stopped")
}

// runProxySession drives a single proxy-kind run to completion over this
// process's own stdin/stdout, then exits. This is how a run created with
// kind "proxy" (POST /v1/runs) actually executes: an AI client spawns
// `toolguard -proxy-run <run id>` itself, wiring this process's stdin/stdout
// to its own end of the pipe, the same way it would spawn the downstream
// tool server directly if there were no proxy in between (spec.md §4.1).
// The run's target command and chaos config are read back from the Journal
// Store record created by CreateRun, rather than passed again on the command
// line, so the core remains the single source of truth for both.
func runProxySession(cfg *config.Config, runID string) {
	st, err := store.NewSQLiteStore(cfg.DatabaseDSN)
	if err != nil {
		log.Fatalf("failed to open journal store: %v", err)
	}
	defer st.Close()

	run, err := st.GetRun(context.Background(), runID)
	if err != nil {
		log.Fatalf("failed to load run %s: %v", runID, err)
	}

	fanoutHub := fanout.New()
	go fanoutHub.Run()

	handle, err := proxy.New(st, fanoutHub).Start(context.Background(), proxy.Config{
		RunID:         runID,
		TargetCommand: run.Target,
		ChaosConfig:   run.ChaosConfig,
		ClientIn:      os.Stdin,
		ClientOut:     os.Stdout,
		Runner:        spawn.OSRunner{},
	})
	if err != nil {
		log.Fatalf("failed to start proxy session for run %s: %v", runID, err)
	}
	handle.Wait()
}
