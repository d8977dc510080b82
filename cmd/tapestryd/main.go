// Command tapestryd boots the Coordinator through RUNTIME and serves the
// RPC plane over a minimal JSON-over-HTTP reference transport. The wire
// packet contract (hello/hello_ack/rpc_call/rpc_response) is the framework's
// boundary; this transport is a sample collaborator, not the contract
// itself, and is swappable for a length-prefixed socket transport without
// touching pkg/rpc.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tapestry-hosting/tapestry/pkg/config"
	"github.com/tapestry-hosting/tapestry/pkg/rpc"
	"github.com/tapestry-hosting/tapestry/pkg/tapestry"
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	ctx := context.Background()

	fmt.Fprintln(os.Stdout, "tapestryd starting...")

	cfg := config.Load()

	coord, err := tapestry.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("construct coordinator", "error", err)
		return 1
	}
	logger.Info("coordinator constructed", "extensions_root", cfg.ExtensionsRoot)

	if err := coord.Boot(ctx); err != nil {
		logger.Error("boot failed", "error", err)
		return 1
	}
	logger.Info("boot complete", "phase", coord.Phase.Current().String(), "methods", len(coord.RPC.MethodIDs()))

	mux := http.NewServeMux()
	registerHealthRoute(mux, coord)
	registerRPCRoute(mux, coord)
	registerStatusRoute(mux, coord)

	addr := envOr("TAPESTRY_LISTEN_ADDR", ":7700")
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("rpc plane listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warn("observability shutdown", "error", err)
	}
	return 0
}

func registerHealthRoute(mux *http.ServeMux, coord *tapestry.Coordinator) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"phase":  coord.Phase.Current().String(),
			"status": "ok",
		})
	})
}

func registerStatusRoute(mux *http.ServeMux, coord *tapestry.Coordinator) {
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"phase":   coord.Phase.Current().String(),
			"methods": coord.RPC.MethodIDs(),
		})
	})
}

// registerRPCRoute accepts one hello frame per connection (identified by a
// client-supplied X-Connection-Id header) followed by any number of
// rpc_call frames, mirroring spec §4.8's exchange over a request/response
// transport rather than a persistent socket.
func registerRPCRoute(mux *http.ServeMux, coord *tapestry.Coordinator) {
	mux.HandleFunc("/rpc/hello", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var hello rpc.HelloFrame
		if err := json.NewDecoder(r.Body).Decode(&hello); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		connID := r.Header.Get("X-Connection-Id")
		ack, fail, token, ok := coord.Handshake.Accept(connID, hello)
		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			_ = json.NewEncoder(w).Encode(fail)
			return
		}
		w.Header().Set("X-Handshake-Token", token)
		_ = json.NewEncoder(w).Encode(ack)
	})

	mux.HandleFunc("/rpc/call", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var call rpc.RPCCallFrame
		if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		connID := r.Header.Get("X-Connection-Id")
		resp := coord.RPC.Dispatch(r.Context(), connID, nil, call)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
