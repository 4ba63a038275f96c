// Command nogd runs the nog support daemon: it leases and renews AWS
// credentials from Vault (spec §4.9) and serves a health endpoint,
// following the teacher's cmd/oci-pull-through/main.go shutdown and
// h2c-listener shape.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/nogproject/nog/internal/config"
	"github.com/nogproject/nog/internal/vault"
)

func main() {
	// Self-contained healthcheck for scratch containers (no curl/wget available).
	// Usage: nogd -healthcheck
	if len(os.Args) > 1 && os.Args[1] == "-healthcheck" {
		resp, err := http.Get("http://127.0.0.1:8080/healthz")
		if err != nil || resp.StatusCode != http.StatusOK {
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel})))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var vaultMgr *vault.Manager
	if cfg.VaultAddr != "" {
		var err error
		vaultMgr, err = vault.New(cfg.VaultAddr, cfg.VaultTokenFile)
		if err != nil {
			slog.Error("failed to create vault manager", "error", err)
			os.Exit(1)
		}
		go func() {
			if err := vaultMgr.Run(ctx); err != nil {
				slog.Error("vault manager stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})

	h2s := &http2.Server{}
	server := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h2c.NewHandler(mux, h2s),
	}

	go func() {
		slog.Info("starting server", "addr", cfg.ListenAddr, "vault", cfg.VaultAddr != "")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	if vaultMgr != nil {
		if err := vaultMgr.Shutdown(shutdownCtx); err != nil {
			slog.Error("vault shutdown error", "error", err)
		}
	}
	slog.Info("shutdown complete")
}
