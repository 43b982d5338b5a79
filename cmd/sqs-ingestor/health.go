package main

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

type healthServer struct {
	srv *http.Server
}

// newHealthServer reports healthy until done is closed, i.e. until every
// worker has exited.
func newHealthServer(addr string, done <-chan struct{}) *healthServer {
	mux := chi.NewMux()
	mux.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-done:
			http.Error(w, "workers stopped", http.StatusServiceUnavailable)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		}
	})

	return &healthServer{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

func (h *healthServer) serve(log *slog.Logger) {
	log.Info("serving health checks", slog.String("addr", h.srv.Addr))
	if err := h.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("health server failed", slog.Any("error", err))
	}
}
