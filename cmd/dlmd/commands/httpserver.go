package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/marmos91/godlm/internal/dlm/lkb"
	"github.com/marmos91/godlm/internal/logger"
	"github.com/marmos91/godlm/pkg/dlm"
)

// metricsServer exposes /metrics, /healthz, /directory, /locks/{resource}
// and a POST /recover trigger for one lockspace, for Prometheus scraping
// and dlmctl to poll.
//
// Grounded on pkg/api/server.go's http.Server wrapper: built in a stopped
// state, Start blocks until the context is cancelled, then shuts down with
// a bounded timeout.
type metricsServer struct {
	server *http.Server
}

// lkbView is the JSON projection of an internal lkb.LKB for dlmctl.
type lkbView struct {
	ID        string `json:"id"`
	Owner     string `json:"owner"`
	NodeID    uint16 `json:"node_id"`
	Granted   string `json:"granted"`
	Requested string `json:"requested"`
	State     string `json:"state"`
}

func newLKBView(l *lkb.LKB) lkbView {
	return lkbView{
		ID:        l.ID.String(),
		Owner:     l.Owner,
		NodeID:    l.NodeID,
		Granted:   l.Granted.String(),
		Requested: l.Requested.String(),
		State:     l.State.String(),
	}
}

type resourceLocksView struct {
	Resource   string    `json:"resource"`
	Granted    []lkbView `json:"granted"`
	Converting []lkbView `json:"converting"`
	Waiting    []lkbView `json:"waiting"`
}

func newMetricsServer(addr string, ls *dlm.Lockspace, reg *prometheus.Registry) *metricsServer {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(10 * time.Second))

	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, ls.Stats())
	})

	r.Get("/directory", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, ls.Directory())
	})

	r.Get("/locks", func(w http.ResponseWriter, req *http.Request) {
		names := ls.ResourceNames()
		views := make([]resourceLocksView, 0, len(names))
		for _, name := range names {
			views = append(views, resourceView(ls, name))
		}
		writeJSON(w, views)
	})

	r.Get("/locks/{resource}", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, resourceView(ls, chi.URLParam(req, "resource")))
	})

	r.Post("/recover", func(w http.ResponseWriter, req *http.Request) {
		ls.ForceRecover()
		w.WriteHeader(http.StatusAccepted)
	})

	return &metricsServer{
		server: &http.Server{
			Addr:         addr,
			Handler:      r,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 5 * time.Second,
		},
	}
}

func resourceView(ls *dlm.Lockspace, name string) resourceLocksView {
	granted, converting, waiting := ls.Resource(name)
	v := resourceLocksView{
		Resource:   name,
		Granted:    make([]lkbView, 0, len(granted)),
		Converting: make([]lkbView, 0, len(converting)),
		Waiting:    make([]lkbView, 0, len(waiting)),
	}
	for _, l := range granted {
		v.Granted = append(v.Granted, newLKBView(l))
	}
	for _, l := range converting {
		v.Converting = append(v.Converting, newLKBView(l))
	}
	for _, l := range waiting {
		v.Waiting = append(v.Waiting, newLKBView(l))
	}
	return v
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *metricsServer) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
			return
		}
		errChan <- nil
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		<-errChan
		return nil
	case err := <-errChan:
		return err
	}
}
