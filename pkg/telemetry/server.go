package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readyTimeout = 2 * time.Second

// Dependency is a named readiness check, e.g. the Postgres pool or Redis.
type Dependency struct {
	Name  string
	Check func(ctx context.Context) error
}

// Depends pairs a name with its check.
func Depends(name string, check func(ctx context.Context) error) Dependency {
	return Dependency{Name: name, Check: check}
}

// OpsMux serves /metrics, /healthz and /readyz.
func OpsMux(deps ...Dependency) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("GET /readyz", ReadyHandler(deps...))
	return mux
}

// StartMetricsServer serves OpsMux on addr in the background until ctx is
// cancelled.
func StartMetricsServer(ctx context.Context, addr string, logger *slog.Logger, deps ...Dependency) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      OpsMux(deps...),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server starting", slog.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", slog.String("error", err.Error()))
		}
	}()

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()
}

// ReadyHandler checks every dependency in parallel and answers with a JSON
// map of name to "ok" or the check error. Any failure gives 503.
func ReadyHandler(deps ...Dependency) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		var (
			mu     sync.Mutex
			wg     sync.WaitGroup
			status = make(map[string]string, len(deps))
			failed bool
		)
		for _, d := range deps {
			wg.Add(1)
			go func() {
				defer wg.Done()
				res := "ok"
				if err := d.Check(ctx); err != nil {
					res = err.Error()
				}
				mu.Lock()
				defer mu.Unlock()
				status[d.Name] = res
				failed = failed || res != "ok"
			}()
		}
		wg.Wait()

		code := http.StatusOK
		if failed {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}
