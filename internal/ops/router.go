package ops

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	hpprof "net/http/pprof"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"postpilot/internal/capacity"
	"postpilot/internal/daemon"
	"postpilot/internal/storage"
	rtsup "postpilot/internal/runtime/supervisor"
)

// Planner is the read side the ops endpoints expose.
type Planner interface {
	Capacity(ctx context.Context, accountID string, windowDays int) (capacity.Snapshot, error)
	Alerts(ctx context.Context, accountID string, windowDays int) ([]capacity.Alert, error)
	DaemonStatus(ctx context.Context, accountID string) ([]daemon.RunState, error)
}

type Deps struct {
	Planner Planner
	Runtime *rtsup.Supervisor
	// Extra contributes component stats (notifier, relay, jobs) to /status.
	Extra   func() map[string]any
	Started time.Time
}

// Router builds the read-only API. Token, when set, guards every route.
func Router(deps Deps, token string, pprof bool) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(token))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if deps.Runtime != nil && deps.Runtime.Context().Err() != nil {
			http.Error(w, "stopping", http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/status", handleStatus(deps))
	r.Get("/runtime", handleRuntime(deps))
	r.Route("/accounts/{id}", func(r chi.Router) {
		r.Get("/status", handleAccountStatus(deps))
		r.Get("/capacity", handleCapacity(deps))
		r.Get("/alerts", handleAlerts(deps))
	})

	if pprof {
		r.HandleFunc("/debug/pprof/*", hpprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}
	return r
}

// StatusReport is the /status body.
type StatusReport struct {
	Uptime  string            `json:"uptime,omitempty"`
	Daemons []daemon.RunState `json:"daemons"`
	Extra   map[string]any    `json:"components,omitempty"`
	Runtime *rtsup.Counters   `json:"runtime,omitempty"`
}

func handleStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := deps.Planner.DaemonStatus(r.Context(), "")
		if err != nil {
			writeError(w, err)
			return
		}
		rep := StatusReport{Daemons: states}
		if !deps.Started.IsZero() {
			rep.Uptime = time.Since(deps.Started).Round(time.Second).String()
		}
		if deps.Extra != nil {
			rep.Extra = deps.Extra()
		}
		if deps.Runtime != nil {
			c := deps.Runtime.Counters()
			rep.Runtime = &c
		}
		writeJSON(w, http.StatusOK, rep)
	}
}

func handleAccountStatus(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		states, err := deps.Planner.DaemonStatus(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, states)
	}
}

func handleCapacity(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window, err := windowParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		snap, err := deps.Planner.Capacity(r.Context(), chi.URLParam(r, "id"), window)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleAlerts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		window, err := windowParam(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		alerts, err := deps.Planner.Alerts(r.Context(), chi.URLParam(r, "id"), window)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, alerts)
	}
}

type runtimeReport struct {
	Goroutines int            `json:"goroutines"`
	HeapAlloc  uint64         `json:"heap_alloc"`
	HeapSys    uint64         `json:"heap_sys"`
	NumGC      uint32         `json:"num_gc"`
	Supervisor rtsup.Snapshot `json:"supervisor"`
}

func handleRuntime(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		writeJSON(w, http.StatusOK, runtimeReport{
			Goroutines: runtime.NumGoroutine(),
			HeapAlloc:  ms.HeapAlloc,
			HeapSys:    ms.HeapSys,
			NumGC:      ms.NumGC,
			Supervisor: deps.Runtime.Snapshot(),
		})
	}
}

// windowParam reads ?window=N; absent means the planner default.
func windowParam(r *http.Request) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("window"))
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 || n > 366 {
		return 0, fmt.Errorf("window must be a number of days between 1 and 366")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// BearerAuth accepts "Authorization: Bearer <token>" or ?token=. An empty
// token disables the check.
func BearerAuth(token string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got := r.URL.Query().Get("token")
			if got == "" {
				got = strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			}
			if got != tok {
				w.Header().Set("WWW-Authenticate", "Bearer")
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
