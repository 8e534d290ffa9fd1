package protocol

import (
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/datazip-inc/tidemark/logger"
	"github.com/datazip-inc/tidemark/pkg/metrics"
	"github.com/datazip-inc/tidemark/types"
	"github.com/felixge/fgprof"
	"github.com/goccy/go-json"
	"github.com/gorilla/mux"
)

// NewRouter serves profiling, prometheus metrics and the current split state
func NewRouter(state func() *types.State) *mux.Router {
	master := mux.NewRouter()
	master.HandleFunc("/debug/pprof", pprof.Index)
	master.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	master.Handle("/debug/pprof/profile", fgprof.Handler())
	master.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	master.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
	master.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	master.Handle("/debug/pprof/threadcreate", pprof.Handler("threadcreate"))
	master.Handle("/debug/pprof/block", pprof.Handler("block"))

	if handler := metrics.Handler(); handler != nil {
		master.Handle("/metrics", handler)
	}

	master.HandleFunc("/state", func(w http.ResponseWriter, _ *http.Request) {
		current := state()
		if current == nil {
			http.Error(w, "state not loaded", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(current.Persisted()); err != nil {
			logger.Errorf("failed to encode state: %s", err)
		}
	}).Methods(http.MethodGet)

	return master
}

// StartHTTPServer serves NewRouter in the background
func StartHTTPServer(port int, state func() *types.State) *http.Server {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           NewRouter(state),
		ReadTimeout:       time.Second * 60,
		ReadHeaderTimeout: time.Second * 60,
		IdleTimeout:       time.Second * 65,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("http server stopped: %s", err)
		}
	}()
	return server
}
