package main

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/corpusworks/corpus/api"
	"github.com/corpusworks/corpus/engine/task"
	"github.com/corpusworks/corpus/engine/task/taskhttp"
	"github.com/corpusworks/corpus/telemetry"
)

// workerPollHold is how long the worker poll endpoint parks an empty poll
// before answering 204.
const workerPollHold = 60 * time.Second

// handleHTTPServer mounts the ingress API, the worker long-poll RPCs, and
// the health and debug endpoints, then runs the server until ctx is
// cancelled.
func handleHTTPServer(ctx context.Context, addr string, apiSvc *api.Service,
	dispatcher *task.Dispatcher, logger telemetry.Logger, checkers []health.Pinger,
	wg *sync.WaitGroup, errc chan error, dbg bool) {

	mux := chi.NewRouter()
	if dbg {
		debug.MountPprofHandlers(debugMuxer{mux})
		debug.MountDebugLogEnabler(debugMuxer{mux})
	}
	mux.Method(http.MethodGet, "/healthz", health.Handler(health.NewChecker(checkers...)))
	mux.Get("/livez", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	workerSrv := taskhttp.NewServer(dispatcher, logger, workerPollHold)
	mux.Route("/api/v1/worker", workerSrv.Mount)
	mux.Mount("/", apiSvc.Handler())

	var handler http.Handler = mux
	if dbg {
		handler = debug.HTTP()(handler)
	}
	handler = log.HTTP(ctx)(handler)

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "HTTP server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down HTTP server at %q", addr)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Printf(ctx, "failed to shutdown: %v", err)
		}
	}()
}

// debugMuxer adapts *chi.Mux to debug.Muxer: chi declares HandleFunc with
// the named http.HandlerFunc type, which does not match the interface's
// unnamed func signature.
type debugMuxer struct{ *chi.Mux }

var _ debug.Muxer = debugMuxer{}

func (m debugMuxer) HandleFunc(pattern string, h func(http.ResponseWriter, *http.Request)) {
	m.Mux.HandleFunc(pattern, h)
}
