// Command corpus-worker runs a worker fleet node: one worker pool per
// configured queue, long-polling the corpusd task router and executing
// activities against the shared stores. Coordination activities (child
// starts, cross-workflow signals, cancellation) go through an orchestrator
// client built over the same stores; the router node keeps sole ownership
// of the timer sweeper and the lease reaper.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"goa.design/clue/debug"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/corpusworks/corpus/activities"
	"github.com/corpusworks/corpus/blob"
	clientsmongo "github.com/corpusworks/corpus/clients/mongo"
	clientspulse "github.com/corpusworks/corpus/clients/pulse"
	"github.com/corpusworks/corpus/config"
	"github.com/corpusworks/corpus/engine/durable"
	"github.com/corpusworks/corpus/engine/task"
	"github.com/corpusworks/corpus/engine/task/taskhttp"
	"github.com/corpusworks/corpus/engine/worker"
	"github.com/corpusworks/corpus/engine/workflow"
	"github.com/corpusworks/corpus/graph"
	"github.com/corpusworks/corpus/inbox"
	"github.com/corpusworks/corpus/metadata"
	"github.com/corpusworks/corpus/store"
	storemongo "github.com/corpusworks/corpus/store/mongo"
	"github.com/corpusworks/corpus/telemetry"
	"github.com/corpusworks/corpus/vector"
	"github.com/corpusworks/corpus/visibility"
	"github.com/corpusworks/corpus/workflows"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		routerF = flag.String("router-url", "", "corpusd base URL (overrides worker.router_url)")
		healthF = flag.String("health-addr", "", "Health endpoint listen address (overrides worker.health_addr)")
		dbgF    = flag.Bool("debug", false, "Enable debug endpoints and debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	cfg, err := config.Load(*configF)
	if err != nil {
		log.Fatalf(ctx, err, "load configuration")
	}
	if *routerF != "" {
		cfg.Worker.RouterURL = *routerF
	}
	if *healthF != "" {
		cfg.Worker.HealthAddr = *healthF
	}
	if cfg.Worker.RouterURL == "" {
		log.Fatalf(ctx, fmt.Errorf("worker.router_url is required"), "load configuration")
	}
	if cfg.Storage.Backend != config.BackendMongo {
		// Worker nodes act on the same executions, histories, and inboxes
		// as the router node; only a shared backend gives them that view.
		log.Fatalf(ctx, fmt.Errorf("storage.backend must be %q on worker nodes, got %q",
			config.BackendMongo, cfg.Storage.Backend), "load configuration")
	}
	log.Print(ctx, log.KV{K: "router-url", V: cfg.Worker.RouterURL},
		log.KV{K: "health-addr", V: cfg.Worker.HealthAddr})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	mc, err := clientsmongo.New(ctx, clientsmongo.Options{
		URI:      cfg.Storage.MongoURI,
		Database: cfg.Storage.MongoDatabase,
	})
	if err != nil {
		log.Fatalf(ctx, err, "connect mongodb")
	}
	defer mc.Close(context.Background())
	bundle, err := storemongo.New(ctx, storemongo.Options{Client: mc})
	if err != nil {
		log.Fatalf(ctx, err, "prepare mongodb stores")
	}
	checkers := []health.Pinger{mc}

	var rdb *redis.Client
	if cfg.Storage.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		defer rdb.Close()
	}
	var pulseClient clientspulse.Client
	if rdb != nil {
		if pulseClient, err = clientspulse.New(clientspulse.Options{Redis: rdb}); err != nil {
			log.Fatalf(ctx, err, "create pulse client")
		}
	}

	inboxSvc, err := inbox.New(inbox.Options{
		Store:   bundle.Inboxes,
		Pulse:   pulseClient,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create inbox service")
	}

	modelClient, embedder, err := buildModel(ctx, cfg, rdb)
	if err != nil {
		log.Fatalf(ctx, err, "configure model provider")
	}
	blobStore, err := blob.NewMongo(mc)
	if err != nil {
		log.Fatalf(ctx, err, "create blob store")
	}
	graphStore, err := graph.NewMongo(ctx, mc)
	if err != nil {
		log.Fatalf(ctx, err, "create graph store")
	}
	var vectorIndex vector.Index
	if cfg.VectorDB.Backend == config.BackendRedis {
		if vectorIndex, err = vector.NewRedis(rdb); err != nil {
			log.Fatalf(ctx, err, "create vector index")
		}
	} else {
		vectorIndex = vector.NewMemory()
	}
	var metadataStore metadata.Store
	if cfg.Metadata.Backend == config.BackendPostgres {
		pg, err := metadata.NewPostgres(ctx, cfg.Metadata.PostgresDSN)
		if err != nil {
			log.Fatalf(ctx, err, "connect postgres metadata store")
		}
		defer pg.Close()
		metadataStore = pg
		checkers = append(checkers, pg)
	} else {
		metadataStore = metadata.NewMemory()
	}

	// Orchestrator client for the coordination activities. It shares the
	// stores with corpusd, so its Enqueue lands tasks the router node hands
	// out; background loops (timers, reaper) stay on the router node.
	wfRegistry := workflow.NewRegistry()
	if err := workflows.Register(wfRegistry); err != nil {
		log.Fatalf(ctx, err, "register workflow definitions")
	}
	actRegistry := worker.NewRegistry()

	enqueuer := &lateEnqueuer{}
	orchestrator, err := durable.New(durable.Config{
		Executions:       bundle.Executions,
		Histories:        bundle.Histories,
		Tasks:            bundle.Tasks,
		Timers:           bundle.Timers,
		Index:            visibility.New(bundle.Attributes, logger),
		Registry:         wfRegistry,
		Enqueuer:         enqueuer,
		ActivityDefaults: actRegistry.Defaults,
		Logger:           logger,
		Metrics:          metrics,
		MaxHistoryEvents: cfg.Engine.MaxHistoryEvents,
		MaxHistoryBytes:  cfg.Engine.MaxHistoryBytes,
		ChannelCapacity:  cfg.Engine.ChannelCapacity,
		TimerInterval:    cfg.Engine.TimerInterval,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create orchestrator client")
	}
	dispatcher, err := task.New(task.Config{
		Tasks:    bundle.Tasks,
		Reporter: orchestrator,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create task enqueuer")
	}
	enqueuer.dispatcher = dispatcher

	if err := activities.Register(actRegistry, activities.Deps{
		Blob:             blobStore,
		Vector:           vectorIndex,
		Graph:            graphStore,
		Metadata:         metadataStore,
		Model:            modelClient,
		Embedder:         embedder,
		Engine:           orchestrator,
		Inbox:            inboxSvc,
		Logger:           logger,
		VectorCollection: cfg.VectorDB.Collection,
	}); err != nil {
		log.Fatalf(ctx, err, "register activities")
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	router := taskhttp.NewClient(cfg.Worker.RouterURL, nil)
	poolCfgs := cfg.Worker.Pools
	if len(poolCfgs) == 0 {
		for _, spec := range task.DefaultQueues() {
			poolCfgs = append(poolCfgs, config.PoolConfig{Queue: spec.Name, MaxConcurrent: spec.MaxConcurrent})
		}
	}
	pools := make([]*worker.Pool, 0, len(poolCfgs))
	for _, pc := range poolCfgs {
		pool, err := worker.New(worker.Config{
			Queue:          pc.Queue,
			Router:         router,
			Registry:       actRegistry,
			Pollers:        pc.Pollers,
			MaxConcurrent:  pc.MaxConcurrent,
			PollsPerSecond: pc.PollsPerSecond,
			DrainTimeout:   cfg.Worker.DrainTimeout,
			Logger:         logger,
			Metrics:        metrics,
		})
		if err != nil {
			log.Fatalf(ctx, err, "create worker pool for %s", pc.Queue)
		}
		pool.Start()
		pools = append(pools, pool)
		checkers = append(checkers, pool)
		log.Printf(ctx, "worker pool started for queue %s", pc.Queue)
	}

	if cfg.Worker.HealthAddr != "" {
		handleHealthServer(ctx, cfg.Worker.HealthAddr, checkers, &wg, errc, *dbgF)
	}

	log.Printf(ctx, "exiting (%v)", <-errc)
	cancel()
	for _, p := range pools {
		if err := p.Stop(context.Background()); err != nil {
			log.Printf(ctx, "worker pool drain: %v", err)
		}
	}
	wg.Wait()
	log.Printf(ctx, "exited")
}

// lateEnqueuer defers Enqueue to the dispatcher, which is constructed after
// the orchestrator it reports to.
type lateEnqueuer struct {
	dispatcher *task.Dispatcher
}

func (e *lateEnqueuer) Enqueue(ctx context.Context, t store.TaskRecord) error {
	return e.dispatcher.Enqueue(ctx, t)
}

// handleHealthServer serves /livez and /healthz (and the debug endpoints
// when enabled) until ctx is cancelled.
func handleHealthServer(ctx context.Context, addr string, checkers []health.Pinger,
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

	srv := &http.Server{Addr: addr, Handler: log.HTTP(ctx)(mux), ReadHeaderTimeout: 60 * time.Second}

	wg.Add(1)
	go func() {
		defer wg.Done()

		go func() {
			log.Printf(ctx, "health server listening on %q", addr)
			errc <- srv.ListenAndServe()
		}()

		<-ctx.Done()
		log.Printf(ctx, "shutting down health server at %q", addr)
		sctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			log.Errorf(ctx, err, "health server shutdown")
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
