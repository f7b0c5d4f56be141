// Command corpusd runs the orchestrator node: the durable workflow engine,
// the task-queue router with its worker RPC endpoints, and the ingress
// HTTP/WS API. Worker pools normally run in corpus-worker processes that
// long-poll this node; dev mode hosts in-process pools so a single binary
// serves the whole platform against in-memory stores.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"
	"goa.design/clue/health"
	"goa.design/clue/log"

	"github.com/corpusworks/corpus/activities"
	"github.com/corpusworks/corpus/api"
	"github.com/corpusworks/corpus/blob"
	clientsmongo "github.com/corpusworks/corpus/clients/mongo"
	clientspulse "github.com/corpusworks/corpus/clients/pulse"
	"github.com/corpusworks/corpus/config"
	"github.com/corpusworks/corpus/engine/durable"
	"github.com/corpusworks/corpus/engine/task"
	"github.com/corpusworks/corpus/engine/worker"
	"github.com/corpusworks/corpus/engine/workflow"
	"github.com/corpusworks/corpus/graph"
	"github.com/corpusworks/corpus/inbox"
	"github.com/corpusworks/corpus/metadata"
	"github.com/corpusworks/corpus/model"
	"github.com/corpusworks/corpus/store"
	"github.com/corpusworks/corpus/store/memory"
	storemongo "github.com/corpusworks/corpus/store/mongo"
	"github.com/corpusworks/corpus/telemetry"
	"github.com/corpusworks/corpus/vector"
	"github.com/corpusworks/corpus/visibility"
	"github.com/corpusworks/corpus/workflows"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to the YAML configuration file")
		addrF   = flag.String("http-addr", "", "HTTP listen address (overrides server.http_addr)")
		devF    = flag.Bool("dev", false, "Dev mode: memory stores, insecure token verifier, in-process worker pools")
		dbgF    = flag.Bool("debug", false, "Log request and response bodies")
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
	if *addrF != "" {
		cfg.Server.HTTPAddr = *addrF
	}
	if *devF {
		cfg.Storage.Backend = config.BackendMemory
		cfg.VectorDB.Backend = config.BackendMemory
		cfg.Metadata.Backend = config.BackendMemory
	}
	log.Print(ctx, log.KV{K: "http-addr", V: cfg.Server.HTTPAddr},
		log.KV{K: "storage", V: cfg.Storage.Backend}, log.KV{K: "dev", V: *devF})

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Persistence. The mongo backend shares one client between the engine
	// stores and the blob/graph adapters.
	var (
		stores   engineStores
		mc       clientsmongo.Client
		checkers []health.Pinger
	)
	switch cfg.Storage.Backend {
	case config.BackendMongo:
		mc, err = clientsmongo.New(ctx, clientsmongo.Options{
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
		stores = engineStores{
			Executions: bundle.Executions,
			Histories:  bundle.Histories,
			Tasks:      bundle.Tasks,
			Timers:     bundle.Timers,
			Attributes: bundle.Attributes,
			Inboxes:    bundle.Inboxes,
		}
		checkers = append(checkers, mc)
	default:
		mem := memory.New()
		stores = engineStores{
			Executions: mem.Executions,
			Histories:  mem.Histories,
			Tasks:      mem.Tasks,
			Timers:     mem.Timers,
			Attributes: mem.Attributes,
			Inboxes:    mem.Inboxes,
		}
	}

	// Redis backs Pulse streams, the redis vector index, and the model
	// response cache. All three degrade gracefully when absent.
	var rdb *redis.Client
	if cfg.Storage.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		defer rdb.Close()
	}
	var (
		pulseClient clientspulse.Client
		capacity    task.EventSink
		feed        *inbox.Subscriber
	)
	if rdb != nil {
		pulseClient, err = clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			log.Fatalf(ctx, err, "create pulse client")
		}
		capacity, err = clientspulse.NewCapacitySink(pulseClient)
		if err != nil {
			log.Fatalf(ctx, err, "create capacity sink")
		}
		feed, err = inbox.NewSubscriber(inbox.SubscriberOptions{Client: pulseClient})
		if err != nil {
			log.Fatalf(ctx, err, "create inbox subscriber")
		}
	}

	inboxSvc, err := inbox.New(inbox.Options{
		Store:   stores.Inboxes,
		Pulse:   pulseClient,
		Logger:  logger,
		Metrics: metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create inbox service")
	}

	// Adapters for the activity library.
	var (
		modelClient model.Client
		embedder    activities.Embedder
	)
	if *devF && cfg.Model.APIKey == "" {
		log.Printf(ctx, "dev mode without model.api_key, completions are stubbed")
		modelClient = devModel{}
		embedder = activities.HashingEmbedder{}
	} else if modelClient, embedder, err = buildModel(ctx, cfg, rdb); err != nil {
		log.Fatalf(ctx, err, "configure model provider")
	}
	var blobStore blob.Store
	var graphStore graph.Store
	if mc != nil {
		if blobStore, err = blob.NewMongo(mc); err != nil {
			log.Fatalf(ctx, err, "create blob store")
		}
		if graphStore, err = graph.NewMongo(ctx, mc); err != nil {
			log.Fatalf(ctx, err, "create graph store")
		}
	} else {
		blobStore = blob.NewMemory()
		graphStore = graph.NewMemory()
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

	// Engine assembly. The dispatcher reports task outcomes to the
	// orchestrator and the orchestrator enqueues scheduled activities on the
	// dispatcher; the enqueuer shim breaks the construction cycle.
	wfRegistry := workflow.NewRegistry()
	if err := workflows.Register(wfRegistry); err != nil {
		log.Fatalf(ctx, err, "register workflow definitions")
	}
	actRegistry := worker.NewRegistry()

	enqueuer := &lateEnqueuer{}
	index := visibility.New(stores.Attributes, logger)
	orchestrator, err := durable.New(durable.Config{
		Executions:       stores.Executions,
		Histories:        stores.Histories,
		Tasks:            stores.Tasks,
		Timers:           stores.Timers,
		Index:            index,
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
		log.Fatalf(ctx, err, "create orchestrator")
	}
	dispatcher, err := task.New(task.Config{
		Tasks:    stores.Tasks,
		Reporter: orchestrator,
		Events:   capacity,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create task dispatcher")
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

	var verifier api.TokenVerifier = api.InsecureVerifier{}
	if !*devF {
		// The reverse proxy in front of corpusd owns token issuance and
		// verification; tokens arriving here already passed it, so the ID is
		// taken at face value. Replace with a StaticVerifier or a custom
		// TokenVerifier when corpusd is exposed directly.
		log.Printf(ctx, "no token verifier configured, accepting forwarded principals")
	}
	apiSvc, err := api.New(api.Options{
		Engine:         orchestrator,
		Inbox:          inboxSvc,
		Subscriber:     feed,
		Verifier:       verifier,
		RateLimitRPS:   cfg.Server.RateLimitRPS,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		CORSOrigins:    cfg.Server.CORSOrigins,
		Logger:         logger,
		Metrics:        metrics,
	})
	if err != nil {
		log.Fatalf(ctx, err, "create api service")
	}

	errc := make(chan error)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		errc <- fmt.Errorf("%s", <-c)
	}()

	var wg sync.WaitGroup
	ctx, cancel := context.WithCancel(ctx)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := orchestrator.RunTimers(ctx); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("timer sweeper: %w", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := dispatcher.RunReaper(ctx); err != nil && ctx.Err() == nil {
			errc <- fmt.Errorf("lease reaper: %w", err)
		}
	}()

	var pools []*worker.Pool
	if *devF {
		pools = startLocalPools(ctx, cfg, dispatcher, actRegistry, logger, metrics)
		for _, p := range pools {
			checkers = append(checkers, p)
		}
	}

	handleHTTPServer(ctx, cfg.Server.HTTPAddr, apiSvc, dispatcher, logger, checkers, &wg, errc, *dbgF)

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

// engineStores groups the persistence interfaces the engine consumes, so the
// memory and mongo bundles wire identically.
type engineStores struct {
	Executions store.ExecutionStore
	Histories  store.HistoryStore
	Tasks      store.TaskStore
	Timers     store.TimerStore
	Attributes store.AttributeStore
	Inboxes    store.InboxStore
}

// lateEnqueuer defers Enqueue to the dispatcher, which is constructed after
// the orchestrator it reports to.
type lateEnqueuer struct {
	dispatcher *task.Dispatcher
}

func (e *lateEnqueuer) Enqueue(ctx context.Context, t store.TaskRecord) error {
	return e.dispatcher.Enqueue(ctx, t)
}

// startLocalPools runs one in-process worker pool per configured queue
// (dev mode).
func startLocalPools(ctx context.Context, cfg *config.Config, dispatcher *task.Dispatcher,
	registry *worker.Registry, logger telemetry.Logger, metrics telemetry.Metrics) []*worker.Pool {

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
			Router:         dispatcher,
			Registry:       registry,
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
		log.Printf(ctx, "in-process worker pool started for queue %s", pc.Queue)
	}
	return pools
}
