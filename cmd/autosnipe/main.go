package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-trading/autosnipe/internal/adapters/jupiter"
	"github.com/nexus-trading/autosnipe/internal/bus"
	"github.com/nexus-trading/autosnipe/internal/cache"
	"github.com/nexus-trading/autosnipe/internal/cache/redis"
	"github.com/nexus-trading/autosnipe/internal/clickhouse"
	"github.com/nexus-trading/autosnipe/internal/community"
	"github.com/nexus-trading/autosnipe/internal/config"
	"github.com/nexus-trading/autosnipe/internal/copytrade"
	"github.com/nexus-trading/autosnipe/internal/core"
	"github.com/nexus-trading/autosnipe/internal/decision"
	"github.com/nexus-trading/autosnipe/internal/execution"
	"github.com/nexus-trading/autosnipe/internal/learner"
	"github.com/nexus-trading/autosnipe/internal/observability"
	"github.com/nexus-trading/autosnipe/internal/risk"
	"github.com/nexus-trading/autosnipe/internal/safety"
	"github.com/nexus-trading/autosnipe/internal/scanner"
	"github.com/nexus-trading/autosnipe/internal/scorer"
	"github.com/nexus-trading/autosnipe/internal/sentiment"
	"github.com/nexus-trading/autosnipe/internal/sniper"
	"github.com/nexus-trading/autosnipe/internal/solana"
	"github.com/nexus-trading/autosnipe/internal/store"
	"github.com/nexus-trading/autosnipe/internal/store/memory"
	"github.com/nexus-trading/autosnipe/internal/store/postgres"
	"github.com/nexus-trading/autosnipe/internal/supervisor"
	"github.com/nexus-trading/autosnipe/internal/wallet"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// 1. Parse flags.
	configPath := flag.String("config", "", "Path to optional YAML configuration file (env overrides it)")
	stubMode := flag.Bool("stub", false, "Use in-memory chain and router stubs (no network)")
	flag.Parse()

	// 2. Load configuration.
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to load config from %q: %v\n", *configPath, err)
		os.Exit(1)
	}

	// 3. Setup logging.
	setupLogging(cfg.General)

	log.Info().
		Str("instance_id", cfg.General.InstanceID).
		Bool("dry_run", cfg.General.DryRun).
		Bool("stub_mode", *stubMode).
		Interface("config", cfg.Redacted()).
		Msg("main: configuration loaded")

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("main: configuration validation failed")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *stubMode); err != nil {
		log.Fatal().Err(err).Msg("main: autosnipe stopped with error")
	}
	log.Info().Msg("main: shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, stub bool) error {
	metrics := observability.NewMetrics()
	supCfg := supervisor.DefaultConfig()
	supCfg.HTTPAddr = cfg.Server.HTTPAddr
	sup := supervisor.New(supCfg, metrics)

	// ---------------------------------------------------------------------
	// Storage
	// ---------------------------------------------------------------------

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	sup.Dependency("store", st.Ping)
	sup.OnClose("store", func(context.Context) error { st.Close(); return nil })

	var (
		locker  cache.Locker  = cache.NewKeyedMutex()
		deduper cache.Deduper
		scams   cache.ScamList = cache.NewMemoryScamList()
	)
	if cfg.Storage.RedisURL != "" {
		rc, err := redis.New(ctx, cfg.Storage.RedisURL, "autosnipe:")
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		locker = redis.NewLocker(rc)
		deduper = redis.NewDeduper(rc)
		scams = redis.NewScamList(rc, "scams")
		sup.Dependency("redis", rc.Ping)
		sup.OnClose("redis", func(context.Context) error { return rc.Close() })
		log.Info().Msg("main: redis locks, dedup and scam list enabled")
	} else {
		mem := cache.NewMemoryDeduper()
		deduper = mem
		if err := sup.Schedule("dedup-sweep", "@every 5m", func(context.Context) error {
			log.Debug().Int("expired", mem.Sweep()).Msg("main: dedup keys swept")
			return nil
		}); err != nil {
			return err
		}
	}

	// ---------------------------------------------------------------------
	// Wallet custody
	// ---------------------------------------------------------------------

	masterKey := cfg.Wallet.EncryptionKey
	if masterKey == "" {
		// Validate only lets this through for dry runs.
		if masterKey, err = wallet.GenerateMasterKey(); err != nil {
			return err
		}
		log.Warn().Msg("main: WALLET_ENCRYPTION_KEY unset, using an ephemeral key (wallets are unusable after restart)")
	}
	ks, err := wallet.NewKeystore(masterKey)
	if err != nil {
		return err
	}
	custody := wallet.NewCustody(st, ks)

	// ---------------------------------------------------------------------
	// Chain, router and relays
	// ---------------------------------------------------------------------

	rpc, feeSource := openChain(cfg, stub, sup)
	agg := openRouter(cfg, stub, sup)

	fees := solana.NewPriorityFeeEstimator(solana.PriorityFeeConfig{
		Mode:          cfg.Solana.PriorityFeeMode,
		FixedLamports: cfg.Solana.PriorityFeeLamports,
	}, feeSource)
	if fees.Dynamic() {
		sup.Add(fees, solana.FeeRefreshInterval)
	}
	sup.Stats("priority_fees", func() any { return fees.Stats() })

	var protected execution.Submitter
	if cfg.Jito.Enabled && !stub {
		jitoCfg := solana.DefaultJitoConfig()
		jitoCfg.Enabled = true
		jitoCfg.BlockEngineURL = cfg.Jito.BlockEngineURL
		jitoCfg.TipLamports = cfg.Jito.TipLamports
		jito := solana.NewJitoClient(jitoCfg)
		protected = execution.NewJitoSubmitter(jito, rpc)
		sup.Stats("jito", func() any { return jito.Stats() })
	}

	// ---------------------------------------------------------------------
	// Safety
	// ---------------------------------------------------------------------

	liqBook := safety.NewLiquidityBook(30 * time.Minute)
	liquidity := safety.Chain{liqBook}
	if !stub {
		dex := safety.NewDexScreener("", 0, 0)
		liquidity = append(liquidity, dex)
		sup.OnClose("dexscreener", func(context.Context) error { dex.Close(); return nil })
	}
	safetyCfg := safety.DefaultConfig()
	safetyCfg.MinLiquidityUSD = cfg.Trading.MinLiquidityUSD
	evaluator := safety.NewEvaluator(safetyCfg, rpc, agg, liquidity, scams)
	sup.Stats("safety", func() any { return evaluator.Stats() })
	if err := sup.Schedule("safety-sweep", "@every 5m", func(context.Context) error {
		log.Debug().Int("reports", evaluator.Sweep()).Int("liquidity", liqBook.Prune()).Msg("main: safety caches swept")
		return nil
	}); err != nil {
		return err
	}

	// ---------------------------------------------------------------------
	// Signal sources
	// ---------------------------------------------------------------------

	signals := bus.New(bus.DefaultConfig())
	sup.Stats("bus", func() any { return signals.Stats() })

	launchCfg := scanner.DefaultConfig()
	launchCfg.MinLiquidityUSD = cfg.Trading.MinLiquidityUSD
	launchFeeds := make([]scanner.Feed, 0, len(cfg.Feeds.LaunchURLs))
	for i, u := range cfg.Feeds.LaunchURLs {
		launchFeeds = append(launchFeeds, scanner.NewHTTPFeed(scanner.FeedConfig{Name: fmt.Sprintf("launch-%d", i+1), URL: u}))
	}
	launches := scanner.NewLaunchScanner(launchCfg, launchFeeds, signals, liqBook)
	sup.Add(launches, launchCfg.MaxBackoff)
	sup.Stats("launch_scanner", func() any { return launches.Stats() })

	sentCfg := sentiment.DefaultConfig()
	sentFeeds := make([]sentiment.Feed, 0, len(cfg.Feeds.SentimentURLs))
	for i, u := range cfg.Feeds.SentimentURLs {
		sentFeeds = append(sentFeeds, sentiment.NewHTTPFeed(fmt.Sprintf("social-%d", i+1), u, 10*time.Second))
	}
	mentions := sentiment.NewScanner(sentCfg, sentFeeds, signals)
	sup.Add(mentions, sentCfg.MaxBackoff)
	sup.Stats("sentiment_scanner", func() any { return mentions.Stats() })

	var ws *solana.WSMonitor
	if !stub && cfg.Solana.WSURL != "" {
		wsCfg := solana.DefaultWSMonitorConfig()
		wsCfg.WSEndpoint = cfg.Solana.WSURL
		ws = solana.NewWSMonitor(wsCfg)
		sup.Stats("ws_monitor", func() any { return ws.Stats() })
	}
	leaderCfg := copytrade.DefaultConfig()
	leaders := copytrade.NewScanner(leaderCfg, rpc, st, signals, ws)
	sup.Add(leaders, leaderCfg.MaxBackoff)
	sup.Stats("leader_scanner", func() any { return leaders.Stats() })

	// ---------------------------------------------------------------------
	// Scoring and decision
	// ---------------------------------------------------------------------

	ratings := community.NewRatings(community.DefaultConfig(), st)
	sup.Stats("community", func() any { return ratings.Stats() })

	scoreCfg := scorer.DefaultConfig()
	scoreCfg.Window = cfg.Feeds.ScorerWindow
	candidates := scorer.New(scoreCfg, signals, st, ratings)
	sup.Add(candidates, 15*time.Second)
	sup.Stats("scorer", func() any { return candidates.Stats() })

	gateCfg := risk.DefaultConfig()
	gateCfg.SafetyFloor = cfg.Trading.SafetyFloor
	gateCfg.MinConfidence = cfg.Trading.MinConfidence
	gate := risk.New(gateCfg)
	sup.Stats("risk", func() any { return gate.Stats() })

	var (
		analytics *clickhouse.Writer
		recorder  decision.Recorder
	)
	if cfg.Storage.ClickHouseDSN != "" {
		chClient, err := clickhouse.NewClient(cfg.Storage.ClickHouseDSN)
		if err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
		analytics = clickhouse.NewWriter(chClient, chClient.Database(), 1000, 5*time.Second)
		if err := analytics.EnsureSchema(ctx); err != nil {
			return err
		}
		recorder = analytics
		sup.Add(analytics, 5*time.Second)
		sup.Dependency("clickhouse", chClient.Ping)
		sup.Stats("clickhouse", func() any { return analytics.Stats() })
		sup.OnClose("clickhouse", func(context.Context) error {
			werr := analytics.Close()
			if err := chClient.Close(); err != nil {
				return err
			}
			return werr
		})
	}

	queue := execution.NewQueue(256)
	decisions := decision.New(decision.DefaultConfig(), decision.Deps{
		Store:    st,
		Gate:     gate,
		Safety:   evaluator,
		Queue:    queue,
		Source:   candidates,
		Locker:   locker,
		Deduper:  deduper,
		Recorder: recorder,
		Defaults: cfg.UserDefaults,
	})
	sup.Add(decisions, 30*time.Second)
	sup.Stats("decision", func() any { return decisions.Stats() })

	// ---------------------------------------------------------------------
	// Bridge surface, learning and execution
	// ---------------------------------------------------------------------

	svc := core.NewService(core.Deps{
		Wallets:  custody,
		Intents:  decisions,
		Ratings:  ratings,
		Store:    st,
		Hub:      core.NewHub(0),
		Defaults: cfg.UserDefaults,
	})
	sup.Stats("hub", func() any { return svc.Hub().Stats() })
	sup.Handle("/api/", core.NewAPI(svc, cfg.Server.APIKey).Handler())

	learn := learner.New(learner.DefaultConfig(), st, candidates)
	sup.Add(learn, 30*time.Second)
	sup.Stats("learner", func() any { return learn.Stats() })

	observers := []execution.Observer{svc, learn}
	if analytics != nil {
		observers = append(observers, analytics)
	}

	execCfg := execution.DefaultConfig()
	execCfg.DryRun = cfg.General.DryRun
	execCfg.DefaultSlippageBps = cfg.Trading.SlippageBps
	execCfg.MaxSlippageBps = cfg.Trading.MaxSlippageBps
	var paper *execution.PaperSubmitter
	if execCfg.DryRun {
		paper = execution.NewPaperSubmitter(0)
		sup.Stats("paper", func() any { return paper.Stats() })
	}
	engine := execution.NewEngine(execCfg, execution.Deps{
		Store:     st,
		Queue:     queue,
		Swaps:     agg,
		Chain:     rpc,
		Custody:   custody,
		Fees:      fees,
		Direct:    execution.NewDirectSubmitter(rpc, 60*time.Second),
		Protected: protected,
		Paper:     paper,
		Metrics:   metrics,
		Observers: observers,
		Defaults:  cfg.UserDefaults,
	})
	sup.AddDraining(engine, 30*time.Second)
	sup.Stats("execution", func() any { return engine.Stats() })

	reconciler := execution.NewReconciler(execution.ReconcilerConfig{StaleAfter: execution.StaleAfterFor(execCfg)},
		st, engine.Chain(), custody, observers...)
	reconciler.SetOwner(engine)
	reconciler.SetMetrics(metrics)
	sup.Stats("reconciler", func() any { return reconciler.Stats() })
	if err := sup.Schedule("reconcile", "@every 1m", func(ctx context.Context) error {
		_, err := reconciler.Sweep(ctx)
		return err
	}); err != nil {
		return err
	}

	posCfg := sniper.DefaultConfig()
	posCfg.TickInterval = cfg.Feeds.PositionTick
	positions := sniper.NewManager(posCfg, st, agg, decisions, evaluator)
	sup.Add(positions, posCfg.TickInterval)
	sup.Stats("positions", func() any { return positions.Stats() })

	// ---------------------------------------------------------------------
	// Control plane
	// ---------------------------------------------------------------------

	registerControl(sup, gate)
	if err := sup.Schedule("stats-log", "@every 30s", func(ctx context.Context) error {
		open, err := st.ListOpenPositions(ctx)
		if err != nil {
			return err
		}
		metrics.OpenPositions.Set(float64(len(open)))
		logStats(decisions.Stats(), engine.Stats(), positions.Stats(), gate.IsActive())
		return nil
	}); err != nil {
		return err
	}

	// Stop hooks run in order: no new intents, then the queue closes so the
	// engine drains what was accepted, then the bus ends the scanners.
	sup.OnStop("decision", func(context.Context) error { decisions.Stop(); return nil })
	sup.OnStop("queue", func(context.Context) error { queue.Close(); return nil })
	sup.OnStop("bus", func(context.Context) error { signals.Close(); return nil })

	// Settle whatever a previous process left in flight before taking new
	// work.
	res, err := reconciler.Sweep(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("main: startup reconcile failed")
	} else {
		log.Info().
			Int("completed", res.Completed).
			Int("failed", res.Failed).
			Int("deferred", res.Deferred).
			Msg("main: startup reconcile done")
	}

	log.Info().
		Int("launch_feeds", len(launchFeeds)).
		Int("sentiment_feeds", len(sentFeeds)).
		Bool("jito", protected != nil).
		Bool("redis", cfg.Storage.RedisURL != "").
		Bool("clickhouse", analytics != nil).
		Str("http_addr", supCfg.HTTPAddr).
		Msg("main: autosnipe running")

	return sup.Run(ctx)
}

// openStore returns postgres when DATABASE_URL is set and the in-memory
// store otherwise.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.Storage.DatabaseURL == "" {
		log.Warn().Msg("main: DATABASE_URL unset, using the in-memory store (state is lost on exit)")
		return memory.New(), nil
	}
	pool, err := postgres.NewPool(ctx, postgres.Config{DSN: cfg.Storage.DatabaseURL})
	if err != nil {
		return nil, err
	}
	if err := postgres.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	log.Info().Msg("main: postgres store ready")
	return postgres.New(pool), nil
}

// openChain returns the chain client and, for live RPC, the source of
// recent prioritization fees.
func openChain(cfg *config.Config, stub bool, sup *supervisor.Supervisor) (solana.RPCClient, solana.FeeSource) {
	if stub {
		log.Info().Msg("main: solana RPC in STUB mode")
		return solana.NewStubRPCClient(), nil
	}
	rpcCfg := solana.DefaultRPCConfig()
	rpcCfg.Endpoint = cfg.Solana.RPCURL
	rpcCfg.Fallbacks = cfg.Solana.Fallbacks
	if cfg.Solana.WSURL != "" {
		rpcCfg.WSEndpoint = cfg.Solana.WSURL
	}
	if cfg.Solana.RateLimitRPS > 0 {
		rpcCfg.RateLimitRPS = cfg.Solana.RateLimitRPS
	}
	live := solana.NewLiveRPCClient(rpcCfg)
	sup.Dependency("rpc", live.Health)
	sup.Stats("rpc", func() any { return live.Stats() })
	sup.OnClose("rpc", func(context.Context) error { live.Close(); return nil })
	return live, live
}

func openRouter(cfg *config.Config, stub bool, sup *supervisor.Supervisor) jupiter.Aggregator {
	if stub {
		log.Info().Msg("main: jupiter router in STUB mode")
		return jupiter.NewStubAggregator()
	}
	jupCfg := jupiter.DefaultConfig()
	jupCfg.BaseURL = cfg.Jupiter.APIURL
	if cfg.Jupiter.RateLimitRPS > 0 {
		jupCfg.RateLimitRPS = cfg.Jupiter.RateLimitRPS
	}
	client := jupiter.NewClient(jupCfg)
	sup.Stats("jupiter", func() any { return client.Stats() })
	sup.OnClose("jupiter", func(context.Context) error { client.Close(); return nil })
	return client
}

func logStats(d decision.Stats, e execution.Stats, p sniper.Stats, active bool) {
	log.Info().
		Interface("decision", d).
		Interface("execution", e).
		Interface("positions", p).
		Bool("trading_active", active).
		Msg("[STATS]")
}

func setupLogging(general config.GeneralConfig) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMicro
	level, err := zerolog.ParseLevel(general.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if general.LogFormat == "text" {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			With().Timestamp().Str("service", "autosnipe").
			Str("instance", general.InstanceID).Logger()
	} else {
		log.Logger = zerolog.New(os.Stdout).
			With().Timestamp().Str("service", "autosnipe").
			Str("instance", general.InstanceID).Logger()
	}
}
