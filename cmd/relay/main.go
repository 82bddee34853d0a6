package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/0xmhha/chainrelay/internal/config"
	"github.com/0xmhha/chainrelay/internal/constants"
	"github.com/0xmhha/chainrelay/internal/logger"
	"github.com/0xmhha/chainrelay/internal/ops"
	"github.com/0xmhha/chainrelay/internal/shutdown"
	"github.com/0xmhha/chainrelay/pkg/broker"
	"github.com/0xmhha/chainrelay/pkg/chain"
	"github.com/0xmhha/chainrelay/pkg/consumer"
	"github.com/0xmhha/chainrelay/pkg/events"
	"github.com/0xmhha/chainrelay/pkg/listener"
	"github.com/0xmhha/chainrelay/pkg/reconnect"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// Version information (injected at build time)
	version   = "dev"
	commit    = "none"
	buildTime = "unknown"
)

type flags struct {
	configFile  string
	service     string
	rpcEndpoint string
	brokerURI   string
	startBlock  uint64
	logLevel    string
	logFormat   string
	opsListen   string
	purge       bool
	skipCatchup bool
}

func main() {
	var (
		f           flags
		showVersion bool
	)
	flag.StringVar(&f.configFile, "config", "", "Path to configuration file (YAML)")
	flag.BoolVar(&showVersion, "version", false, "Show version information and exit")
	flag.StringVar(&f.service, "service", "", "Service to run (relayer, notifications, archive, contest-projection, balances, dead-letter)")
	flag.StringVar(&f.rpcEndpoint, "rpc", "", "Chain RPC endpoint URL")
	flag.StringVar(&f.brokerURI, "broker", "", "AMQP broker URI")
	flag.Uint64Var(&f.startBlock, "start-block", 0, "Block to replay from when no progress is recorded")
	flag.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&f.logFormat, "log-format", "", "Log format (json, console)")
	flag.StringVar(&f.opsListen, "ops", "", "Enable the ops server on this address")
	flag.BoolVar(&f.purge, "purge", false, "Purge the service's queues on startup")
	flag.BoolVar(&f.skipCatchup, "skip-catchup", false, "Do not replay blocks missed while offline")
	flag.Parse()

	if showVersion {
		fmt.Printf("chainrelay version %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", buildTime)
		os.Exit(0)
	}

	if err := loadDotEnv(); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(f)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Fields: map[string]interface{}{"service": cfg.Broker.Service},
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("Starting relay",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("build_time", buildTime),
		zap.String("service", cfg.Broker.Service),
		zap.String("reconnect_backend", cfg.Reconnect.Backend),
	)

	if err := run(cfg, log); err != nil {
		log.Error("relay stopped with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	coordinator := shutdown.New(constants.DefaultShutdownTimeout, log)
	defer func() {
		if err := coordinator.Shutdown(context.Background()); err != nil {
			log.Warn("shutdown finished with errors", zap.Error(err))
		}
	}()

	var blocked atomic.Bool
	adapter, err := broker.New(broker.Config{
		URI:            cfg.Broker.URI,
		Service:        broker.Service(cfg.Broker.Service),
		PurgeOnStartup: cfg.Broker.PurgeOnStartup,
		PublishTimeout: cfg.Broker.PublishTimeout,
		ReconnectDelay: cfg.Broker.ReconnectDelay,
		Prefetch:       cfg.Broker.Prefetch,
		ConnectionName: "chainrelay-" + cfg.Broker.Service,
	}, nil, logger.WithComponent(log, "broker"),
		broker.WithRegisterer(reg),
		broker.WithObserver(broker.SignalBlocked, func(broker.Notification) { blocked.Store(true) }),
		broker.WithObserver(broker.SignalUnblocked, func(broker.Notification) { blocked.Store(false) }),
	)
	if err != nil {
		return fmt.Errorf("failed to create broker adapter: %w", err)
	}
	if err := adapter.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize broker adapter: %w", err)
	}
	coordinator.Register("broker", shutdown.PriorityBroker, adapter.Dispose)

	var opsServer *ops.Server
	if cfg.Ops.Enabled {
		opsServer = ops.NewServer(ops.Config{Listen: cfg.Ops.Listen}, reg, logger.WithComponent(log, "ops"))
		opsServer.AddCheck("broker", func(context.Context) error {
			if !adapter.Connected() {
				return errors.New("not connected")
			}
			if blocked.Load() {
				return errors.New("publishing blocked by broker")
			}
			return nil
		})
		if mc := cfg.Broker.Management; mc.URL != "" {
			mgmt, err := broker.NewManagementClient(broker.ManagementConfig{
				URL:      mc.URL,
				Username: mc.Username,
				Password: mc.Password,
				VHost:    mc.VHost,
			}, logger.WithComponent(log, "management"))
			if err != nil {
				return fmt.Errorf("failed to create management client: %w", err)
			}
			queues := make([]string, 0, len(adapter.Topology().Queues))
			for _, q := range adapter.Topology().Queues {
				queues = append(queues, q.Name)
			}
			opsServer.SetQueueReport(func(ctx context.Context) (interface{}, error) {
				return mgmt.QueueDepths(ctx, queues)
			})
		}
		go func() {
			if err := opsServer.Start(); err != nil {
				log.Error("ops server failed", zap.Error(err))
			}
		}()
		coordinator.Register("ops", shutdown.PriorityOps, opsServer.Stop)
	}

	var redisClient redis.UniversalClient
	if cfg.Reconnect.Backend == constants.ReconnectBackendRedis ||
		(cfg.Dedupe.Enabled && cfg.Dedupe.Backend == constants.ReconnectBackendRedis) {
		redisClient, err = reconnect.NewRedisClient(reconnect.RedisConfig{
			Addresses: cfg.Reconnect.Redis.Addresses,
			Password:  cfg.Reconnect.Redis.Password,
			DB:        cfg.Reconnect.Redis.DB,
			KeyPrefix: cfg.Reconnect.Redis.KeyPrefix,
			PoolSize:  cfg.Reconnect.Redis.PoolSize,
		})
		if err != nil {
			return err
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			redisClient.Close()
			return fmt.Errorf("failed to reach redis: %w", err)
		}
		coordinator.Register("redis", shutdown.PriorityStorage-1, func(context.Context) error {
			return redisClient.Close()
		})
	}

	if cfg.IsRelayer() {
		err = runRelayer(ctx, cfg, log, reg, adapter, redisClient, coordinator, opsServer)
	} else {
		err = runConsumer(ctx, cfg, log, adapter, redisClient)
	}
	if err != nil {
		return err
	}

	<-ctx.Done()
	log.Info("Received shutdown signal")
	return nil
}

func runRelayer(
	ctx context.Context,
	cfg *config.Config,
	log *zap.Logger,
	reg prometheus.Registerer,
	adapter *broker.Adapter,
	redisClient redis.UniversalClient,
	coordinator *shutdown.Coordinator,
	opsServer *ops.Server,
) error {
	network, err := events.ParseNetwork(cfg.Listener.Network)
	if err != nil {
		return err
	}
	sources, err := cfg.Listener.Sources()
	if err != nil {
		return err
	}

	store, err := openProgressStore(cfg, log, redisClient)
	if err != nil {
		return err
	}
	var oracle listener.ReconnectOracle
	if store != nil {
		oracle = store
		coordinator.Register("progress", shutdown.PriorityStorage, func(context.Context) error {
			return store.Close()
		})
	}

	chainLog := logger.WithChain(log, cfg.Listener.ChainLabel, string(network))
	dial := func(ctx context.Context) (chain.Client, error) {
		return chain.NewClient(ctx, &chain.Config{
			Endpoint:          cfg.RPC.Endpoint,
			Timeout:           cfg.RPC.Timeout,
			Logger:            logger.WithComponent(chainLog, "chain"),
			RequestsPerSecond: cfg.Listener.RPCRateLimit,
			BreakerFailures:   cfg.RPC.BreakerFailures,
			BreakerCooldown:   cfg.RPC.BreakerCooldown,
		})
	}

	l := listener.New(listener.Config{
		ChainLabel:          cfg.Listener.ChainLabel,
		Network:             network,
		Sources:             sources,
		SkipCatchup:         cfg.Listener.SkipCatchup || oracle == nil,
		DefaultStartBlock:   cfg.Listener.StartBlock,
		PageSize:            cfg.Listener.PageSize,
		SampleBlocks:        cfg.Listener.SampleBlocks,
		DefaultPollInterval: cfg.Listener.PollInterval,
	}, dial, oracle, logger.WithComponent(log, "listener"), listener.WithRegisterer(reg))

	if err := l.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize listener: %w", err)
	}
	coordinator.Register("listener", shutdown.PriorityListener, func(context.Context) error {
		l.Unsubscribe()
		l.Close()
		return nil
	})

	if opsServer != nil {
		opsServer.AddCheck("listener", func(context.Context) error {
			if st := l.State(); st != listener.StateSubscribed {
				return fmt.Errorf("listener %s", st)
			}
			return nil
		})
	}

	// An event the broker refuses as invalid never becomes publishable, so it
	// is dropped instead of holding the listener at its block.
	publish := func(ctx context.Context, ev *events.CanonicalEvent) error {
		err := adapter.PublishWithContext(ctx, broker.PublicationMessageRelayer, ev)
		if err != nil && broker.IsValidation(err) {
			log.Error("Dropping invalid event",
				zap.String("kind", string(ev.Kind)),
				zap.Uint64("block", ev.BlockNumber),
				zap.String("tx", ev.TxHash),
				zap.Error(err))
			return nil
		}
		return err
	}
	if err := l.Subscribe(ctx, publish); err != nil {
		return fmt.Errorf("failed to subscribe listener: %w", err)
	}

	log.Info("Relaying events",
		zap.String("chain", cfg.Listener.ChainLabel),
		zap.String("network", string(network)),
		zap.Int("contracts", len(sources)),
		zap.Uint64("last_block", l.LastBlockNumber()),
	)
	return nil
}

// openProgressStore returns nil for the none backend.
func openProgressStore(cfg *config.Config, log *zap.Logger, redisClient redis.UniversalClient) (reconnect.Store, error) {
	storeLog := logger.WithComponent(log, "progress")
	switch cfg.Reconnect.Backend {
	case constants.ReconnectBackendNone:
		return nil, nil
	case constants.ReconnectBackendMemory:
		return reconnect.NewMemory(), nil
	case constants.ReconnectBackendRedis:
		return reconnect.NewRedisStore(redisClient, cfg.Reconnect.Redis.KeyPrefix, storeLog), nil
	case constants.ReconnectBackendPebble:
		store, err := reconnect.NewPebbleStore(reconnect.PebbleConfig{
			Path:  cfg.Reconnect.Pebble.Path,
			Cache: cfg.Reconnect.Pebble.CacheSize,
		}, storeLog)
		if err != nil {
			return nil, fmt.Errorf("failed to open progress store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unknown reconnect backend %q", cfg.Reconnect.Backend)
	}
}

func runConsumer(
	ctx context.Context,
	cfg *config.Config,
	log *zap.Logger,
	adapter *broker.Adapter,
	redisClient redis.UniversalClient,
) error {
	consumerLog := logger.WithComponent(log, "consumer")
	base := consumer.LogHandler(consumerLog)

	var store consumer.DedupeStore
	if cfg.Dedupe.Enabled {
		if cfg.Dedupe.Backend == constants.ReconnectBackendRedis {
			store = consumer.NewRedisDedupe(redisClient, cfg.Reconnect.Redis.KeyPrefix, cfg.Dedupe.TTL)
		} else {
			store = consumer.NewMemoryDedupe(cfg.Dedupe.TTL)
		}
	}

	c := consumer.New(adapter, consumerLog)
	scope := adapter.Topology().Services[broker.Service(cfg.Broker.Service)]
	for _, sub := range scope.Subscriptions {
		handler := base
		if store != nil {
			handler = consumer.Idempotent(store, fmt.Sprintf("%s.%s", cfg.Broker.Service, sub), base, consumerLog)
		}
		if err := c.Register(sub, handler, nil); err != nil {
			return err
		}
	}
	if err := c.Start(ctx); err != nil {
		return fmt.Errorf("failed to start consumer: %w", err)
	}

	log.Info("Consuming events", zap.Strings("subscriptions", c.Active()))
	return nil
}

func loadConfig(f flags) (*config.Config, error) {
	cfg := config.NewConfig()

	if f.configFile != "" {
		if err := cfg.LoadFromFile(f.configFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	applyFlags(cfg, f)
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// loadDotEnv loads environment variables from a .env file if it exists.
func loadDotEnv() error {
	info, err := os.Stat(".env")
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to stat .env: %w", err)
	}
	if info.IsDir() {
		return fmt.Errorf(".env exists but is a directory")
	}
	return godotenv.Load(".env")
}

// applyFlags applies command-line flags to configuration
func applyFlags(cfg *config.Config, f flags) {
	if f.service != "" {
		cfg.Broker.Service = f.service
	}
	if f.rpcEndpoint != "" {
		cfg.RPC.Endpoint = f.rpcEndpoint
	}
	if f.brokerURI != "" {
		cfg.Broker.URI = f.brokerURI
	}
	if f.startBlock > 0 {
		cfg.Listener.StartBlock = f.startBlock
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.logFormat != "" {
		cfg.Log.Format = f.logFormat
	}
	if f.opsListen != "" {
		cfg.Ops.Enabled = true
		cfg.Ops.Listen = f.opsListen
	}
	if f.purge {
		cfg.Broker.PurgeOnStartup = true
	}
	if f.skipCatchup {
		cfg.Listener.SkipCatchup = true
	}
}
