package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/httpclient"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/pkg/mq"
	"fulfillment/internal/pkg/redis"
	"fulfillment/internal/pkg/resilience"
	"fulfillment/internal/service/order/application"
	"fulfillment/internal/service/order/domain"
	"fulfillment/internal/service/order/domain/port"
	"fulfillment/internal/service/order/infrastructure"
	"fulfillment/internal/service/order/infrastructure/adapter"
	"fulfillment/internal/service/order/infrastructure/routing"
	"fulfillment/internal/service/order/interfaces"
	"fulfillment/internal/zookeeper"
)

const sweepLockResource = "saga-timeout-sweep"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the saga orchestrator",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Service.Name, cfg.Log.Level, cfg.Log.Format)
			return bootstrap.StartService(cfg, bootstrap.AppInfo{
				ServiceName: cfg.Service.Name,
				Port:        cfg.Service.Port,
				Setup: func(appCtx bootstrap.AppCtx) (func(ctx context.Context) error, error) {
					return setup(cfg, appCtx)
				},
			})
		},
	}
}

// openRepository 按配置选择订单存储
func openRepository(cfg *bootstrap.Config) (domain.OrderRepository, error) {
	if cfg.Storage.Driver == "memory" {
		logger.L().Warn().Msg("using in-memory order store, state is lost on restart")
		return infrastructure.NewMemoryOrderRepository(), nil
	}
	db, err := infrastructure.OpenDB(cfg.Storage.Driver, cfg.StorageDSN(), cfg.Storage.MaxOpenConns)
	if err != nil {
		return nil, err
	}
	repo := infrastructure.NewGormOrderRepository(db)
	if cfg.Storage.AutoMigrate {
		if err := repo.AutoMigrate(); err != nil {
			return nil, fmt.Errorf("auto migrate: %w", err)
		}
	}
	return repo, nil
}

func partnerResolver(cfg *bootstrap.Config, appCtx bootstrap.AppCtx) (httpclient.Resolver, error) {
	cc := cfg.Partners.CreditCard
	if cc.BaseURL != "" {
		return httpclient.StaticResolver{cc.Service: cc.BaseURL}, nil
	}
	if appCtx.Nacos != nil {
		return appCtx.Nacos, nil
	}
	return nil, errors.New("credit card partner needs partners.creditCard.baseUrl or nacos")
}

func routes(cfg *bootstrap.Config) []routing.Route {
	out := make([]routing.Route, len(cfg.Routes))
	for i, r := range cfg.Routes {
		out[i] = routing.Route{Name: r.Name, When: r.When, Partner: r.Partner}
	}
	return out
}

// setup 是组装根：创建所有依赖，注册路由，返回后台运行函数
func setup(cfg *bootstrap.Config, appCtx bootstrap.AppCtx) (func(ctx context.Context) error, error) {
	tracer := otel.Tracer(cfg.Service.Name)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	sagaMetrics := application.NewMetrics(reg)
	guards := resilience.NewRegistry(cfg.Guards.Default.Resilience(), cfg.GuardOverrides(),
		resilience.WithMetrics(resilience.NewMetrics(reg)))

	repo, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}
	router, err := routing.NewCELRouter(routes(cfg))
	if err != nil {
		return nil, err
	}
	resolver, err := partnerResolver(cfg, appCtx)
	if err != nil {
		return nil, err
	}

	brokers, topics := cfg.Kafka.Brokers, cfg.Kafka.Topics
	logisticsWriter := mq.NewKafkaWriter(brokers, topics.LogisticsCommands)
	stateWriter := mq.NewKafkaWriter(brokers, topics.StateChanges)
	dltWriter := mq.NewKafkaWriter(brokers, topics.DeadLetter)
	escalationWriter := mq.NewKafkaWriter(brokers, topics.Escalations)

	partners := []port.Partner{
		adapter.NewPaymentHTTPAdapter(cfg.Partners.CreditCard.Name, cfg.Partners.CreditCard.Service, httpclient.NewClient(tracer, resolver)),
		adapter.NewLogisticsKafkaAdapter(cfg.Partners.Logistics.Name, logisticsWriter),
	}

	var deduper port.Deduper
	var redisClient *redis.Client
	if cfg.Redis.Addrs != "" {
		redisClient, err = redis.NewClient(cfg.Redis.Addrs)
		if err != nil {
			return nil, err
		}
		deduper = infrastructure.NewRedisDeduper(redisClient, cfg.Redis.DedupTTL)
	}

	var locker port.Locker
	var zkConn *zookeeper.Conn
	if len(cfg.ZooKeeper.Servers) > 0 {
		zkConn, err = zookeeper.Connect(cfg.ZooKeeper.Servers, cfg.ZooKeeper.SessionTimeout)
		if err != nil {
			return nil, err
		}
		lock, err := zookeeper.NewDistributedLock(zkConn, sweepLockResource)
		if err != nil {
			return nil, err
		}
		locker = lock
	}

	engine, err := application.NewEngine(application.EngineDeps{
		Repo:     repo,
		Router:   router,
		Partners: partners,
		Guards:   guards,
		Deduper:  deduper,
		Locker:   locker,
		Tracer:   tracer,
		Metrics:  sagaMetrics,
		Ingestor: application.IngestorConfig{
			Partitions:        cfg.Saga.Partitions,
			QueueSize:         cfg.Saga.QueueSize,
			ProcessingTimeout: cfg.Saga.ProcessingTimeout,
		},
		RecentSeenSize: cfg.Saga.RecentSeenSize,
		FanoutBuffer:   cfg.Saga.FanoutBuffer,
		FanoutTimeout:  cfg.Saga.FanoutTimeout,
		Timeouts: application.TimeoutConfig{
			Payment:      cfg.Saga.PaymentTimeout,
			Shipment:     cfg.Saga.ShipmentTimeout,
			Compensation: cfg.Saga.CompensationTimeout,
		},
		SweepSchedule: cfg.Saga.SweepSchedule,
	})
	if err != nil {
		return nil, err
	}
	engine.Fanout.Subscribe(adapter.NewStateChangeKafkaAdapter(stateWriter))
	engine.Fanout.Subscribe(adapter.NewEscalationKafkaAdapter(escalationWriter))

	hub := interfaces.NewHub(engine.Fanout)
	appCtx.Mux.Handle("/ws", hub)
	interfaces.NewOrderHandler(engine.Service, reg).RegisterRoutes(appCtx.Mux)
	appCtx.Mux.HandleFunc("/partners", func(w http.ResponseWriter, r *http.Request) {
		states := map[string]string{}
		for name, s := range guards.States() {
			states[name] = s.String()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = jsonEncode(w, states)
	})

	failure := mq.NewFailureHandler(dltWriter)
	groupID := cfg.Kafka.GroupID
	consumers := []interface {
		Start(ctx context.Context) error
		Stop(ctx context.Context)
	}{
		interfaces.NewReplyConsumerAdapter(mq.NewKafkaReader(brokers, topics.Replies, groupID+"-replies"), engine.Ingestor, failure),
		interfaces.NewOrderCreationConsumerAdapter(mq.NewKafkaReader(brokers, topics.OrderCreation, groupID+"-creation"), engine.Service, failure),
		interfaces.NewDltConsumerAdapter(mq.NewKafkaReader(brokers, topics.DeadLetter, groupID+"-dlt")),
	}

	return func(ctx context.Context) error {
		for _, c := range consumers {
			if err := c.Start(ctx); err != nil {
				return err
			}
		}

		err := engine.Run(ctx)

		stopCtx := context.Background()
		for _, c := range consumers {
			c.Stop(stopCtx)
		}
		hub.Close()
		for _, w := range []interface{ Close() error }{logisticsWriter, stateWriter, dltWriter, escalationWriter} {
			if cerr := w.Close(); cerr != nil {
				logger.L().Warn().Err(cerr).Msg("close kafka writer failed")
			}
		}
		if redisClient != nil {
			_ = redisClient.Close()
		}
		if zkConn != nil {
			zkConn.Close()
		}
		return err
	}, nil
}
