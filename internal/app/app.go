// Package app 组装 eidos-bet 的基础设施与服务, 并管理启动与关闭顺序
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/eidos-exchange/eidos/eidos-bet/internal/blockchain"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/config"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/dispatcher"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/gateway"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/handler"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/kafka"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/model"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/repository"
	"github.com/eidos-exchange/eidos/eidos-bet/internal/service"
	"github.com/eidos-exchange/eidos/eidos-bet/migrations"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/lock"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/logger"
	"github.com/eidos-exchange/eidos/eidos-bet/pkg/tracing"
)

const shutdownTimeout = 15 * time.Second

// App 应用
type App struct {
	cfg *config.Config

	db    *gorm.DB
	redis redis.UniversalClient

	chainClient  *blockchain.Client
	nonceManager *blockchain.NonceManager
	gateway      gateway.ChainGateway

	store      repository.Store
	betSvc     *service.BetService
	channelSvc *service.ChannelService
	expirySvc  *service.ExpiryService
	dispatcher *dispatcher.Dispatcher

	kafkaProducer *kafka.Producer
	kafkaConsumer *kafka.Consumer

	httpServer   *http.Server
	httpHealth   *handler.HealthHandler
	grpcServer   *grpc.Server
	healthServer *health.Server

	shutdownTracing func(context.Context) error

	stopCh chan struct{}
}

// NewApp 创建应用
func NewApp(cfg *config.Config) (*App, error) {
	a := &App{
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}

	shutdownTracing, err := tracing.Init(&tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Service.Name,
		Endpoint:    cfg.Tracing.Endpoint,
		SampleRate:  cfg.Tracing.SampleRate,
		Environment: cfg.Service.Env,
		Insecure:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}
	a.shutdownTracing = shutdownTracing

	if err := a.initInfrastructure(); err != nil {
		return nil, fmt.Errorf("init infrastructure: %w", err)
	}
	if err := a.initBlockchain(); err != nil {
		return nil, fmt.Errorf("init blockchain: %w", err)
	}
	a.initServices()
	if err := a.initKafka(); err != nil {
		return nil, fmt.Errorf("init kafka: %w", err)
	}
	a.initHTTP()
	a.initGRPC()

	return a, nil
}

// initInfrastructure 初始化数据库与 Redis
func (a *App) initInfrastructure() error {
	db, err := gorm.Open(postgres.Open(a.cfg.Postgres.DSN()), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	sqlDB.SetMaxOpenConns(a.cfg.Postgres.MaxConnections)
	sqlDB.SetMaxIdleConns(a.cfg.Postgres.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(time.Duration(a.cfg.Postgres.ConnMaxLifetime) * time.Second)

	a.db = db
	logger.Info("database connected", zap.String("host", a.cfg.Postgres.Host))

	if a.cfg.Postgres.AutoMigrate {
		if err := migrations.NewMigrator(sqlDB, logger.L()).Up(); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
	}

	a.redis = redis.NewUniversalClient(redisOptions(&a.cfg.Redis))
	if err := a.redis.Ping(context.Background()).Err(); err != nil {
		return fmt.Errorf("failed to connect redis: %w", err)
	}
	logger.Info("redis connected", zap.Strings("addrs", a.cfg.Redis.Addresses))

	return nil
}

// initBlockchain 初始化区块链客户端与链网关
func (a *App) initBlockchain() error {
	bc := a.cfg.Blockchain
	urls := append([]string{bc.RPCURL}, bc.BackupRPCURLs...)

	client, err := blockchain.NewClient(&blockchain.ClientConfig{
		ChainID:    bc.ChainID,
		PrivateKey: bc.PrivateKey,
		RPCURLs:    urls,
	})
	if err != nil {
		return fmt.Errorf("create blockchain client: %w", err)
	}
	a.chainClient = client
	if !client.HasSigner() {
		logger.Warn("blockchain private key not configured, deployments and submissions will fail")
	}

	a.nonceManager = blockchain.NewNonceManager(client, a.redis, &blockchain.NonceManagerConfig{
		Wallet:  client.Address(),
		ChainID: bc.ChainID,
	})
	if client.HasSigner() {
		syncCtx, cancel := context.WithTimeout(context.Background(), bc.RequestTimeout)
		// 失败时首次分配 nonce 会重新同步
		if err := a.nonceManager.SyncFromChain(syncCtx); err != nil {
			logger.Warn("initial nonce sync failed", zap.Error(err))
		}
		cancel()
	}

	bytecode, err := contractBytecode(bc.Contracts)
	if err != nil {
		return err
	}
	a.gateway = gateway.NewEVMGateway(client, a.nonceManager, &gateway.EVMConfig{
		Bytecode:            bytecode,
		GasLimit:            bc.GasLimit,
		SubmitRatePerSecond: bc.SubmitRatePerSecond,
		SubmitBurst:         bc.SubmitBurst,
		RequestTimeout:      bc.RequestTimeout,
	})

	logger.Info("blockchain client initialized",
		zap.Int64("chain_id", bc.ChainID),
		zap.String("wallet", client.Address().Hex()),
		zap.Int("rpc_endpoints", len(urls)))
	return nil
}

// initServices 初始化仓储, 状态机与事件分发
func (a *App) initServices() {
	a.store = repository.NewStore(a.db)
	locker := newSubjectLocker(&a.cfg.Lock, a.redis)

	bet := a.cfg.Bet
	a.betSvc = service.NewBetService(a.store, a.gateway, locker, service.BetServiceConfig{
		MinAmount:               bet.MinAmount,
		MinExpiryHorizon:        bet.MinExpiryHorizon,
		PlatformFeeBps:          bet.PlatformFeeBps,
		OrganizerFeeBps:         bet.OrganizerFeeBps,
		ActivationThreshold:     bet.ActivationThreshold,
		AllowJoinWhileActive:    bet.AllowJoinWhileActive,
		MaxParticipants:         bet.MaxParticipants,
		ResolutionAuthoritative: bet.ResolutionAuthoritative,
	})

	ch := a.cfg.Channel
	a.channelSvc = service.NewChannelService(a.store, a.gateway, locker, service.ChannelServiceConfig{
		Enabled:         ch.Enabled,
		ChallengePeriod: ch.ChallengePeriod,
		Timelock:        ch.Timelock,
		MinTxAmount:     ch.MinTxAmount,
		MaxTotal:        ch.MaxTotal,
	})

	a.expirySvc = service.NewExpiryService(a.store, a.betSvc, service.ExpiryConfig{
		Interval:  a.cfg.Expiry.Interval,
		BatchSize: a.cfg.Expiry.BatchSize,
	})

	cache := dispatcher.NewRedisDedupeCache(a.redis, a.cfg.Dispatcher.DedupeCacheTTL)
	a.dispatcher = dispatcher.New(a.store, a.betSvc, a.channelSvc, cache, dispatcher.Config{
		Shards:    a.cfg.Dispatcher.Shards,
		QueueSize: a.cfg.Dispatcher.QueueSize,
	})
	a.dispatcher.SetTxSettler(a.nonceManager)

	logger.Info("services initialized",
		zap.Bool("redis_lock", a.cfg.Lock.Enabled),
		zap.Bool("channels_enabled", ch.Enabled),
		zap.Int("dispatcher_shards", a.cfg.Dispatcher.Shards))
}

// initKafka 初始化 Kafka 生产者与消费者, 并把状态变更回调接到生产者
func (a *App) initKafka() error {
	a.expirySvc.SetOnClosable(a.publishChannel)
	if !a.cfg.Kafka.Enabled {
		logger.Info("kafka disabled, state change notifications only logged")
		return nil
	}

	kc := a.cfg.Kafka
	topics := kafka.Topics{
		ChainEvents:    kc.Topics.ChainEvents,
		BotEvents:      kc.Topics.BotEvents,
		BetChanged:     kc.Topics.BetChanged,
		ChannelChanged: kc.Topics.ChannelChanged,
		DeadLetter:     kc.Topics.DeadLetter,
	}

	producer, err := kafka.NewProducer(&kafka.ProducerConfig{
		Brokers:  kc.Brokers,
		ClientID: kc.ClientID,
		Topics:   topics,
	})
	if err != nil {
		return fmt.Errorf("create producer: %w", err)
	}
	a.kafkaProducer = producer

	a.betSvc.SetOnBetChanged(a.publishBet)
	a.channelSvc.SetOnChannelChanged(a.publishChannel)

	consumer, err := kafka.NewConsumer(&kafka.ConsumerConfig{
		Brokers:  kc.Brokers,
		GroupID:  kc.GroupID,
		ClientID: kc.ClientID,
		Topics:   topics,
	}, a.dispatcher, producer)
	if err != nil {
		return fmt.Errorf("create consumer: %w", err)
	}
	a.kafkaConsumer = consumer

	logger.Info("kafka initialized", zap.Strings("brokers", kc.Brokers))
	return nil
}

func (a *App) publishBet(ctx context.Context, bet *model.Bet) {
	if a.kafkaProducer == nil {
		return
	}
	if err := a.kafkaProducer.PublishBetChanged(ctx, bet); err != nil {
		logger.Warn("publish bet change failed",
			zap.String("bet_id", bet.BetID),
			zap.Error(err))
	}
}

func (a *App) publishChannel(ctx context.Context, ch *model.PaymentChannel) {
	if a.kafkaProducer == nil {
		logger.Info("channel state changed",
			zap.String("channel_id", ch.ChannelID),
			zap.String("status", ch.Status.String()))
		return
	}
	if err := a.kafkaProducer.PublishChannelChanged(ctx, ch); err != nil {
		logger.Warn("publish channel change failed",
			zap.String("channel_id", ch.ChannelID),
			zap.Error(err))
	}
}

// initHTTP 初始化 Webhook 与健康检查 HTTP 服务
func (a *App) initHTTP() {
	a.httpHealth = handler.NewHealthHandler(map[string]handler.Pinger{
		"postgres": handler.PingFunc(func(ctx context.Context) error {
			sqlDB, err := a.db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}),
		"redis": handler.PingFunc(func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}),
		"chain": handler.PingFunc(a.chainClient.HealthCheck),
	})

	webhook := handler.NewWebhookHandler(a.dispatcher, a.cfg.Webhook.Secret)
	a.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Service.HTTPPort),
		Handler:           handler.NewRouter(webhook, a.httpHealth),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// initGRPC 初始化 gRPC 健康检查服务
func (a *App) initGRPC() {
	a.grpcServer = grpc.NewServer()
	a.healthServer = health.NewServer()
	grpc_health_v1.RegisterHealthServer(a.grpcServer, a.healthServer)
}

// Run 运行应用
func (a *App) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.dispatcher.Start(ctx)
	a.expirySvc.Start(ctx)

	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Start(ctx); err != nil {
			return fmt.Errorf("failed to start kafka consumer: %w", err)
		}
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", a.cfg.Service.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_SERVING)

	go func() {
		logger.Info("gRPC server listening", zap.Int("port", a.cfg.Service.GRPCPort))
		if err := a.grpcServer.Serve(lis); err != nil {
			logger.Error("gRPC server error", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("HTTP server listening", zap.Int("port", a.cfg.Service.HTTPPort))
		if err := a.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	a.httpHealth.SetReady(true)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("received shutdown signal")
	case <-a.stopCh:
		logger.Info("shutdown requested")
	}

	return a.shutdown()
}

// shutdown 按依赖的逆序关闭
func (a *App) shutdown() error {
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.healthServer.SetServingStatus(a.cfg.Service.Name, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	a.httpHealth.SetReady(false)

	// 先停止事件入口
	if err := a.httpServer.Shutdown(ctx); err != nil {
		logger.Warn("http server shutdown failed", zap.Error(err))
	}
	if a.kafkaConsumer != nil {
		if err := a.kafkaConsumer.Stop(); err != nil {
			logger.Warn("kafka consumer stop failed", zap.Error(err))
		}
	}

	a.expirySvc.Stop()
	a.dispatcher.Stop()

	// 等待已提交的部署回调完成
	a.betSvc.Wait()
	a.channelSvc.Wait()

	a.grpcServer.GracefulStop()

	if a.kafkaProducer != nil {
		if err := a.kafkaProducer.Close(); err != nil {
			logger.Warn("kafka producer close failed", zap.Error(err))
		}
	}

	if err := a.shutdownTracing(ctx); err != nil {
		logger.Warn("tracing shutdown failed", zap.Error(err))
	}

	a.chainClient.Close()
	a.redis.Close()
	if sqlDB, _ := a.db.DB(); sqlDB != nil {
		sqlDB.Close()
	}

	logger.Info("shutdown complete")
	return nil
}

// Stop 停止应用
func (a *App) Stop() {
	close(a.stopCh)
}

func redisOptions(cfg *config.RedisConfig) *redis.UniversalOptions {
	addrs := cfg.Addresses
	if len(addrs) == 0 {
		addrs = []string{"localhost:6379"}
	}
	return &redis.UniversalOptions{
		Addrs:    addrs,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	}
}

// newSubjectLocker 多实例部署时使用 Redis 锁
func newSubjectLocker(cfg *config.LockConfig, rdb redis.UniversalClient) lock.SubjectLocker {
	if !cfg.Enabled {
		return lock.NewKeyedMutex()
	}
	return lock.NewRedisLocker(rdb, &lock.RedisLockerConfig{
		KeyPrefix:     "eidos:bet:lock:",
		Expiration:    cfg.TTL,
		RetryInterval: cfg.RetryInterval,
		MaxRetries:    cfg.MaxRetries,
	})
}

// contractBytecode 解析合约部署字节码, 未配置的合约不部署
func contractBytecode(cfg config.ContractsConfig) (map[gateway.ContractKind][]byte, error) {
	out := make(map[gateway.ContractKind][]byte, 2)
	for kind, raw := range map[gateway.ContractKind]string{
		gateway.ContractBet:            cfg.Bet,
		gateway.ContractPaymentChannel: cfg.PaymentChannel,
	} {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.HasPrefix(raw, "0x") && !strings.HasPrefix(raw, "0X") {
			raw = "0x" + raw
		}
		code, err := hexutil.Decode(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid %s contract bytecode: %w", kind, err)
		}
		out[kind] = code
	}
	return out, nil
}
