package cmd

import (
	"context"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"vault-cosigner/internal/service"
	"vault-cosigner/internal/service/mq"
	"vault-cosigner/internal/store"
	"vault-cosigner/pkg/apisigner"
	"vault-cosigner/pkg/config"
	"vault-cosigner/pkg/database"
	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/logger"
	"vault-cosigner/pkg/monitor"
	"vault-cosigner/pkg/txbuilder"
	"vault-cosigner/pkg/utils/lock"
	"vault-cosigner/pkg/validator"
	"vault-cosigner/pkg/vault"
)

// app 持有一次命令执行所需的全部组件
type app struct {
	cfg      *config.Config
	log      *zap.Logger
	rdb      *redis.Client
	db       *gorm.DB
	store    store.RunStore
	producer mq.Producer
	// broker 为真实 MQ; 使用 outbox 时 producer 写本地消息表，由 relay 通过 broker 投递
	broker  mq.Producer
	cosign  *service.CosignService
	closers []func()
}

// bootstrap 加载配置并连接依赖。cosign 为 true 时额外校验并构造签名所需的组件；
// concurrent 为 true 表示同一进程内会并发推进 run (worker)
func bootstrap(ctx context.Context, cosign, concurrent bool) (*app, error) {
	cfg, err := config.Load(configPaths()...)
	if err != nil {
		return nil, err
	}
	validator.Init()
	logger.Init(cfg.App.Env)
	monitor.Init()

	a := &app{cfg: cfg, log: logger.L()}
	a.closers = append(a.closers, logger.Sync)

	if err := a.connect(ctx); err != nil {
		a.close()
		return nil, err
	}

	deps := service.CosignDeps{
		Store:    a.store,
		Producer: a.producer,
		Metrics:  monitor.Business,
		Logger:   a.log,
	}
	// 共享存储时其他进程可能推进同一 run，必须使用 Redis 锁
	switch {
	case cfg.Store.LockRequired() && a.rdb == nil:
		a.close()
		return nil, errno.Newf(errno.ErrConfig, "store.driver %s requires redis for the run lock", cfg.Store.Driver)
	case cfg.Store.LockRequired() || (concurrent && a.rdb != nil):
		deps.Locker = lock.NewRedisLock(a.rdb)
	case concurrent:
		deps.Locker = lock.NewLocalLock()
	}

	if cosign {
		if err := cfg.ValidateCosign(); err != nil {
			a.close()
			return nil, err
		}
		pem, err := cfg.Vault.ReadPrivateKey()
		if err != nil {
			a.close()
			return nil, err
		}
		signer, err := apisigner.NewSigner(pem)
		if err != nil {
			a.close()
			return nil, err
		}
		deps.Signer = signer
		deps.Builder = txbuilder.NewBuilder(txbuilder.NewRPCBlockhashSource(cfg.Solana.RPCURL), cfg.Solana.ComputeUnitLimit)
		deps.Vault = vault.NewClient(cfg.Vault.BaseURL, cfg.Vault.RequestTimeout, monitor.Business)
	}

	a.cosign = service.NewCosignService(service.CosignConfig{
		Path:           cfg.Vault.Path,
		AccessToken:    cfg.Vault.AccessToken,
		FeePayerVault:  cfg.Vault.FeePayerVault,
		SourceVault:    cfg.Vault.SourceVault,
		WaitForState:   cfg.Vault.WaitForState,
		SkipPrediction: cfg.Vault.SkipPrediction,
		Poll:           cfg.Poll.Options(),
		LockTTL:        cfg.Store.LockTTL,
	}, deps)
	return a, nil
}

func (a *app) connect(ctx context.Context) error {
	cfg := a.cfg
	needRedis := cfg.Store.LockRequired() || cfg.Redis.MQType == "redis"
	if needRedis {
		rdb, err := database.ConnectRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return errno.Wrap(errno.ErrStore, "connect redis", err)
		}
		a.rdb = rdb
		a.closers = append(a.closers, func() { _ = rdb.Close() })
	}
	if cfg.Store.Driver == "postgres" {
		db, err := database.ConnectPostgres(cfg.DB.DSN(), cfg.App.Env != "production")
		if err != nil {
			return errno.Wrap(errno.ErrStore, "connect postgres", err)
		}
		a.db = db
	}

	switch cfg.Store.Driver {
	case "redis":
		a.store = store.NewRedisStore(a.rdb)
	case "postgres":
		a.store = store.NewSQLRunStore(a.db)
	default:
		a.log.Warn("使用内存存储，进程退出后 run 无法恢复")
		a.store = store.NewMemoryStore()
	}

	switch cfg.Redis.MQType {
	case "kafka":
		a.log.Info("使用 Kafka 作为消息队列...")
		p := mq.NewKafkaProducer(cfg.Kafka.Brokers, a.log)
		a.closers = append(a.closers, func() { _ = p.Close() })
		a.broker = p
	case "redis":
		a.log.Info("使用 Redis Streams 作为消息队列...")
		a.broker = mq.NewRedisProducer(a.rdb, a.log)
	default:
		a.broker = mq.NopProducer{}
	}
	a.producer = a.broker
	if a.db != nil && cfg.Redis.MQType != "none" {
		// run 与事件写入同一数据库，由 relay 异步投递
		a.producer = mq.NewOutboxProducer(a.db)
	}
	return nil
}

// startRelay 使用 outbox 时启动消息中继
func (a *app) startRelay(ctx context.Context) {
	if _, ok := a.producer.(*mq.OutboxProducer); !ok {
		return
	}
	relay := service.NewRelayService(a.db, a.broker, a.log)
	go relay.Start(ctx)
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}
