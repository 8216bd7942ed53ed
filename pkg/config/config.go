package config

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/keystore"
	"vault-cosigner/pkg/poll"
	"vault-cosigner/pkg/validator"
	"vault-cosigner/pkg/wallet/types"
)

type Config struct {
	App      AppConfig      `mapstructure:"app"`
	DB       DBConfig       `mapstructure:"db"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Vault    VaultConfig    `mapstructure:"vault"`
	Transfer TransferConfig `mapstructure:"transfer"`
	Solana   SolanaConfig   `mapstructure:"solana"`
	Poll     PollConfig     `mapstructure:"poll"`
	Store    StoreConfig    `mapstructure:"store"`
	Worker   WorkerConfig   `mapstructure:"worker"`
}

type AppConfig struct {
	Env      string `mapstructure:"env"`
	HttpPort string `mapstructure:"http_port"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	MQType   string `mapstructure:"mq_type" validate:"oneof=redis kafka none"` // "redis" / "kafka" / "none"
}

type KafkaConfig struct {
	Brokers []string `mapstructure:"brokers"`
}

type VaultConfig struct {
	BaseURL            string        `mapstructure:"base_url" validate:"required,url"`
	Path               string        `mapstructure:"path" validate:"required,startswith=/"`
	AccessToken        string        `mapstructure:"access_token" validate:"required"`
	PrivateKeyPath     string        `mapstructure:"private_key_path"`
	PrivateKey         string        `mapstructure:"private_key"`          // PEM 内容，优先于 PrivateKeyPath
	PrivateKeyPassword string        `mapstructure:"private_key_password"` // 设置后 PrivateKeyPath 指向 keystore 加密文件
	FeePayerVault      string        `mapstructure:"fee_payer_vault" validate:"required"`
	SourceVault        string        `mapstructure:"source_vault" validate:"required"`
	RequestTimeout     time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	WaitForState       string        `mapstructure:"wait_for_state"`
	SkipPrediction     bool          `mapstructure:"skip_prediction"`
}

type TransferConfig struct {
	Source      string `mapstructure:"source" validate:"required,solana_address"`
	Destination string `mapstructure:"destination" validate:"required,solana_address"`
	FeePayer    string `mapstructure:"fee_payer" validate:"required,solana_address,nefield=Source"`
	Mint        string `mapstructure:"mint" validate:"required,solana_address"`
	Amount      uint64 `mapstructure:"amount"`    // 最小单位
	UIAmount    string `mapstructure:"ui_amount"` // 十进制金额，Amount 为 0 时使用
	Decimals    uint8  `mapstructure:"decimals" validate:"max=18"`
}

type SolanaConfig struct {
	RPCURL           string `mapstructure:"rpc_url" validate:"required,url"`
	ComputeUnitLimit uint32 `mapstructure:"compute_unit_limit"`
}

type PollConfig struct {
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	Interval    time.Duration `mapstructure:"interval"`
	MaxInterval time.Duration `mapstructure:"max_interval"`
	Multiplier  float64       `mapstructure:"multiplier"`
	MaxAttempts int           `mapstructure:"max_attempts" validate:"gte=1"`
	MaxElapsed  time.Duration `mapstructure:"max_elapsed"`
}

type StoreConfig struct {
	Driver  string        `mapstructure:"driver" validate:"oneof=memory postgres redis"`
	Lock    bool          `mapstructure:"lock"` // 基于 Redis 的跨进程锁，共享存储时总是启用
	LockTTL time.Duration `mapstructure:"lock_ttl" validate:"gte=1s"`
}

// LockRequired 存储可被多个进程访问 (redis / postgres) 或显式开启时需要 Redis 锁
func (s StoreConfig) LockRequired() bool {
	return s.Lock || s.Driver != "memory"
}

// WorkerConfig worker 命令: MQ 消费与崩溃恢复
type WorkerConfig struct {
	Concurrency    int           `mapstructure:"concurrency" validate:"gte=1"`
	ConsumerGroup  string        `mapstructure:"consumer_group" validate:"required"`
	ConsumerName   string        `mapstructure:"consumer_name" validate:"required"`
	SweepSchedule  string        `mapstructure:"sweep_schedule"`
	StaleAfter     time.Duration `mapstructure:"stale_after" validate:"gt=0"`
	RedeliverAfter time.Duration `mapstructure:"redeliver_after" validate:"gt=0"` // 未确认的转账请求在该时长后重新投递
}

var Global Config

// legacyEnv 兼容早期脚本使用的环境变量名
var legacyEnv = map[string][]string{
	"vault.access_token":    {"VAULT_ACCESS_TOKEN", "FORDEFI_API_TOKEN"},
	"vault.source_vault":    {"VAULT_SOURCE_VAULT", "ORIGIN_VAULT"},
	"vault.fee_payer_vault": {"VAULT_FEE_PAYER_VAULT", "FEE_PAYER_VAULT"},
	"transfer.source":       {"TRANSFER_SOURCE", "ORIGIN_ADDRESS"},
	"transfer.destination":  {"TRANSFER_DESTINATION", "DESTINATION_ADDRESS", "DESTINATION_ADDRES"},
	"transfer.fee_payer":    {"TRANSFER_FEE_PAYER", "FEE_PAYER_ADDRESS"},
}

// Init 加载全局配置，失败直接退出
func Init() {
	cfg, err := Load()
	if err != nil {
		log.Fatalf("Fatal error config: %s \n", err)
	}
	Global = *cfg
	log.Printf("Configuration loaded successfully. Env: %s", Global.App.Env)
}

// Load 读取 config.yaml (默认在 . 与 ./config 中查找) 并叠加环境变量
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config") // name of config file (without extension)
	v.SetConfigType("yaml")   // REQUIRED if the config file does not have the extension in the name
	if len(paths) == 0 {
		paths = []string{".", "./config"}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}

	// 环境变量设置
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for key, envs := range legacyEnv {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, errno.Wrap(errno.ErrConfig, "bind env "+key, err)
		}
	}

	// 设置默认值 (Unmarshal 只认识有默认值或已绑定的 key，AutomaticEnv 依赖这里)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found; ignore error if desired
			log.Printf("Warning: Config file not found, using defaults and environment variables")
		} else {
			return nil, errno.Wrap(errno.ErrConfig, "read config file", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "decode config", err)
	}
	for _, section := range []any{cfg.Redis, cfg.Poll, cfg.Store, cfg.Worker} {
		if err := validator.Struct(section); err != nil {
			return nil, errno.Newf(errno.ErrConfig, "%s", validator.GetErrorMsg(err))
		}
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "development")
	v.SetDefault("app.http_port", "8080")

	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", "5432")
	v.SetDefault("db.user", "cosigner")
	v.SetDefault("db.password", "cosigner")
	v.SetDefault("db.name", "cosigner")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.mq_type", "none")

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})

	v.SetDefault("vault.base_url", "https://api.fordefi.com")
	v.SetDefault("vault.path", "/api/v1/transactions")
	v.SetDefault("vault.private_key_path", "./secret/private.pem")
	v.SetDefault("vault.private_key", "")
	v.SetDefault("vault.private_key_password", "")
	v.SetDefault("vault.skip_prediction", false)
	v.SetDefault("vault.request_timeout", "30s")
	v.SetDefault("vault.wait_for_state", "signed")

	v.SetDefault("transfer.mint", "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v") // USDC
	v.SetDefault("transfer.decimals", 6)
	v.SetDefault("transfer.amount", 1000)
	v.SetDefault("transfer.ui_amount", "")

	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.compute_unit_limit", 100_000)

	def := poll.DefaultConfig()
	v.SetDefault("poll.settle_delay", def.SettleDelay)
	v.SetDefault("poll.interval", def.Interval)
	v.SetDefault("poll.max_interval", def.MaxInterval)
	v.SetDefault("poll.multiplier", def.Multiplier)
	v.SetDefault("poll.max_attempts", def.MaxAttempts)
	v.SetDefault("poll.max_elapsed", def.MaxElapsed)

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.lock", false)
	v.SetDefault("store.lock_ttl", "10m")

	v.SetDefault("worker.concurrency", 4)
	v.SetDefault("worker.consumer_group", "cosigner")
	v.SetDefault("worker.consumer_name", "cosigner-0")
	v.SetDefault("worker.sweep_schedule", "@every 1m")
	v.SetDefault("worker.stale_after", "5m")
	v.SetDefault("worker.redeliver_after", "30s")
}

// ValidateCosign 校验执行联签所需的配置段 (serve/status 等命令不需要)
func (c *Config) ValidateCosign() error {
	for _, section := range []any{c.Vault, c.Transfer, c.Solana} {
		if err := validator.Struct(section); err != nil {
			return errno.Newf(errno.ErrConfig, "%s", validator.GetErrorMsg(err))
		}
	}
	if c.Vault.PrivateKey == "" && c.Vault.PrivateKeyPath == "" {
		return errno.Newf(errno.ErrConfig, "vault.private_key or vault.private_key_path is required")
	}
	if c.Transfer.Amount == 0 && c.Transfer.UIAmount == "" {
		return errno.Newf(errno.ErrConfig, "transfer.amount or transfer.ui_amount is required")
	}
	return nil
}

// ReadPrivateKey 返回 API Signer 私钥 PEM
func (v VaultConfig) ReadPrivateKey() ([]byte, error) {
	if v.PrivateKey != "" {
		return []byte(v.PrivateKey), nil
	}
	if v.PrivateKeyPassword != "" {
		k, err := keystore.LoadFromFile(v.PrivateKeyPath)
		if err != nil {
			return nil, err
		}
		return keystore.Decrypt(k, v.PrivateKeyPassword)
	}
	data, err := os.ReadFile(v.PrivateKeyPath)
	if err != nil {
		return nil, errno.Wrap(errno.ErrConfig, "read private key", err)
	}
	return data, nil
}

// TransferSpec 构造本次转账描述，Amount 为 0 时按 decimals 换算 UIAmount
func (t TransferConfig) TransferSpec() (types.TransferSpec, error) {
	amount := t.Amount
	if amount == 0 {
		var err error
		amount, err = BaseUnits(t.UIAmount, t.Decimals)
		if err != nil {
			return types.TransferSpec{}, err
		}
	}
	return types.TransferSpec{
		Source:      t.Source,
		Destination: t.Destination,
		FeePayer:    t.FeePayer,
		Mint:        t.Mint,
		Amount:      amount,
		Decimals:    t.Decimals,
	}, nil
}

// BaseUnits 将十进制金额换算为最小单位，精度超出 decimals 时报错
func BaseUnits(uiAmount string, decimals uint8) (uint64, error) {
	d, err := decimal.NewFromString(uiAmount)
	if err != nil {
		return 0, errno.Wrap(errno.ErrConfig, "invalid ui amount", err)
	}
	scaled := d.Shift(int32(decimals))
	if !scaled.IsInteger() {
		return 0, errno.Newf(errno.ErrConfig, "amount %s has more than %d decimals", uiAmount, decimals)
	}
	if !scaled.IsPositive() {
		return 0, errno.Newf(errno.ErrConfig, "amount must be positive, got %s", uiAmount)
	}
	if !scaled.BigInt().IsUint64() {
		return 0, errno.Newf(errno.ErrConfig, "amount %s overflows u64", uiAmount)
	}
	return scaled.BigInt().Uint64(), nil
}

// Options 转换为 poll 包的参数
func (p PollConfig) Options() poll.Config {
	return poll.Config{
		SettleDelay: p.SettleDelay,
		Interval:    p.Interval,
		MaxInterval: p.MaxInterval,
		Multiplier:  p.Multiplier,
		MaxAttempts: p.MaxAttempts,
		MaxElapsed:  p.MaxElapsed,
	}
}

// DSN 构造 postgres 连接串
func (d DBConfig) DSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		d.Host, d.User, d.Password, d.Name, d.Port)
}
