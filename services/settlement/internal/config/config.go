package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	base "github.com/AfshinJalili/contentex/libs/config"
	"github.com/AfshinJalili/contentex/services/settlement/internal/calculator"
	"github.com/AfshinJalili/contentex/services/settlement/internal/chain"
	"github.com/AfshinJalili/contentex/services/settlement/internal/scheduler"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"

	OracleSourceFixed = "fixed"
	OracleSourceHTTP  = "http"
)

type DBConfig struct {
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
}

func (c DBConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s", c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type KafkaTopics struct {
	Purchases       string
	ReferralCascade string
	Auctions        string
	DLQ             string
}

type KafkaConfig struct {
	Brokers       []string
	ConsumerGroup string
	Topics        KafkaTopics
	MaxAttempts   int
	RetryBackoff  time.Duration
}

// Enabled reports whether brokers were configured. Without Kafka the
// cascade runs in-process and lifecycle events are not published.
func (c KafkaConfig) Enabled() bool {
	return len(c.Brokers) > 0
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type OperatorConfig struct {
	KeyHash     string
	IPAllowlist []string
}

type ReservationConfig struct {
	Lease      time.Duration
	RateLimit  int
	RateWindow time.Duration
}

type OracleConfig struct {
	Source    string
	URL       string
	Field     string
	FixedRate decimal.Decimal
	TTL       time.Duration
	MaxStale  time.Duration
	Timeout   time.Duration
}

type RailConfig struct {
	Chain            chain.Config
	PurchaseContract string
	// DevBalance funds the in-process treasury used when RPCURL is empty.
	DevBalance decimal.Decimal
}

type ChainConfig struct {
	CallTimeout   time.Duration
	RetryAttempts int
	RetryBackoff  time.Duration
	Mainnet       RailConfig
	Testnet       RailConfig
}

type PayoutConfig struct {
	ClaimLease     time.Duration
	IntentLease    time.Duration
	SweepAfter     time.Duration
	AbandonAfter   time.Duration
	SweepBatch     int
	CascadeTimeout time.Duration
}

type TraceConfig struct {
	Enabled     bool
	SampleRatio float64
}

type Config struct {
	App          base.AppConfig
	StoreDriver  string
	DB           DBConfig
	Kafka        KafkaConfig
	Redis        RedisConfig
	JWTSecret    string
	Operator     OperatorConfig
	Reservation  ReservationConfig
	Calculator   calculator.Config
	Oracle       OracleConfig
	Chain        ChainConfig
	Payout       PayoutConfig
	AuctionBatch int
	Cron         scheduler.Specs
	CronTimeout  time.Duration
	Trace        TraceConfig
}

func Load() (*Config, error) {
	path := base.ConfigPath()
	appCfg, err := base.Load(path)
	if err != nil {
		return nil, err
	}
	v, err := base.NewViper(path)
	if err != nil {
		return nil, err
	}
	setDefaults(v)

	calc := calculator.DefaultConfig()
	cfg := &Config{
		App:         *appCfg,
		StoreDriver: strings.ToLower(envString("STORE_DRIVER", v.GetString("store.driver"))),
		DB: DBConfig{
			Host:     envString("POSTGRES_HOST", "localhost"),
			Port:     envInt("POSTGRES_PORT", 5432),
			Name:     envString("POSTGRES_DB", "marketplace"),
			User:     envString("POSTGRES_USER", "marketplace"),
			Password: envString("POSTGRES_PASSWORD", "marketplace"),
			SSLMode:  envString("POSTGRES_SSLMODE", "disable"),
		},
		Kafka: KafkaConfig{
			Brokers:       envCSV("KAFKA_BROKERS", v.GetStringSlice("kafka.brokers")),
			ConsumerGroup: envString("KAFKA_CONSUMER_GROUP", v.GetString("kafka.consumer_group")),
			Topics: KafkaTopics{
				Purchases:       v.GetString("kafka.topics.purchases"),
				ReferralCascade: v.GetString("kafka.topics.referral_cascade"),
				Auctions:        v.GetString("kafka.topics.auctions"),
				DLQ:             v.GetString("kafka.topics.dlq"),
			},
			MaxAttempts:  v.GetInt("kafka.max_attempts"),
			RetryBackoff: v.GetDuration("kafka.retry_backoff"),
		},
		Redis: RedisConfig{
			Addr:     envString("REDIS_ADDR", v.GetString("redis.addr")),
			Password: envString("REDIS_PASSWORD", v.GetString("redis.password")),
			DB:       envInt("REDIS_DB", v.GetInt("redis.db")),
		},
		JWTSecret: envString("JWT_SECRET", v.GetString("auth.jwt_secret")),
		Operator: OperatorConfig{
			KeyHash:     envString("OPERATOR_KEY_HASH", v.GetString("operator.key_hash")),
			IPAllowlist: envCSV("OPERATOR_IP_ALLOWLIST", v.GetStringSlice("operator.ip_allowlist")),
		},
		Reservation: ReservationConfig{
			Lease:      v.GetDuration("reservation.lease"),
			RateLimit:  v.GetInt("reservation.rate_limit"),
			RateWindow: v.GetDuration("reservation.rate_window"),
		},
		Calculator: calculator.Config{
			PlatformFeeBps:    v.GetInt("calculator.platform_fee_bps"),
			CreatorShareBps:   v.GetInt("calculator.creator_share_bps"),
			StableSurcharge:   getDecimal(v, "calculator.stable_surcharge", calc.StableSurcharge),
			MinReferralPayout: getDecimal(v, "calculator.min_referral_payout", calc.MinReferralPayout),
			TestnetDirectBps:  v.GetInt("calculator.testnet_direct_bps"),
			TestnetGrandBps:   v.GetInt("calculator.testnet_grand_bps"),
			SlippageBps:       v.GetInt("calculator.slippage_bps"),
		},
		Oracle: OracleConfig{
			Source:    strings.ToLower(v.GetString("oracle.source")),
			URL:       envString("ORACLE_URL", v.GetString("oracle.url")),
			Field:     v.GetString("oracle.field"),
			FixedRate: getDecimal(v, "oracle.fixed_rate", decimal.Zero),
			TTL:       v.GetDuration("oracle.ttl"),
			MaxStale:  v.GetDuration("oracle.max_stale"),
			Timeout:   v.GetDuration("oracle.timeout"),
		},
		Chain: ChainConfig{
			CallTimeout:   v.GetDuration("chain.call_timeout"),
			RetryAttempts: v.GetInt("chain.retry_attempts"),
			RetryBackoff:  v.GetDuration("chain.retry_backoff"),
			Mainnet:       railConfig(v, "mainnet"),
			Testnet:       railConfig(v, "testnet"),
		},
		Payout: PayoutConfig{
			ClaimLease:     v.GetDuration("payout.claim_lease"),
			IntentLease:    v.GetDuration("payout.intent_lease"),
			SweepAfter:     v.GetDuration("payout.sweep_after"),
			AbandonAfter:   v.GetDuration("payout.abandon_after"),
			SweepBatch:     v.GetInt("payout.sweep_batch"),
			CascadeTimeout: v.GetDuration("payout.cascade_timeout"),
		},
		AuctionBatch: v.GetInt("auction.batch_size"),
		Cron: scheduler.Specs{
			ResolveAuctions:   v.GetString("cron.resolve_auctions"),
			SweepReferrals:    v.GetString("cron.sweep_referrals"),
			RollbackAbandoned: v.GetString("cron.rollback_abandoned"),
		},
		CronTimeout: v.GetDuration("cron.timeout"),
		Trace: TraceConfig{
			Enabled:     envBool("OTEL_ENABLED", v.GetBool("trace.enabled")),
			SampleRatio: v.GetFloat64("trace.sample_ratio"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres, StoreDriverMemory:
	default:
		return fmt.Errorf("store.driver must be postgres or memory")
	}
	if c.Kafka.Enabled() {
		if c.Kafka.ConsumerGroup == "" {
			return fmt.Errorf("kafka consumer group required")
		}
		if c.Kafka.Topics.ReferralCascade == "" || c.Kafka.Topics.Purchases == "" {
			return fmt.Errorf("kafka purchase and cascade topics required")
		}
	}
	if strings.TrimSpace(c.JWTSecret) == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.Reservation.Lease <= 0 {
		return fmt.Errorf("reservation.lease must be positive")
	}
	if err := c.Calculator.Validate(); err != nil {
		return fmt.Errorf("calculator: %w", err)
	}
	switch c.Oracle.Source {
	case OracleSourceFixed:
		if !c.Oracle.FixedRate.IsPositive() {
			return fmt.Errorf("oracle.fixed_rate must be positive")
		}
	case OracleSourceHTTP:
		if c.Oracle.URL == "" {
			return fmt.Errorf("oracle.url required for http source")
		}
	default:
		return fmt.Errorf("oracle.source must be fixed or http")
	}
	if c.Chain.RetryAttempts <= 0 {
		return fmt.Errorf("chain.retry_attempts must be positive")
	}
	if c.Chain.CallTimeout <= 0 {
		return fmt.Errorf("chain.call_timeout must be positive")
	}
	for _, rail := range []RailConfig{c.Chain.Mainnet, c.Chain.Testnet} {
		if rail.Chain.RPCURL == "" {
			continue
		}
		if rail.Chain.TokenAddress == "" || rail.Chain.TreasuryKey == "" {
			return fmt.Errorf("%s token_address and treasury_key are required with rpc_url", rail.Chain.Rail)
		}
	}
	if c.Chain.Testnet.Chain.RPCURL != "" && c.Chain.Testnet.PurchaseContract == "" {
		return fmt.Errorf("testnet purchase_contract is required with rpc_url")
	}
	return nil
}

func railConfig(v *viper.Viper, rail string) RailConfig {
	prefix := "chain." + rail + "."
	envPrefix := strings.ToUpper(rail) + "_"
	return RailConfig{
		Chain: chain.Config{
			Rail:          rail,
			RPCURL:        envString(envPrefix+"RPC_URL", v.GetString(prefix+"rpc_url")),
			ChainID:       v.GetInt64(prefix + "chain_id"),
			TokenAddress:  v.GetString(prefix + "token_address"),
			TokenDecimals: v.GetInt32(prefix + "token_decimals"),
			TreasuryKey:   envString(envPrefix+"TREASURY_KEY", v.GetString(prefix+"treasury_key")),
			GasLimit:      v.GetUint64(prefix + "gas_limit"),
		},
		PurchaseContract: v.GetString(prefix + "purchase_contract"),
		DevBalance:       getDecimal(v, prefix+"dev_balance", decimal.Zero),
	}
}

func setDefaults(v *viper.Viper) {
	calc := calculator.DefaultConfig()
	specs := scheduler.DefaultSpecs()

	v.SetDefault("store.driver", StoreDriverPostgres)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.consumer_group", "settlement-service")
	v.SetDefault("kafka.topics.purchases", "settlement.purchases")
	v.SetDefault("kafka.topics.referral_cascade", "settlement.referral_cascade")
	v.SetDefault("kafka.topics.auctions", "settlement.auctions")
	v.SetDefault("kafka.topics.dlq", "settlement.dlq")
	v.SetDefault("kafka.max_attempts", 3)
	v.SetDefault("kafka.retry_backoff", "500ms")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("reservation.lease", "5m")
	v.SetDefault("reservation.rate_limit", 10)
	v.SetDefault("reservation.rate_window", "1m")
	v.SetDefault("calculator.platform_fee_bps", calc.PlatformFeeBps)
	v.SetDefault("calculator.creator_share_bps", calc.CreatorShareBps)
	v.SetDefault("calculator.testnet_direct_bps", calc.TestnetDirectBps)
	v.SetDefault("calculator.testnet_grand_bps", calc.TestnetGrandBps)
	v.SetDefault("calculator.slippage_bps", calc.SlippageBps)
	v.SetDefault("oracle.source", OracleSourceFixed)
	v.SetDefault("oracle.field", "rate")
	v.SetDefault("oracle.fixed_rate", "0.1")
	v.SetDefault("oracle.ttl", "30s")
	v.SetDefault("oracle.max_stale", "1h")
	v.SetDefault("oracle.timeout", "5s")
	v.SetDefault("chain.call_timeout", "10s")
	v.SetDefault("chain.retry_attempts", 3)
	v.SetDefault("chain.retry_backoff", "200ms")
	v.SetDefault("chain.mainnet.token_decimals", 18)
	v.SetDefault("chain.testnet.token_decimals", 18)
	v.SetDefault("chain.mainnet.dev_balance", "1000000")
	v.SetDefault("chain.testnet.dev_balance", "1000000")
	v.SetDefault("payout.claim_lease", "2m")
	v.SetDefault("payout.intent_lease", "2m")
	v.SetDefault("payout.sweep_after", "10m")
	v.SetDefault("payout.abandon_after", "30m")
	v.SetDefault("payout.sweep_batch", 100)
	v.SetDefault("payout.cascade_timeout", "2m")
	v.SetDefault("auction.batch_size", 100)
	v.SetDefault("cron.resolve_auctions", specs.ResolveAuctions)
	v.SetDefault("cron.sweep_referrals", specs.SweepReferrals)
	v.SetDefault("cron.rollback_abandoned", specs.RollbackAbandoned)
	v.SetDefault("cron.timeout", "1m")
	v.SetDefault("trace.enabled", false)
	v.SetDefault("trace.sample_ratio", 1.0)
}

func getDecimal(v *viper.Viper, key string, def decimal.Decimal) decimal.Decimal {
	raw := strings.TrimSpace(v.GetString(key))
	if raw == "" {
		return def
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return def
	}
	return d
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envCSV(key string, def []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, part := range parts {
			trimmed := strings.TrimSpace(part)
			if trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return def
}
