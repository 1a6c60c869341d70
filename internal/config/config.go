package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration struct
type Config struct {
	Node      NodeConfig      `mapstructure:"node"`
	Clock     ClockConfig     `mapstructure:"clock"`
	Net       NetConfig       `mapstructure:"net"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Pool      PoolConfig      `mapstructure:"pool"`
	Session   SessionConfig   `mapstructure:"session"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
}

// NodeConfig holds per-node identity and endpoints
type NodeConfig struct {
	PeerID   uint32 `mapstructure:"peerID"`
	Role     string `mapstructure:"role"`
	HTTPAddr string `mapstructure:"httpAddr"`
	GRPCAddr string `mapstructure:"grpcAddr"`
	HostURL  string `mapstructure:"hostURL"`
	DataDir  string `mapstructure:"dataDir"`
}

// ClockConfig holds the fixed-step clock settings
type ClockConfig struct {
	TickMs float64 `mapstructure:"tickMs"`
}

// NetConfig holds per-connection protocol settings
type NetConfig struct {
	PingInterval     time.Duration `mapstructure:"pingInterval"`
	HandshakeTimeout time.Duration `mapstructure:"handshakeTimeout"`
	IdleTimeout      time.Duration `mapstructure:"idleTimeout"`
	RateLimit        float64       `mapstructure:"rateLimit"`
	RateBurst        int           `mapstructure:"rateBurst"`
	QueueCapacity    int           `mapstructure:"queueCapacity"`
	GatePolicy       string        `mapstructure:"gatePolicy"`
}

// LedgerConfig holds economy settings
type LedgerConfig struct {
	StartingBalance uint64 `mapstructure:"startingBalance"`
	Journal         bool   `mapstructure:"journal"`
}

// CacheConfig holds asset bundle cache settings
type CacheConfig struct {
	Dir            string `mapstructure:"dir"`
	QuotaBytes     int64  `mapstructure:"quotaBytes"`
	MaxBundleBytes int    `mapstructure:"maxBundleBytes"`
	PublishDir     string `mapstructure:"publishDir"`
}

// PoolConfig holds the generic worker pool size
type PoolConfig struct {
	Workers int `mapstructure:"workers"`
}

// SessionConfig holds session persistence settings
type SessionConfig struct {
	History int `mapstructure:"history"`
}

// ScheduleConfig holds scheduler interval settings
type ScheduleConfig struct {
	SessionSave      time.Duration `mapstructure:"sessionSave"`
	VehicleBroadcast time.Duration `mapstructure:"vehicleBroadcast"`
	CachePoll        time.Duration `mapstructure:"cachePoll"`
}

// DiscoveryConfig holds LAN discovery settings
type DiscoveryConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ServiceTag string `mapstructure:"serviceTag"`
}

// SetDefaults registers every default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("node.peerID", 1)
	v.SetDefault("node.role", "host")
	v.SetDefault("node.httpAddr", "0.0.0.0:7777")
	v.SetDefault("node.grpcAddr", "0.0.0.0:7778")
	v.SetDefault("node.hostURL", "")
	v.SetDefault("node.dataDir", "coop_data")
	v.SetDefault("clock.tickMs", 32.0)
	v.SetDefault("net.pingInterval", 5*time.Second)
	v.SetDefault("net.handshakeTimeout", 10*time.Second)
	v.SetDefault("net.idleTimeout", 30*time.Second)
	v.SetDefault("net.rateLimit", 0.0)
	v.SetDefault("net.rateBurst", 30)
	v.SetDefault("net.queueCapacity", 0)
	v.SetDefault("net.gatePolicy", "permissive")
	v.SetDefault("ledger.startingBalance", 10000)
	v.SetDefault("ledger.journal", true)
	v.SetDefault("cache.dir", "runtime_cache/plugins")
	v.SetDefault("cache.quotaBytes", 128*1024*1024)
	v.SetDefault("cache.maxBundleBytes", 64*1024*1024)
	v.SetDefault("cache.publishDir", "")
	v.SetDefault("pool.workers", 4)
	v.SetDefault("session.history", 8)
	v.SetDefault("schedule.sessionSave", 60*time.Second)
	v.SetDefault("schedule.vehicleBroadcast", 100*time.Millisecond)
	v.SetDefault("schedule.cachePoll", 250*time.Millisecond)
	v.SetDefault("discovery.enabled", false)
	v.SetDefault("discovery.serviceTag", "coopsync-lan")
}

// Load reads configuration from file and environment
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("COOP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a Config populated only from defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}
