package config

import (
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Database struct {
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	SSLMode  string `mapstructure:"ssl-mode"`
}

// Enabled reports whether a Postgres database is configured. Without one
// the service falls back to the in-memory ledger and the settings file.
func (d Database) Enabled() bool {
	return d.Host != ""
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	OrderEvents string `mapstructure:"order-events"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
}

type Server struct {
	Port              string `mapstructure:"port"`
	AdminToken        string `mapstructure:"admin-token"`
	ReadTimeoutMs     int    `mapstructure:"read-timeout-ms"`
	WriteTimeoutMs    int    `mapstructure:"write-timeout-ms"`
	ShutdownTimeoutMs int    `mapstructure:"shutdown-timeout-ms"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL   string `mapstructure:"url"`
	Level string `mapstructure:"level"`
}

type Settings struct {
	Path string `mapstructure:"path"`
}

type Wechat struct {
	APIURL string `mapstructure:"api-url"`
}

type Alipay struct {
	GatewayURL        string `mapstructure:"gateway-url"`
	SandboxGatewayURL string `mapstructure:"sandbox-gateway-url"`
}

type Gateways struct {
	TimeoutMs int    `mapstructure:"timeout-ms"`
	Wechat    Wechat `mapstructure:"wechat"`
	Alipay    Alipay `mapstructure:"alipay"`
}

type Reconciler struct {
	Enabled           bool `mapstructure:"enabled"`
	PollingIntervalMs int  `mapstructure:"polling-interval-ms"`
	FetchSize         int  `mapstructure:"fetch-size"`
	GraceMs           int  `mapstructure:"grace-ms"`
}

type Notify struct {
	RatePerSecond float64 `mapstructure:"rate-per-second"`
	Burst         int     `mapstructure:"burst"`
}

// Sandbox configures the fake gateway server. The Alipay private key is the
// platform side of the pair whose public half merchants store as publicKey.
type Sandbox struct {
	Port                    string `mapstructure:"port"`
	WechatAPIKey            string `mapstructure:"wechat-api-key"`
	AlipayAppID             string `mapstructure:"alipay-app-id"`
	AlipayPrivateKey        string `mapstructure:"alipay-private-key"`
	AlipayMerchantPublicKey string `mapstructure:"alipay-merchant-public-key"`
}

type Config struct {
	Database   Database   `mapstructure:"database"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Server     Server     `mapstructure:"server"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Logs       Logs       `mapstructure:"logs"`
	Settings   Settings   `mapstructure:"settings"`
	Gateways   Gateways   `mapstructure:"gateways"`
	Reconciler Reconciler `mapstructure:"reconciler"`
	Notify     Notify     `mapstructure:"notify"`
	Sandbox    Sandbox    `mapstructure:"sandbox"`
}

// every key needs a default so that AutomaticEnv can override it on Unmarshal
func setDefaults(v *viper.Viper) {
	v.SetDefault("database.user", "")
	v.SetDefault("database.password", "")
	v.SetDefault("database.name", "")
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.ssl-mode", "disable")

	v.SetDefault("kafka.writer.batch-size", 100)
	v.SetDefault("kafka.writer.batch-timeout-ms", 100)
	v.SetDefault("kafka.broker.url", "")
	v.SetDefault("kafka.topic.order-events", "payment-order-events")

	v.SetDefault("server.port", "8080")
	v.SetDefault("server.admin-token", "")
	v.SetDefault("server.read-timeout-ms", 10_000)
	v.SetDefault("server.write-timeout-ms", 30_000)
	v.SetDefault("server.shutdown-timeout-ms", 15_000)

	v.SetDefault("metrics.url", "")
	v.SetDefault("metrics.interval-ms", 10_000)
	v.SetDefault("metrics.common-labels", "")
	v.SetDefault("logs.url", "")
	v.SetDefault("logs.level", "info")

	v.SetDefault("settings.path", "data/settings.json")

	v.SetDefault("gateways.timeout-ms", 10_000)
	v.SetDefault("gateways.wechat.api-url", "https://api.mch.weixin.qq.com")
	v.SetDefault("gateways.alipay.gateway-url", "https://openapi.alipay.com/gateway.do")
	v.SetDefault("gateways.alipay.sandbox-gateway-url", "https://openapi-sandbox.dl.alipaydev.com/gateway.do")

	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.polling-interval-ms", 30_000)
	v.SetDefault("reconciler.fetch-size", 50)
	v.SetDefault("reconciler.grace-ms", 60_000)

	v.SetDefault("notify.rate-per-second", 20)
	v.SetDefault("notify.burst", 40)

	v.SetDefault("sandbox.port", "8085")
	v.SetDefault("sandbox.wechat-api-key", "")
	v.SetDefault("sandbox.alipay-app-id", "")
	v.SetDefault("sandbox.alipay-private-key", "")
	v.SetDefault("sandbox.alipay-merchant-public-key", "")
}

// LoadConfig reads config.yaml from path. Every key can be overridden from
// the environment, e.g. DATABASE_HOST or GATEWAYS_TIMEOUT_MS.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func MustLoadConfig(path string) *Config {
	config, err := LoadConfig(path)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return config
}
