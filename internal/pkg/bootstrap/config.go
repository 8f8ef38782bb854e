// internal/pkg/bootstrap/config.go
package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"fulfillment/internal/pkg/resilience"
)

// Config 服务的全部配置。优先级：环境变量 > .env > YAML 文件 > 默认值。
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	ZooKeeper ZooKeeperConfig `yaml:"zookeeper"`
	Nacos     NacosConfig     `yaml:"nacos"`
	Jaeger    JaegerConfig    `yaml:"jaeger"`
	Partners  PartnersConfig  `yaml:"partners"`
	Routes    []RouteConfig   `yaml:"routes"`
	Guards    GuardsConfig    `yaml:"guards"`
	Saga      SagaConfig      `yaml:"saga"`
}

type ServiceConfig struct {
	Name            string        `yaml:"name"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console | json
}

// StorageConfig Driver 为 mysql、postgres、sqlite 或 memory。
// mysql 没有给出 DSN 时由 MySQL 字段拼装。
type StorageConfig struct {
	Driver       string      `yaml:"driver"`
	DSN          string      `yaml:"dsn"`
	MaxOpenConns int         `yaml:"maxOpenConns"`
	AutoMigrate  bool        `yaml:"autoMigrate"`
	MySQL        MySQLConfig `yaml:"mysql"`
}

type MySQLConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
}

type KafkaConfig struct {
	Brokers []string    `yaml:"brokers"`
	GroupID string      `yaml:"groupId"`
	Topics  KafkaTopics `yaml:"topics"`
}

type KafkaTopics struct {
	OrderCreation     string `yaml:"orderCreation"`
	Replies           string `yaml:"replies"`
	LogisticsCommands string `yaml:"logisticsCommands"`
	StateChanges      string `yaml:"stateChanges"`
	DeadLetter        string `yaml:"deadLetter"`
	Escalations       string `yaml:"escalations"` // 补偿失败的订单，等人工处理
}

// RedisConfig Addrs 为空时不启用跨实例去重
type RedisConfig struct {
	Addrs    string        `yaml:"addrs"`
	DedupTTL time.Duration `yaml:"dedupTTL"`
}

// ZooKeeperConfig Servers 为空时每个实例都会巡检
type ZooKeeperConfig struct {
	Servers        []string      `yaml:"servers"`
	SessionTimeout time.Duration `yaml:"sessionTimeout"`
}

// NacosConfig Addrs 为空时不注册，伙伴地址只能来自 BaseURL
type NacosConfig struct {
	Addrs     string `yaml:"addrs"`
	Namespace string `yaml:"namespace"`
	Group     string `yaml:"group"`
}

type JaegerConfig struct {
	Endpoint string `yaml:"endpoint"`
}

type PartnersConfig struct {
	CreditCard CreditCardConfig `yaml:"creditCard"`
	Logistics  LogisticsConfig  `yaml:"logistics"`
}

// CreditCardConfig BaseURL 非空时直连，否则按 Service 名走服务发现
type CreditCardConfig struct {
	Name    string `yaml:"name"`
	Service string `yaml:"service"`
	BaseURL string `yaml:"baseUrl"`
}

type LogisticsConfig struct {
	Name string `yaml:"name"`
}

// RouteConfig 一条指令路由规则，When 是 CEL 表达式
type RouteConfig struct {
	Name    string `yaml:"name"`
	When    string `yaml:"when"`
	Partner string `yaml:"partner"`
}

type GuardsConfig struct {
	Default   GuardConfig            `yaml:"default"`
	Overrides map[string]GuardConfig `yaml:"overrides"`
}

// GuardConfig 单个伙伴的隔离舱、熔断和重试参数，零值字段沿用默认值
type GuardConfig struct {
	MaxConcurrent  int           `yaml:"maxConcurrent"`
	CallTimeout    time.Duration `yaml:"callTimeout"`
	WindowSize     int           `yaml:"windowSize"`
	FailureRatio   float64       `yaml:"failureRatio"`
	MinimumCalls   int           `yaml:"minimumCalls"`
	CoolDown       time.Duration `yaml:"coolDown"`
	MaxAttempts    int           `yaml:"maxAttempts"`
	InitialBackoff time.Duration `yaml:"initialBackoff"`
	MaxBackoff     time.Duration `yaml:"maxBackoff"`
}

type SagaConfig struct {
	Partitions          int           `yaml:"partitions"`
	QueueSize           int           `yaml:"queueSize"`
	ProcessingTimeout   time.Duration `yaml:"processingTimeout"`
	RecentSeenSize      int           `yaml:"recentSeenSize"`
	FanoutBuffer        int           `yaml:"fanoutBuffer"`
	FanoutTimeout       time.Duration `yaml:"fanoutTimeout"`
	PaymentTimeout      time.Duration `yaml:"paymentTimeout"`
	ShipmentTimeout     time.Duration `yaml:"shipmentTimeout"`
	CompensationTimeout time.Duration `yaml:"compensationTimeout"`
	SweepSchedule       string        `yaml:"sweepSchedule"`
}

// DefaultConfig 单机开发默认值：内存存储，本地 Kafka，不启用 Redis / ZooKeeper / Nacos
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "order-saga", Port: 8080, ShutdownTimeout: 10 * time.Second},
		Log:     LogConfig{Level: "info", Format: "console"},
		Storage: StorageConfig{
			Driver:       "memory",
			MaxOpenConns: 20,
			AutoMigrate:  true,
			MySQL:        MySQLConfig{Host: "localhost", Port: 3306, User: "root", Database: "orders"},
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			GroupID: "order-saga",
			Topics: KafkaTopics{
				OrderCreation:     "order-creation-topic",
				Replies:           "order-saga-replies",
				LogisticsCommands: "logistics-commands",
				StateChanges:      "order-state-changes",
				DeadLetter:        "order-saga-replies.DLT",
				Escalations:       "order-saga-escalations",
			},
		},
		Redis:     RedisConfig{DedupTTL: 24 * time.Hour},
		ZooKeeper: ZooKeeperConfig{SessionTimeout: 10 * time.Second},
		Nacos:     NacosConfig{Group: "DEFAULT_GROUP"},
		Partners: PartnersConfig{
			CreditCard: CreditCardConfig{Name: "credit-card", Service: "credit-card-service"},
			Logistics:  LogisticsConfig{Name: "logistics"},
		},
		Routes: []RouteConfig{
			{Name: "payment", When: `kind == "AUTHORIZE_PAYMENT" || kind == "REFUND_PAYMENT"`, Partner: "credit-card"},
			{Name: "shipment", When: `kind == "DISPATCH_SHIPMENT"`, Partner: "logistics"},
		},
		Saga: SagaConfig{
			Partitions:          16,
			QueueSize:           256,
			ProcessingTimeout:   10 * time.Second,
			RecentSeenSize:      10000,
			FanoutBuffer:        64,
			FanoutTimeout:       2 * time.Second,
			PaymentTimeout:      30 * time.Second,
			ShipmentTimeout:     120 * time.Second,
			CompensationTimeout: 60 * time.Second,
			SweepSchedule:       "@every 10s",
		},
	}
}

// Load 读取 YAML 配置（path 为空则跳过），再加载 .env 并应用环境变量覆盖
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read config %s", path)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", path)
		}
	}

	// .env 不存在是正常情况
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load .env")
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := map[string]*string{
		"SERVICE_NAME":       &c.Service.Name,
		"LOG_LEVEL":          &c.Log.Level,
		"LOG_FORMAT":         &c.Log.Format,
		"STORAGE_DRIVER":     &c.Storage.Driver,
		"STORAGE_DSN":        &c.Storage.DSN,
		"MYSQL_HOST":         &c.Storage.MySQL.Host,
		"MYSQL_USER":         &c.Storage.MySQL.User,
		"MYSQL_PASSWORD":     &c.Storage.MySQL.Password,
		"MYSQL_DATABASE":     &c.Storage.MySQL.Database,
		"KAFKA_GROUP_ID":     &c.Kafka.GroupID,
		"REDIS_ADDRS":        &c.Redis.Addrs,
		"NACOS_SERVER_ADDRS": &c.Nacos.Addrs,
		"NACOS_NAMESPACE":    &c.Nacos.Namespace,
		"NACOS_GROUP":        &c.Nacos.Group,
		"JAEGER_ENDPOINT":    &c.Jaeger.Endpoint,
		"CREDIT_CARD_URL":    &c.Partners.CreditCard.BaseURL,
		"SWEEP_SCHEDULE":     &c.Saga.SweepSchedule,
	}
	for key, dst := range str {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}

	list := map[string]*[]string{
		"KAFKA_BROKERS": &c.Kafka.Brokers,
		"ZK_SERVERS":    &c.ZooKeeper.Servers,
	}
	for key, dst := range list {
		if v, ok := os.LookupEnv(key); ok {
			*dst = splitList(v)
		}
	}

	ints := map[string]*int{
		"HTTP_PORT":  &c.Service.Port,
		"MYSQL_PORT": &c.Storage.MySQL.Port,
	}
	for key, dst := range ints {
		if v, ok := os.LookupEnv(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return errors.Wrapf(err, "env %s", key)
			}
			*dst = n
		}
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate 检查必须的字段
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported storage driver %q", c.Storage.Driver)
	}
	if (c.Storage.Driver == "sqlite" || c.Storage.Driver == "postgres") && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for driver %s", c.Storage.Driver)
	}
	if c.Service.Port <= 0 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid service port %d", c.Service.Port)
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers must not be empty")
	}
	if len(c.Routes) == 0 {
		return errors.New("at least one route is required")
	}
	return nil
}

// StorageDSN 返回最终使用的 DSN
func (c *Config) StorageDSN() string {
	if c.Storage.DSN != "" || c.Storage.Driver != "mysql" {
		return c.Storage.DSN
	}
	m := c.Storage.MySQL
	mc := mysql.NewConfig()
	mc.User = m.User
	mc.Passwd = m.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", m.Host, m.Port)
	mc.DBName = m.Database
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Resilience 把 GuardConfig 叠加到默认策略上
func (g GuardConfig) Resilience() resilience.Config {
	cfg := resilience.DefaultConfig()
	if g.MaxConcurrent > 0 {
		cfg.MaxConcurrent = g.MaxConcurrent
	}
	if g.CallTimeout > 0 {
		cfg.CallTimeout = g.CallTimeout
	}
	if g.WindowSize > 0 {
		cfg.Breaker.WindowSize = g.WindowSize
		cfg.Breaker.MinimumCalls = g.WindowSize
	}
	if g.FailureRatio > 0 {
		cfg.Breaker.FailureRatio = g.FailureRatio
	}
	if g.MinimumCalls > 0 {
		cfg.Breaker.MinimumCalls = g.MinimumCalls
	}
	if g.CoolDown > 0 {
		cfg.Breaker.CoolDown = g.CoolDown
	}
	if g.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = g.MaxAttempts
	}
	if g.InitialBackoff > 0 {
		cfg.Retry.InitialBackoff = g.InitialBackoff
	}
	if g.MaxBackoff > 0 {
		cfg.Retry.MaxBackoff = g.MaxBackoff
	}
	return cfg
}

// GuardOverrides 每个伙伴的覆盖策略
func (c *Config) GuardOverrides() map[string]resilience.Config {
	out := make(map[string]resilience.Config, len(c.Guards.Overrides))
	for name, g := range c.Guards.Overrides {
		out[name] = g.Resilience()
	}
	return out
}
