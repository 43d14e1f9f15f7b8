package configs

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ServerPort             string `envconfig:"SERVER_PORT" default:"8765"`
	ServerTimeOutInSeconds int64  `envconfig:"SERVER_TIME_OUT_IN_SECONDS" default:"5"`
	LogLevel               string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat              string `envconfig:"LOG_FORMAT" default:"text"`
	StorageDriver          string `envconfig:"STORAGE_DRIVER" default:"sqlite"`
	SQLitePath             string `envconfig:"SQLITE_PATH" default:"agent.db"`
	SeedInitialTasks       bool   `envconfig:"SEED_INITIAL_TASKS" default:"true"`
	Database               DatabaseConfig
	Heartbeat              HeartbeatConfig
	Events                 EventsConfig
	Pipeline               PipelineConfig
	RabbitMQ               RabbitMQConfig
	RedisConfig            RedisConfig
}

type DatabaseConfig struct {
	Username     string `envconfig:"DB_USERNAME"`
	Password     string `envconfig:"DB_PASSWORD"`
	Host         string `envconfig:"DB_HOST"`
	Port         string `envconfig:"DB_PORT"`
	Database     string `envconfig:"DB_DATABASE"`
	DatabaseTest string `envconfig:"DB_DATABASE_TEST"`
	SSLMode      string `envconfig:"DB_SSL_MODE" default:"require"`
	PoolMaxConns int    `envconfig:"DB_POOL_MAX_CONNS" default:"4"`
}

type HeartbeatConfig struct {
	IntervalSeconds           int64 `envconfig:"HEARTBEAT_INTERVAL_SECONDS" default:"300"`
	StartupDelaySeconds       int64 `envconfig:"HEARTBEAT_STARTUP_DELAY_SECONDS" default:"15"`
	RetryCeiling              int   `envconfig:"HEARTBEAT_RETRY_CEILING" default:"2"`
	RetryBackoffSeconds       int64 `envconfig:"HEARTBEAT_RETRY_BACKOFF_SECONDS" default:"300"`
	RetryBackoffMaxSeconds    int64 `envconfig:"HEARTBEAT_RETRY_BACKOFF_MAX_SECONDS" default:"3600"`
	ReflectionIntervalSeconds int64 `envconfig:"HEARTBEAT_REFLECTION_INTERVAL_SECONDS" default:"3600"`
	PauseCooldownSeconds      int64 `envconfig:"HEARTBEAT_PAUSE_COOLDOWN_SECONDS" default:"30"`
	LockTTLSeconds            int64 `envconfig:"HEARTBEAT_LOCK_TTL_SECONDS" default:"900"`
	MaxProposals              int   `envconfig:"HEARTBEAT_MAX_PROPOSALS" default:"5"`
}

type EventsConfig struct {
	BufferSize        int   `envconfig:"EVENTS_BUFFER_SIZE" default:"50"`
	PingSeconds       int64 `envconfig:"EVENTS_PING_SECONDS" default:"30"`
	RetryMilliseconds int64 `envconfig:"EVENTS_RETRY_MILLISECONDS" default:"5000"`
}

type PipelineConfig struct {
	URL            string `envconfig:"PIPELINE_URL"`
	TimeoutSeconds int64  `envconfig:"PIPELINE_TIMEOUT_SECONDS" default:"600"`
}

type RabbitMQConfig struct {
	Username        string `envconfig:"RABBIT_USERNAME"`
	Password        string `envconfig:"RABBIT_PASSWORD"`
	Host            string `envconfig:"RABBIT_HOST"`
	Port            string `envconfig:"RABBIT_PORT"`
	EventsQueueName string `envconfig:"RABBIT_EVENTS_QUEUE_NAME" default:"heartbeat_events"`
}

type RedisConfig struct {
	Username string `envconfig:"REDIS_USERNAME"`
	Password string `envconfig:"REDIS_PASSWORD"`
	Host     string `envconfig:"REDIS_HOST"`
	Port     string `envconfig:"REDIS_PORT"`
	DBIndex  int32  `envconfig:"REDIS_DB_INDEX"`
}

// ToMigrationUri returns a string specifically for the migration package with the right prefix
func (d DatabaseConfig) ToMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
	)
}

// ToTestMigrationUri is ToMigrationUri against the test database
func (d DatabaseConfig) ToTestMigrationUri() string {
	return fmt.Sprintf("pgx5://%s:%s@%s:%s/%s?sslmode=%s",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
	)
}

// ToDbConnectionUri returns a connection URI to be used with the pgx package
func (d DatabaseConfig) ToDbConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.Database,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToTestDBConnectionUri returns a string specifically for running the integration tests
func (d DatabaseConfig) ToTestDBConnectionUri() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s&pool_max_conns=%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DatabaseTest,
		d.SSLMode,
		d.PoolMaxConns,
	)
}

// ToSQLiteDSN opens the file in WAL mode with a busy timeout; ":memory:" is passed through.
func ToSQLiteDSN(path string) string {
	if path == ":memory:" {
		return path
	}
	return fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)
}

func (h HeartbeatConfig) Interval() time.Duration {
	return time.Duration(h.IntervalSeconds) * time.Second
}

func (h HeartbeatConfig) StartupDelay() time.Duration {
	return time.Duration(h.StartupDelaySeconds) * time.Second
}

func (h HeartbeatConfig) RetryBackoff() time.Duration {
	return time.Duration(h.RetryBackoffSeconds) * time.Second
}

func (h HeartbeatConfig) RetryBackoffMax() time.Duration {
	return time.Duration(h.RetryBackoffMaxSeconds) * time.Second
}

func (h HeartbeatConfig) ReflectionInterval() time.Duration {
	return time.Duration(h.ReflectionIntervalSeconds) * time.Second
}

func (h HeartbeatConfig) PauseCooldown() time.Duration {
	return time.Duration(h.PauseCooldownSeconds) * time.Second
}

func (h HeartbeatConfig) LockTTL() time.Duration {
	return time.Duration(h.LockTTLSeconds) * time.Second
}

func (e EventsConfig) PingInterval() time.Duration {
	return time.Duration(e.PingSeconds) * time.Second
}

func (p PipelineConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Enabled reports whether an external pipeline is configured.
func (p PipelineConfig) Enabled() bool {
	return p.URL != ""
}

// ToRabbitConnectionUri returns a connection URI to be used with the rabbitmq/amqp091-go package
func (d RabbitMQConfig) ToRabbitConnectionUri() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
	)
}

func (d RabbitMQConfig) Enabled() bool {
	return d.Host != ""
}

// GetMainQueueNames returns the queues that must be declared before the relay publishes
func (d RabbitMQConfig) GetMainQueueNames() []string {
	return []string{d.EventsQueueName}
}

// ToRedisConnectionUri returns a connection URI to be used with the redis/go-redis/v9 package
func (d RedisConfig) ToRedisConnectionUri() string {
	return fmt.Sprintf("redis://%s:%s@%s:%s/%d",
		d.Username,
		d.Password,
		d.Host,
		d.Port,
		d.DBIndex,
	)
}

func (d RedisConfig) Enabled() bool {
	return d.Host != ""
}

func InitConfig() *Config {
	err := godotenv.Load()

	if err != nil && !os.IsNotExist(err) {
		log.Fatalf("Unable to load .env %v", err)
	}

	var cfg Config
	err = envconfig.Process("", &cfg)
	if err != nil {
		log.Fatalf("Cannot load env: %v", err)
	}

	return &cfg
}
