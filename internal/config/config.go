package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
	pkgconfig "github.com/weiawesome/wes-chat-relay/pkg/config"
	"github.com/weiawesome/wes-chat-relay/pkg/database"
	"github.com/weiawesome/wes-chat-relay/pkg/storage"
)

type Config struct {
	Server     ServerConfig
	GRPC       GRPCConfig
	WebSocket  WebSocketConfig
	Relay      RelayConfig
	Database   database.Config
	MessageLog MessageLogConfig `mapstructure:"message_log"`
	Cassandra  CassandraConfig
	ID         IDConfig
	Redis      RedisConfig
	Cache      CacheConfig
	Kafka      KafkaConfig
	Storage    storage.Config
	Upload     UploadConfig
	Log        LogConfig
}

type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type GRPCConfig struct {
	Enabled bool
	Host    string
	Port    int
}

type WebSocketConfig struct {
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	PongWait       time.Duration `mapstructure:"pong_wait"`
	WriteWait      time.Duration `mapstructure:"write_wait"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBufferSize int           `mapstructure:"send_buffer_size"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

type RelayConfig struct {
	Shards int
}

type MessageLogConfig struct {
	Driver string // sql, cassandra
}

type CassandraConfig struct {
	Hosts           []string
	Keyspace        string
	Username        string
	Password        string
	Consistency     string
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Timeout         time.Duration
	NumConns        int `mapstructure:"num_conns"`
	MaxPreparedStmt int `mapstructure:"max_prepared_stmt"`
}

type IDConfig struct {
	MachineID int64 `mapstructure:"machine_id"`
	Epoch     int64 // unix ms
}

type RedisConfig struct {
	Enabled           bool
	Address           string
	Password          string
	DB                int
	PresencePrefix    string        `mapstructure:"presence_prefix"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	KeyTTL            time.Duration `mapstructure:"key_ttl"`
	QueueSize         int           `mapstructure:"queue_size"`
}

type CacheConfig struct {
	Enabled bool
	Prefix  string
	TTL     time.Duration
}

type KafkaConfig struct {
	Enabled    bool
	Brokers    string
	Topic      string
	Partitions int
}

type UploadConfig struct {
	MaxSize int64         `mapstructure:"max_size"`
	URLTTL  time.Duration `mapstructure:"url_ttl"`
}

type LogConfig struct {
	Level  string
	Pretty bool
}

func Load() (*Config, error) {
	v, err := pkgconfig.Load("./config", "config")
	if err != nil {
		return nil, err
	}

	setDefaults(v)
	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Parse durations
	cfg.Server.ShutdownTimeout = parseDuration(v, "server.shutdown_timeout", 15*time.Second)
	cfg.WebSocket.PingInterval = parseDuration(v, "websocket.ping_interval", 30*time.Second)
	cfg.WebSocket.PongWait = parseDuration(v, "websocket.pong_wait", 60*time.Second)
	cfg.WebSocket.WriteWait = parseDuration(v, "websocket.write_wait", 10*time.Second)
	cfg.Cassandra.ConnectTimeout = parseDuration(v, "cassandra.connect_timeout", 10*time.Second)
	cfg.Cassandra.Timeout = parseDuration(v, "cassandra.timeout", 5*time.Second)
	cfg.Redis.HeartbeatInterval = parseDuration(v, "redis.heartbeat_interval", 10*time.Second)
	cfg.Redis.KeyTTL = parseDuration(v, "redis.key_ttl", 30*time.Second)
	cfg.Cache.TTL = parseDuration(v, "cache.ttl", 5*time.Minute)
	cfg.Upload.URLTTL = parseDuration(v, "upload.url_ttl", 15*time.Minute)

	// Env vars arrive as a single comma separated string.
	cfg.Cassandra.Hosts = splitList(v.GetStringSlice("cassandra.hosts"))
	cfg.WebSocket.AllowedOrigins = splitList(v.GetStringSlice("websocket.allowed_origins"))

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("grpc.enabled", true)
	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50060)
	v.SetDefault("websocket.ping_interval", "30s")
	v.SetDefault("websocket.pong_wait", "60s")
	v.SetDefault("websocket.write_wait", "10s")
	v.SetDefault("websocket.max_message_size", 65536)
	v.SetDefault("websocket.send_buffer_size", 256)
	v.SetDefault("websocket.allowed_origins", []string{})
	v.SetDefault("relay.shards", 16)
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "chat_relay")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.file_path", "./data/chat_relay.db")
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", 60)
	v.SetDefault("database.log_level", "warn")
	v.SetDefault("message_log.driver", "sql")
	v.SetDefault("cassandra.hosts", []string{"localhost:9042"})
	v.SetDefault("cassandra.keyspace", "chat_relay")
	v.SetDefault("cassandra.consistency", "LOCAL_QUORUM")
	v.SetDefault("cassandra.connect_timeout", "10s")
	v.SetDefault("cassandra.timeout", "5s")
	v.SetDefault("cassandra.num_conns", 2)
	v.SetDefault("cassandra.max_prepared_stmt", 1000)
	v.SetDefault("id.machine_id", 1)
	v.SetDefault("id.epoch", 1704067200000) // 2024-01-01T00:00:00Z
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.presence_prefix", "relay:presence")
	v.SetDefault("redis.heartbeat_interval", "10s")
	v.SetDefault("redis.key_ttl", "30s")
	v.SetDefault("redis.queue_size", 1024)
	v.SetDefault("cache.enabled", false)
	v.SetDefault("cache.prefix", "relay:history")
	v.SetDefault("cache.ttl", "5m")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", "localhost:9092")
	v.SetDefault("kafka.topic", "chat-messages")
	v.SetDefault("kafka.partitions", 8)
	v.SetDefault("storage.driver", "local")
	v.SetDefault("storage.local.base_path", "./data/uploads")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("upload.max_size", 10<<20)
	v.SetDefault("upload.url_ttl", "15m")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Override from environment
func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("grpc.port", "GRPC_PORT")
	v.BindEnv("grpc.enabled", "GRPC_ENABLED")
	v.BindEnv("websocket.allowed_origins", "WS_ALLOWED_ORIGINS")
	v.BindEnv("websocket.send_buffer_size", "WS_SEND_BUFFER_SIZE")
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST")
	v.BindEnv("database.port", "DATABASE_PORT")
	v.BindEnv("database.user", "DATABASE_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME")
	v.BindEnv("database.file_path", "DATABASE_FILE_PATH")
	v.BindEnv("message_log.driver", "MESSAGE_LOG_DRIVER")
	v.BindEnv("cassandra.hosts", "CASSANDRA_HOSTS")
	v.BindEnv("cassandra.keyspace", "CASSANDRA_KEYSPACE")
	v.BindEnv("cassandra.username", "CASSANDRA_USERNAME")
	v.BindEnv("cassandra.password", "CASSANDRA_PASSWORD")
	v.BindEnv("id.machine_id", "MACHINE_ID")
	v.BindEnv("redis.enabled", "REDIS_ENABLED")
	v.BindEnv("redis.address", "REDIS_ADDRESS")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("cache.enabled", "CACHE_ENABLED")
	v.BindEnv("kafka.enabled", "KAFKA_ENABLED")
	v.BindEnv("kafka.brokers", "KAFKA_BROKERS")
	v.BindEnv("kafka.topic", "KAFKA_TOPIC")
	v.BindEnv("storage.driver", "STORAGE_DRIVER")
	v.BindEnv("storage.local.base_path", "STORAGE_BASE_PATH")
	v.BindEnv("storage.s3.endpoint", "S3_ENDPOINT")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.access_key_id", "S3_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_access_key", "S3_SECRET_ACCESS_KEY")
	v.BindEnv("log.level", "LOG_LEVEL")
}

func parseDuration(v *viper.Viper, key string, defaultVal time.Duration) time.Duration {
	str := v.GetString(key)
	d, err := time.ParseDuration(str)
	if err != nil {
		return defaultVal
	}
	return d
}

func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
