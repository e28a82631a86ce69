package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// FileName is the config file looked up in the config directory.
const FileName = "markersync.cfg.json"

// EnvPrefix prefixes environment overrides, e.g. MARKERSYNC_STORAGE_TYPE.
const EnvPrefix = "MARKERSYNC"

// MemoryConfig holds in-memory storage backend settings. A SnapshotPath
// ending in .gz is written gzip-compressed.
type MemoryConfig struct {
	SnapshotPath string `json:"snapshotPath" mapstructure:"snapshotPath"`
}

// SQLiteConfig holds SQLite storage backend settings
type SQLiteConfig struct {
	Path         string        `json:"path" mapstructure:"path"`
	DumpPath     string        `json:"dumpPath" mapstructure:"dumpPath"`
	DumpInterval time.Duration `json:"dumpInterval" mapstructure:"dumpInterval"`
}

// StorageConfig selects and configures the record store backend
type StorageConfig struct {
	Type   string       `json:"type" mapstructure:"type"`
	Memory MemoryConfig `json:"memory" mapstructure:"memory"`
	SQLite SQLiteConfig `json:"sqlite" mapstructure:"sqlite"`
}

// DBConfig holds PostgreSQL connection settings
type DBConfig struct {
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Username string `json:"username" mapstructure:"username"`
	Password string `json:"password" mapstructure:"password"`
	Database string `json:"database" mapstructure:"database"`
}

// DSN renders the connection string understood by the postgres driver.
func (c DBConfig) DSN() string {
	return fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		c.Host, c.Port, c.Username, c.Password, c.Database)
}

// FeedConfig holds change feed settings
type FeedConfig struct {
	URL        string        `json:"url" mapstructure:"url"`
	Topic      string        `json:"topic" mapstructure:"topic"`
	MaxBackoff time.Duration `json:"maxBackoff" mapstructure:"maxBackoff"`
	BufferSize int           `json:"bufferSize" mapstructure:"bufferSize"`
}

// BlobConfig holds attachment blob store settings
type BlobConfig struct {
	Type          string `json:"type" mapstructure:"type"`
	Dir           string `json:"dir" mapstructure:"dir"`
	PublicBaseURL string `json:"publicBaseUrl" mapstructure:"publicBaseUrl"`
	Bucket        string `json:"bucket" mapstructure:"bucket"`
	MaxSize       int64  `json:"maxSize" mapstructure:"maxSize"`
}

// ServerConfig holds settings of the HTTP API server
type ServerConfig struct {
	Listen string `json:"listen" mapstructure:"listen"`
	URL    string `json:"url" mapstructure:"url"`
}

// ClientConfig holds settings of the replica client
type ClientConfig struct {
	Timeout            time.Duration `json:"timeout" mapstructure:"timeout"`
	EchoCacheSize      int           `json:"echoCacheSize" mapstructure:"echoCacheSize"`
	TombstoneCacheSize int           `json:"tombstoneCacheSize" mapstructure:"tombstoneCacheSize"`
}

// AuthConfig holds session token settings
type AuthConfig struct {
	Secret   string        `json:"secret" mapstructure:"secret"`
	TokenTTL time.Duration `json:"tokenTTL" mapstructure:"tokenTTL"`
}

// OTelConfig holds OpenTelemetry settings
type OTelConfig struct {
	Enabled      bool          `json:"enabled" mapstructure:"enabled"`
	ServiceName  string        `json:"serviceName" mapstructure:"serviceName"`
	BatchTimeout time.Duration `json:"batchTimeout" mapstructure:"batchTimeout"`
	Endpoint     string        `json:"endpoint" mapstructure:"endpoint"`
	Insecure     bool          `json:"insecure" mapstructure:"insecure"`
}

// InfluxConfig holds InfluxDB settings
type InfluxConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Host     string `json:"host" mapstructure:"host"`
	Port     string `json:"port" mapstructure:"port"`
	Protocol string `json:"protocol" mapstructure:"protocol"`
	Token    string `json:"token" mapstructure:"token"`
	Org      string `json:"org" mapstructure:"org"`
	Bucket   string `json:"bucket" mapstructure:"bucket"`
}

// URL returns the InfluxDB server address.
func (c InfluxConfig) URL() string {
	return fmt.Sprintf("%s://%s:%s", c.Protocol, c.Host, c.Port)
}

// GraylogConfig holds GELF log shipping settings
type GraylogConfig struct {
	Enabled  bool   `json:"enabled" mapstructure:"enabled"`
	Address  string `json:"address" mapstructure:"address"`
	Facility string `json:"facility" mapstructure:"facility"`
}

// MonitorConfig holds periodic status sampling settings
type MonitorConfig struct {
	Interval time.Duration `json:"interval" mapstructure:"interval"`
}

// Load reads configuration from JSON file and sets default values.
// configDir is the directory containing the config file. An empty configDir
// skips the file and uses defaults plus environment overrides only.
func Load(configDir string) error {
	// Set default values
	viper.SetDefault("logLevel", "info")
	viper.SetDefault("logsDir", "./logs")

	viper.SetDefault("storage.type", "sqlite")
	viper.SetDefault("storage.memory.snapshotPath", "")
	viper.SetDefault("storage.sqlite.path", "")
	viper.SetDefault("storage.sqlite.dumpPath", "")
	viper.SetDefault("storage.sqlite.dumpInterval", "3m")

	viper.SetDefault("db.host", "localhost")
	viper.SetDefault("db.port", "5432")
	viper.SetDefault("db.username", "postgres")
	viper.SetDefault("db.password", "postgres")
	viper.SetDefault("db.database", "markersync")

	viper.SetDefault("feed.url", "ws://localhost:8780/feed")
	viper.SetDefault("feed.topic", "markers")
	viper.SetDefault("feed.maxBackoff", "30s")
	viper.SetDefault("feed.bufferSize", 256)

	viper.SetDefault("blob.type", "local")
	viper.SetDefault("blob.dir", "./blobs")
	viper.SetDefault("blob.publicBaseUrl", "http://localhost:8780/blobs")
	viper.SetDefault("blob.bucket", "marker-images")
	viper.SetDefault("blob.maxSize", 10<<20)

	viper.SetDefault("server.listen", ":8780")
	viper.SetDefault("server.url", "http://localhost:8780")

	viper.SetDefault("client.timeout", "15s")
	viper.SetDefault("client.echoCacheSize", 1024)
	viper.SetDefault("client.tombstoneCacheSize", 1024)

	viper.SetDefault("auth.secret", "")
	viper.SetDefault("auth.tokenTTL", "1h")

	viper.SetDefault("otel.enabled", false)
	viper.SetDefault("otel.serviceName", "markersync")
	viper.SetDefault("otel.batchTimeout", "5s")
	viper.SetDefault("otel.endpoint", "")
	viper.SetDefault("otel.insecure", true)

	viper.SetDefault("influx.enabled", false)
	viper.SetDefault("influx.host", "localhost")
	viper.SetDefault("influx.port", "8086")
	viper.SetDefault("influx.protocol", "http")
	viper.SetDefault("influx.token", "")
	viper.SetDefault("influx.org", "markersync")
	viper.SetDefault("influx.bucket", "markersync")

	viper.SetDefault("graylog.enabled", false)
	viper.SetDefault("graylog.address", "localhost:12201")
	viper.SetDefault("graylog.facility", "markersync")

	viper.SetDefault("monitor.interval", "1m")

	viper.SetEnvPrefix(EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configDir == "" {
		return nil
	}

	viper.SetConfigName(FileName)
	viper.AddConfigPath(configDir)
	viper.SetConfigType("json")

	err := viper.ReadInConfig()
	if err != nil {
		return fmt.Errorf("error reading config file: %w", err)
	}

	return nil
}

// GetString returns a string config value.
func GetString(key string) string {
	return viper.GetString(key)
}

// GetInt returns an int config value.
func GetInt(key string) int {
	return viper.GetInt(key)
}

// GetBool returns a bool config value.
func GetBool(key string) bool {
	return viper.GetBool(key)
}

// GetStorageConfig returns the record store section.
func GetStorageConfig() StorageConfig {
	return StorageConfig{
		Type: viper.GetString("storage.type"),
		Memory: MemoryConfig{
			SnapshotPath: viper.GetString("storage.memory.snapshotPath"),
		},
		SQLite: SQLiteConfig{
			Path:         viper.GetString("storage.sqlite.path"),
			DumpPath:     viper.GetString("storage.sqlite.dumpPath"),
			DumpInterval: viper.GetDuration("storage.sqlite.dumpInterval"),
		},
	}
}

// GetDBConfig returns the PostgreSQL connection section.
func GetDBConfig() DBConfig {
	return DBConfig{
		Host:     viper.GetString("db.host"),
		Port:     viper.GetString("db.port"),
		Username: viper.GetString("db.username"),
		Password: viper.GetString("db.password"),
		Database: viper.GetString("db.database"),
	}
}

// GetFeedConfig returns the change feed section.
func GetFeedConfig() FeedConfig {
	return FeedConfig{
		URL:        viper.GetString("feed.url"),
		Topic:      viper.GetString("feed.topic"),
		MaxBackoff: viper.GetDuration("feed.maxBackoff"),
		BufferSize: viper.GetInt("feed.bufferSize"),
	}
}

// GetBlobConfig returns the blob store section.
func GetBlobConfig() BlobConfig {
	return BlobConfig{
		Type:          viper.GetString("blob.type"),
		Dir:           viper.GetString("blob.dir"),
		PublicBaseURL: viper.GetString("blob.publicBaseUrl"),
		Bucket:        viper.GetString("blob.bucket"),
		MaxSize:       viper.GetInt64("blob.maxSize"),
	}
}

// GetServerConfig returns the HTTP API server section.
func GetServerConfig() ServerConfig {
	return ServerConfig{
		Listen: viper.GetString("server.listen"),
		URL:    viper.GetString("server.url"),
	}
}

// GetClientConfig returns the replica client section.
func GetClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:            viper.GetDuration("client.timeout"),
		EchoCacheSize:      viper.GetInt("client.echoCacheSize"),
		TombstoneCacheSize: viper.GetInt("client.tombstoneCacheSize"),
	}
}

// GetAuthConfig returns the session token section.
func GetAuthConfig() AuthConfig {
	return AuthConfig{
		Secret:   viper.GetString("auth.secret"),
		TokenTTL: viper.GetDuration("auth.tokenTTL"),
	}
}

// GetOTelConfig returns the OpenTelemetry section.
func GetOTelConfig() OTelConfig {
	return OTelConfig{
		Enabled:      viper.GetBool("otel.enabled"),
		ServiceName:  viper.GetString("otel.serviceName"),
		BatchTimeout: viper.GetDuration("otel.batchTimeout"),
		Endpoint:     viper.GetString("otel.endpoint"),
		Insecure:     viper.GetBool("otel.insecure"),
	}
}

// GetInfluxConfig returns the InfluxDB section.
func GetInfluxConfig() InfluxConfig {
	return InfluxConfig{
		Enabled:  viper.GetBool("influx.enabled"),
		Host:     viper.GetString("influx.host"),
		Port:     viper.GetString("influx.port"),
		Protocol: viper.GetString("influx.protocol"),
		Token:    viper.GetString("influx.token"),
		Org:      viper.GetString("influx.org"),
		Bucket:   viper.GetString("influx.bucket"),
	}
}

// GetMonitorConfig returns the status sampling section.
func GetMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval: viper.GetDuration("monitor.interval"),
	}
}

// GetGraylogConfig returns the GELF log shipping section.
func GetGraylogConfig() GraylogConfig {
	return GraylogConfig{
		Enabled:  viper.GetBool("graylog.enabled"),
		Address:  viper.GetString("graylog.address"),
		Facility: viper.GetString("graylog.facility"),
	}
}
