package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(content), 0644))
	return dir
}

func TestLoad_WithValidConfigFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := writeConfig(t, `{
		"logLevel": "debug",
		"db": { "host": "10.0.0.1", "port": "5433" }
	}`)

	err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "debug", viper.GetString("logLevel"))
	assert.Equal(t, "10.0.0.1", viper.GetString("db.host"))
	assert.Equal(t, "5433", viper.GetString("db.port"))
}

func TestLoad_DefaultValues(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load(writeConfig(t, `{}`))
	require.NoError(t, err)

	assert.Equal(t, "info", viper.GetString("logLevel"))
	assert.Equal(t, "./logs", viper.GetString("logsDir"))
	assert.Equal(t, "sqlite", viper.GetString("storage.type"))
	assert.Equal(t, "localhost", viper.GetString("db.host"))
	assert.Equal(t, "5432", viper.GetString("db.port"))
	assert.Equal(t, "postgres", viper.GetString("db.username"))
	assert.Equal(t, "postgres", viper.GetString("db.password"))
	assert.Equal(t, "markersync", viper.GetString("db.database"))
	assert.Equal(t, "ws://localhost:8780/feed", viper.GetString("feed.url"))
	assert.Equal(t, "marker-images", viper.GetString("blob.bucket"))
	assert.Equal(t, ":8780", viper.GetString("server.listen"))
	assert.Equal(t, false, viper.GetBool("otel.enabled"))
	assert.Equal(t, false, viper.GetBool("influx.enabled"))
}

func TestLoad_MissingFile(t *testing.T) {
	t.Cleanup(viper.Reset)

	err := Load("/nonexistent/path")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestLoad_NoDirUsesDefaults(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(""))
	assert.Equal(t, "markers", viper.GetString("feed.topic"))
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Cleanup(viper.Reset)
	t.Setenv("MARKERSYNC_STORAGE_TYPE", "postgres")
	t.Setenv("MARKERSYNC_AUTH_SECRET", "from-env")

	require.NoError(t, Load(writeConfig(t, `{"storage": {"type": "memory"}}`)))

	assert.Equal(t, "postgres", GetStorageConfig().Type)
	assert.Equal(t, "from-env", GetAuthConfig().Secret)
}

func TestGetString(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testKey", "testValue")
	assert.Equal(t, "testValue", GetString("testKey"))
}

func TestGetInt(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testInt", 42)
	assert.Equal(t, 42, GetInt("testInt"))
}

func TestGetBool(t *testing.T) {
	t.Cleanup(viper.Reset)
	viper.Set("testBool", true)
	assert.Equal(t, true, GetBool("testBool"))
}

func TestGetStorageConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetStorageConfig()
	assert.Equal(t, "sqlite", cfg.Type)
	assert.Equal(t, "", cfg.SQLite.Path)
	assert.Equal(t, 3*time.Minute, cfg.SQLite.DumpInterval)
}

func TestGetStorageConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{
		"storage": {
			"type": "memory",
			"memory": { "snapshotPath": "/tmp/markers.json.gz" },
			"sqlite": { "path": "/tmp/markers.db", "dumpInterval": "10m" }
		}
	}`)))

	sc := GetStorageConfig()
	assert.Equal(t, "memory", sc.Type)
	assert.Equal(t, "/tmp/markers.json.gz", sc.Memory.SnapshotPath)
	assert.Equal(t, "/tmp/markers.db", sc.SQLite.Path)
	assert.Equal(t, 10*time.Minute, sc.SQLite.DumpInterval)
}

func TestGetDBConfig_DSN(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{"db": {"host": "db", "password": "s3cret"}}`)))

	assert.Equal(t,
		"host=db port=5432 user=postgres password=s3cret dbname=markersync sslmode=disable",
		GetDBConfig().DSN())
}

func TestGetFeedAndClientConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{
		"feed": { "maxBackoff": "5s", "bufferSize": 8 },
		"client": { "timeout": "2s", "echoCacheSize": 16 }
	}`)))

	fc := GetFeedConfig()
	assert.Equal(t, "ws://localhost:8780/feed", fc.URL)
	assert.Equal(t, "markers", fc.Topic)
	assert.Equal(t, 5*time.Second, fc.MaxBackoff)
	assert.Equal(t, 8, fc.BufferSize)

	cc := GetClientConfig()
	assert.Equal(t, 2*time.Second, cc.Timeout)
	assert.Equal(t, 16, cc.EchoCacheSize)
	assert.Equal(t, 1024, cc.TombstoneCacheSize)
}

func TestGetBlobConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	bc := GetBlobConfig()
	assert.Equal(t, "local", bc.Type)
	assert.Equal(t, "./blobs", bc.Dir)
	assert.Equal(t, "http://localhost:8780/blobs", bc.PublicBaseURL)
	assert.Equal(t, int64(10<<20), bc.MaxSize)
}

func TestGetServerAndAuthConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{"auth": {"secret": "k", "tokenTTL": "2h"}}`)))

	assert.Equal(t, ServerConfig{Listen: ":8780", URL: "http://localhost:8780"}, GetServerConfig())
	assert.Equal(t, AuthConfig{Secret: "k", TokenTTL: 2 * time.Hour}, GetAuthConfig())
}

func TestGetOTelConfig_Defaults(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{}`)))

	cfg := GetOTelConfig()
	assert.Equal(t, false, cfg.Enabled)
	assert.Equal(t, "markersync", cfg.ServiceName)
	assert.Equal(t, 5*time.Second, cfg.BatchTimeout)
	assert.Equal(t, "", cfg.Endpoint)
	assert.Equal(t, true, cfg.Insecure)
}

func TestGetOTelConfig_Override(t *testing.T) {
	t.Cleanup(viper.Reset)

	require.NoError(t, Load(writeConfig(t, `{
		"otel": {
			"enabled": true,
			"serviceName": "my-service",
			"batchTimeout": "30s",
			"endpoint": "localhost:4318",
			"insecure": false
		}
	}`)))

	oc := GetOTelConfig()
	assert.Equal(t, true, oc.Enabled)
	assert.Equal(t, "my-service", oc.ServiceName)
	assert.Equal(t, 30*time.Second, oc.BatchTimeout)
	assert.Equal(t, "localhost:4318", oc.Endpoint)
	assert.Equal(t, false, oc.Insecure)
}

func TestGetInfluxAndMonitorConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(writeConfig(t, `{"influx": {"enabled": true, "host": "influx"}}`)))

	ic := GetInfluxConfig()
	assert.True(t, ic.Enabled)
	assert.Equal(t, "http://influx:8086", ic.URL())
	assert.Equal(t, "markersync", ic.Bucket)
	assert.Equal(t, time.Minute, GetMonitorConfig().Interval)
}

func TestGetGraylogConfig(t *testing.T) {
	t.Cleanup(viper.Reset)
	require.NoError(t, Load(""))

	gc := GetGraylogConfig()
	assert.False(t, gc.Enabled)
	assert.Equal(t, "localhost:12201", gc.Address)
	assert.Equal(t, "markersync", gc.Facility)

	viper.Set("graylog.enabled", true)
	viper.Set("graylog.address", "graylog:12201")
	gc = GetGraylogConfig()
	assert.True(t, gc.Enabled)
	assert.Equal(t, "graylog:12201", gc.Address)
}
