package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "page", cfg.Crawl.StopMode)
	assert.Equal(t, 10, cfg.Crawl.ConsecutiveExistingThreshold)
	assert.Equal(t, "PN", cfg.Source.PageParam)
}

func TestLoadFileOverDefaults(t *testing.T) {
	path := writeConfig(t, `
source:
  baseUrl: http://localhost:9999
  requestsPerMinute: 30
crawl:
  maxPages: 7
  pageDelay: 250ms
  stopMode: record
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:9999", cfg.Source.BaseURL)
	assert.Equal(t, 30, cfg.Source.RequestsPerMinute)
	assert.Equal(t, 7, cfg.Crawl.MaxPages)
	assert.Equal(t, 250*time.Millisecond, cfg.Crawl.PageDelay)
	assert.Equal(t, "record", cfg.Crawl.StopMode)
	assert.Equal(t, 3, cfg.Crawl.MaxConsecutiveErrors)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "crawl:\n  maxPages: 7\n")
	t.Setenv("EE_CRAWL_MAX_PAGES", "12")
	t.Setenv("EE_KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("EE_REDIS_ENABLED", "true")
	t.Setenv("EE_SOURCE_TIMEOUT", "5s")
	t.Setenv("EE_CRAWL_WORKERS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Crawl.MaxPages)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 5*time.Second, cfg.Source.Timeout)
	assert.Equal(t, 4, cfg.Crawl.Workers)
}

func TestValidateCollectsProblems(t *testing.T) {
	path := writeConfig(t, `
source:
  baseUrl: " "
crawl:
  startPage: 0
  stopMode: sideways
  maxConsecutiveErrors: 0
`)
	_, err := Load(path)
	require.Error(t, err)
	for _, want := range []string{"source.baseUrl", "crawl.startPage", "crawl.stopMode", "crawl.maxConsecutiveErrors"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDSN(t *testing.T) {
	p := PostgresConfig{Host: "db", Port: 5433, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5433 user=u password=p dbname=d sslmode=disable", p.DSN())
}
