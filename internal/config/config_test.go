package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheBoringRats/ratcrowler/internal/crawler"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const validConfig = `
crawler:
  user_agent: "testbot/1.0"
  max_concurrency: 3
databases:
  - name: db-a
    dsn: "postgres://crawler@localhost:5432/crawl_a"
  - name: db-b
    dsn: "postgres://crawler@localhost:5432/crawl_b"
`

func TestLoad_DefaultsAndOverrides(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "testbot/1.0", cfg.Crawler.UserAgent)
	assert.Equal(t, 3, cfg.Crawler.MaxConcurrency)
	assert.Equal(t, 50, cfg.Crawler.BatchSize)
	assert.Equal(t, 2, cfg.Crawler.PerHostConcurrency)
	assert.Equal(t, 7, cfg.Crawler.RecrawlWindowDays)
	assert.True(t, cfg.Crawler.RespectRobots)
	assert.Equal(t, "127.0.0.1:8089", cfg.Server.BindAddr)
	assert.Len(t, cfg.Databases, 2)
}

func TestLoad_RejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, validConfig+`
frontier_batchiness: 12
`)
	_, err := Load(path)
	require.Error(t, err)
	var cfgErr *crawler.ConfigError
	require.ErrorAs(t, err, &cfgErr)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no databases", `
crawler:
  user_agent: "testbot/1.0"
`},
		{"concurrency too high", `
crawler:
  user_agent: "testbot/1.0"
  max_concurrency: 50
databases:
  - name: db-a
    dsn: "postgres://localhost/a"
`},
		{"duplicate database names", `
crawler:
  user_agent: "testbot/1.0"
databases:
  - name: db-a
    dsn: "postgres://localhost/a"
  - name: db-a
    dsn: "postgres://localhost/b"
`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			require.Error(t, err)
			var cfgErr *crawler.ConfigError
			assert.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestUserAgents_AlwaysContainsPrimary(t *testing.T) {
	t.Parallel()

	c := CrawlerConfig{
		UserAgent:         "primary/1.0",
		UserAgentRotation: []string{"alt/1.0", "", "primary/1.0"},
	}
	assert.Equal(t, []string{"primary/1.0", "alt/1.0"}, c.UserAgents())
}
