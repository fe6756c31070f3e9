package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const sampleConfig = `
[database]
path = "/var/lib/stagee/stagee.db"

[server]
port = 9000

[engine]
workers = 2
lock_backend = "sql"

[redis]
password = "redis-pass"

[[policy.overrides]]
sla_class = "fast"
action_class = "read"
execution_timeout_ms = 4000
step_timeout_ms = 2000
max_attempts = 2
max_lease_renewals = 1

[[auth.tokens]]
token = "tok-alice"
actor_id = "alice"
tenant_id = "t1"
permissions = ["execute:*", "approve:*"]
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), DefaultFilePermissions))
	return path
}

func TestLoad_FileAndDefaults(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cfg, used, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, used)

	assert.Equal(t, "/var/lib/stagee/stagee.db", cfg.Database.Path)
	assert.Equal(t, 9000, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Engine.Workers)
	assert.Equal(t, 10*time.Second, cfg.Engine.ImmediateThreshold())
	assert.Equal(t, 10_240, cfg.Engine.ResultCapBytes)

	require.Len(t, cfg.Policy.Overrides, 1)
	assert.Equal(t, int64(4000), cfg.Policy.Overrides[0].ExecutionTimeoutMS)
	require.Len(t, cfg.Auth.Tokens, 1)
	assert.Equal(t, []string{"execute:*", "approve:*"}, cfg.Auth.Tokens[0].Permissions)

	require.NoError(t, cfg.Validate())
}

func TestLoad_EnvOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	t.Setenv("STAGEE_ENGINE_WORKERS", "7")
	t.Setenv("STAGEE_REDIS_PASSWORD", "from-env")

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Engine.Workers)
	assert.Equal(t, "from-env", cfg.Redis.Password)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg, _, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	cfg.Server.Port = 0
	cfg.Engine.Workers = -1
	cfg.Engine.LockBackend = "redis"
	cfg.Policy.Overrides[0].SLAClass = "glacial"

	err = cfg.Validate()
	require.Error(t, err)
	for _, fragment := range []string{"server.port", "engine.workers", "requires redis.addr", "glacial"} {
		assert.Contains(t, err.Error(), fragment)
	}
}

func TestRender_MasksSecrets(t *testing.T) {
	cfg, _, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	out, err := Render(cfg)
	require.NoError(t, err)
	assert.Contains(t, out, "/var/lib/stagee/stagee.db")
	assert.NotContains(t, out, "redis-pass")
	assert.NotContains(t, out, "tok-alice")
	assert.Contains(t, out, maskedValue)
}

func TestConfigWatcher_Reload(t *testing.T) {
	path := writeConfig(t, sampleConfig)

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	cw.debouncePeriod = 20 * time.Millisecond

	var workers atomic.Int64
	cw.OnReload(func(c *Config) error {
		workers.Store(int64(c.Engine.Workers))
		return nil
	})
	cw.Start()
	defer cw.Stop()

	updated := strings.Replace(sampleConfig, "workers = 2", "workers = 9", 1)
	require.NoError(t, os.WriteFile(path, []byte(updated), DefaultFilePermissions))

	require.Eventually(t, func() bool { return workers.Load() == 9 }, 5*time.Second, 20*time.Millisecond)
}
