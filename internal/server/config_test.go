package server

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg := NewConfig()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, []string{"http://localhost:8080"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(512), cfg.MaxMessageSize)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, BackplaneMemory, cfg.Backplane)
	assert.Equal(t, "bugtracker:", cfg.RedisChannelPrefix)

	// No signing secret by default, so the defaults alone do not validate.
	assert.Error(t, cfg.Validate())
	cfg.JWTSecret = "s"
	assert.NoError(t, cfg.Validate())
}

func TestConfigSanitize(t *testing.T) {
	origins := []string{"http://a.example"}
	cfg := Config{
		MaxMessageSize: -1,
		RateLimit:      RateLimitConfig{Burst: 0, RefillInterval: -time.Second},
		Backplane:      " Redis ",
		RedisDB:        -3,
		AllowedOrigins: origins,
	}.Sanitize()

	assert.Equal(t, ":8080", cfg.Port)
	assert.Equal(t, int64(512), cfg.MaxMessageSize)
	assert.Equal(t, 5, cfg.RateLimit.Burst)
	assert.Equal(t, time.Second, cfg.RateLimit.RefillInterval)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, BackplaneRedis, cfg.Backplane)
	assert.Equal(t, 0, cfg.RedisDB)
	assert.Equal(t, 5*time.Second, cfg.PermissionTimeout)
	assert.Equal(t, 2*time.Second, cfg.PublishTimeout)

	cfg.AllowedOrigins[0] = "changed"
	assert.Equal(t, "http://a.example", origins[0])
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{name: "memory backplane", mutate: func(*Config) {}},
		{name: "redis with address", mutate: func(c *Config) { c.Backplane = BackplaneRedis }},
		{name: "redis without address", mutate: func(c *Config) { c.Backplane = BackplaneRedis; c.RedisAddr = "" }, wantErr: true},
		{name: "unknown backplane", mutate: func(c *Config) { c.Backplane = "kafka" }, wantErr: true},
		{name: "missing secret", mutate: func(c *Config) { c.JWTSecret = "" }, wantErr: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewConfig()
			cfg.JWTSecret = "secret"
			tc.mutate(cfg)
			if tc.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestNewConfigFromEnv(t *testing.T) {
	t.Setenv("SERVER_PORT", ":9090")
	t.Setenv("ALLOWED_ORIGINS", "http://a.example, https://b.example")
	t.Setenv("MAX_MESSAGE_SIZE", "2048")
	t.Setenv("RATE_LIMIT_BURST", "10")
	t.Setenv("RATE_LIMIT_REFILL_INTERVAL", "250ms")
	t.Setenv("BACKPLANE", "redis")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("PERMISSION_TIMEOUT", "3")
	t.Setenv("SEND_BUFFER_SIZE", "not-a-number")
	t.Setenv("PUBLISH_TIMEOUT", "750ms")
	t.Setenv("PROJECTS_FILE", "projects.json")
	t.Setenv("LOG_FILE", "/tmp/realtime.log")

	cfg := NewConfigFromEnv()

	assert.Equal(t, ":9090", cfg.Port)
	assert.Equal(t, []string{"http://a.example", "https://b.example"}, cfg.AllowedOrigins)
	assert.Equal(t, int64(2048), cfg.MaxMessageSize)
	assert.Equal(t, 10, cfg.RateLimit.Burst)
	assert.Equal(t, 250*time.Millisecond, cfg.RateLimit.RefillInterval)
	assert.Equal(t, "redis", cfg.Backplane)
	assert.Equal(t, "redis:6379", cfg.RedisAddr)
	assert.Equal(t, 2, cfg.RedisDB)
	assert.Equal(t, "secret", cfg.JWTSecret)
	assert.Equal(t, 3*time.Second, cfg.PermissionTimeout)
	assert.Equal(t, 256, cfg.SendBufferSize)
	assert.Equal(t, 750*time.Millisecond, cfg.PublishTimeout)
	assert.Equal(t, "projects.json", cfg.ProjectsFile)
	assert.Equal(t, "/tmp/realtime.log", cfg.LogFile)
	assert.NoError(t, cfg.Validate())
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("PUBLISH_TOKEN=from-file\nSERVER_PORT=:7000\n"), 0o600))

	t.Setenv("SERVER_PORT", ":6000")
	t.Setenv("PUBLISH_TOKEN", "")
	require.NoError(t, os.Unsetenv("PUBLISH_TOKEN"))

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env"), ""))

	cfg := NewConfigFromEnv()
	assert.Equal(t, "from-file", cfg.PublishToken)
	assert.Equal(t, ":6000", cfg.Port)
}

func TestOriginPolicy(t *testing.T) {
	log := zap.NewNop().Sugar()
	policy := newOriginPolicy([]string{"HTTP://Localhost:8080", "not a url", " "}, log)

	tests := []struct {
		origin string
		want   bool
	}{
		{origin: "http://localhost:8080", want: true},
		{origin: "http://LOCALHOST:8080", want: true},
		{origin: "http://localhost:9090", want: false},
		{origin: "https://localhost:8080", want: false},
		{origin: "", want: false},
		{origin: "garbage", want: false},
	}

	for _, tc := range tests {
		t.Run(tc.origin, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/ws/projects/1/", nil)
			if tc.origin != "" {
				req.Header.Set("Origin", tc.origin)
			}
			assert.Equal(t, tc.want, policy.check(req))
		})
	}

	t.Run("wildcard", func(t *testing.T) {
		all := newOriginPolicy([]string{"*"}, log)
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "https://anything.example")
		assert.True(t, all.isAllowed(req))

		req.Header.Del("Origin")
		assert.False(t, all.isAllowed(req))
	})
}
