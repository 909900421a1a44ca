package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/agent_phone/pkg/config"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, `
sip:
  server: pbx.local:5060
  extension: "1001"
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "udp", cfg.SIP.Transport)
	assert.Equal(t, time.Second, cfg.Reconnect.Base)
	assert.Equal(t, 10*time.Second, cfg.Reconnect.Cap)
	assert.Equal(t, 8, cfg.Reconnect.MaxRetries)
	assert.Equal(t, 300*time.Millisecond, cfg.Reconnect.DebounceWindow)
	assert.Equal(t, 5*time.Second, cfg.Reconnect.HealthInterval)
	assert.Equal(t, 5*time.Second, cfg.Transfer.CompletionTimeout)
	assert.Equal(t, 50, cfg.Transfer.HistoryLimit)
}

func TestLoadOverrides(t *testing.T) {
	path := writeConfig(t, `
sip:
  server: pbx.local:5060
  extension: "1001"
  transport: tcp
reconnect:
  base: 500ms
  cap: 4s
  max_retries: 3
transfer:
  completion_timeout: 2s
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "tcp", cfg.SIP.Transport)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconnect.Base)
	assert.Equal(t, 4*time.Second, cfg.Reconnect.Cap)
	assert.Equal(t, 3, cfg.Reconnect.MaxRetries)
	assert.Equal(t, 2*time.Second, cfg.Transfer.CompletionTimeout)
}

func TestLoadValidation(t *testing.T) {
	_, err := config.Load(writeConfig(t, `
sip:
  extension: "1001"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sip.server")

	_, err = config.Load(writeConfig(t, `
sip:
  server: pbx.local
  extension: "1001"
reconnect:
  base: 10s
  cap: 1s
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backoff")
}
