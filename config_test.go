package srej

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 10, cfg.MaxRetransmit)
	assert.Equal(t, 10, cfg.InitRetryLimit)
	assert.Equal(t, 3, cfg.TerminalRRCount)
	assert.Equal(t, 1000*time.Millisecond, cfg.DataTimeout)
	assert.Equal(t, 10000*time.Millisecond, cfg.ReceiverTimeout)
	assert.True(t, cfg.ForceAdvance)
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protocol.ini")
	content := `[retry]
max_retransmit = 5
force_advance = false

[terminal]
rr_count = 7

[timeouts]
data_ms = 250
`
	assert.Nil(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	assert.Nil(t, err)
	assert.Equal(t, 5, cfg.MaxRetransmit)
	assert.False(t, cfg.ForceAdvance)
	assert.Equal(t, 7, cfg.TerminalRRCount)
	assert.Equal(t, 250*time.Millisecond, cfg.DataTimeout)

	// untouched keys keep their defaults
	assert.Equal(t, 10, cfg.InitRetryLimit)
	assert.Equal(t, 10000*time.Millisecond, cfg.ReceiverTimeout)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("does-not-exist.ini")
	assert.NotNil(t, err)
}
