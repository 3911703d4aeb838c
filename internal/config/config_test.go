package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otops/backhaul/internal/errors"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), ConfigFileName)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
version: 1
station:
  inventory: stations/almazora.yaml
  secrets: stations/almazora-secrets.yaml
ssh:
  username: admin
  connect_timeout: 30s
  prompt_timeout: 2m
backup:
  script: scripts/backup.sh
  script_timeout: 15m
  destination: backups
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "admin", cfg.SSH.Username)
	assert.Equal(t, 30*time.Second, cfg.SSH.ConnectTimeout)
	assert.Equal(t, 2*time.Minute, cfg.SSH.PromptTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Backup.ScriptTimeout)

	// Relative data paths resolve against the config file's directory.
	base := filepath.Dir(path)
	assert.Equal(t, filepath.Join(base, "stations", "almazora.yaml"), cfg.Station.Inventory)
	assert.Equal(t, filepath.Join(base, "backups"), cfg.Backup.Destination)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "version: 1\n"))
	require.NoError(t, err)

	assert.Equal(t, "admin", cfg.SSH.Username)
	assert.Equal(t, 60*time.Second, cfg.SSH.ConnectTimeout)
	assert.Equal(t, 90*time.Second, cfg.SSH.PromptTimeout)
	assert.Equal(t, 10*time.Minute, cfg.Backup.ScriptTimeout)
	assert.NotEmpty(t, cfg.SSH.GatewayPrompt)
	assert.Equal(t, cfg.SSH.GatewayPrompt, cfg.SSH.TargetPrompt)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestFind_Explicit(t *testing.T) {
	path := writeConfig(t, "version: 1\n")

	found, err := Find(path)
	require.NoError(t, err)
	assert.Equal(t, path, found)

	_, err = Find(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoadOrDefault_NoFile(t *testing.T) {
	// From an empty directory with no global config the defaults come back.
	oldWD, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(oldWD) })

	cfg, err := LoadOrDefault("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().SSH.Username, cfg.SSH.Username)
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_FutureVersion(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Version = CurrentConfigVersion + 1

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestValidate_BadPromptPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SSH.TargetPrompt = `([unclosed`

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestValidate_NonPositiveTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backup.ScriptTimeout = 0

	err := Validate(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}

func TestValidateForBackup(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Station.Inventory = "stations/x.yaml"
	cfg.Station.Secrets = "stations/x-secrets.yaml"
	assert.NoError(t, ValidateForBackup(cfg))

	cfg.Station.Secrets = ""
	err := ValidateForBackup(cfg)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.ErrConfig))
}
