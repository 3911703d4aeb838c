package config

import (
	"time"

	"github.com/otops/backhaul/pkg/sshexpect"
)

// CurrentConfigVersion is the schema version for the config file.
// Increment when making breaking changes to the config structure.
const CurrentConfigVersion = 1

// Config represents the complete .backhaul.yaml configuration file.
type Config struct {
	Version int           `yaml:"version" mapstructure:"version"`
	Station StationConfig `yaml:"station" mapstructure:"station"`
	SSH     SSHConfig     `yaml:"ssh" mapstructure:"ssh"`
	Backup  BackupConfig  `yaml:"backup" mapstructure:"backup"`
}

// StationConfig points at the station data files.
type StationConfig struct {
	// Inventory is the path to the station inventory YAML.
	Inventory string `yaml:"inventory" mapstructure:"inventory"`

	// Secrets is the path to the station secrets YAML.
	Secrets string `yaml:"secrets" mapstructure:"secrets"`
}

// SSHConfig controls how shells are driven on the appliances.
type SSHConfig struct {
	// Username for every machine in a station; the appliances share one
	// administrative account.
	Username string `yaml:"username" mapstructure:"username"`

	// GatewayPrompt and TargetPrompt are the regexes that detect shell
	// readiness on each hop.
	GatewayPrompt string `yaml:"gateway_prompt" mapstructure:"gateway_prompt"`
	TargetPrompt  string `yaml:"target_prompt" mapstructure:"target_prompt"`

	// ConnectTimeout bounds the TCP dial and SSH handshake to the gateway.
	ConnectTimeout time.Duration `yaml:"connect_timeout" mapstructure:"connect_timeout"`

	// PromptTimeout bounds the wait for a shell prompt on either hop.
	PromptTimeout time.Duration `yaml:"prompt_timeout" mapstructure:"prompt_timeout"`
}

// BackupConfig controls the backup run itself.
type BackupConfig struct {
	// Script is the path to the backup shell script executed on each target.
	Script string `yaml:"script" mapstructure:"script"`

	// ScriptTimeout bounds one script execution; appliance backups routinely
	// take minutes.
	ScriptTimeout time.Duration `yaml:"script_timeout" mapstructure:"script_timeout"`

	// Destination is the local directory backup files are downloaded into.
	Destination string `yaml:"destination" mapstructure:"destination"`

	// FailuresFile is the JSON ledger of the last failures per station.
	FailuresFile string `yaml:"failures_file" mapstructure:"failures_file"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Version: CurrentConfigVersion,
		SSH: SSHConfig{
			Username:       "admin",
			GatewayPrompt:  sshexpect.DefaultShellPromptPattern,
			TargetPrompt:   sshexpect.DefaultShellPromptPattern,
			ConnectTimeout: 60 * time.Second,
			PromptTimeout:  90 * time.Second,
		},
		Backup: BackupConfig{
			Script:        "scripts/backup.sh",
			ScriptTimeout: 10 * time.Minute,
			Destination:   "data/backups",
			FailuresFile:  "data/backup_failures.json",
		},
	}
}
