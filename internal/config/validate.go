package config

import (
	"fmt"
	"regexp"

	"github.com/otops/backhaul/internal/errors"
)

// Validate checks the config for errors and returns structured error messages.
func Validate(cfg *Config) error {
	if cfg.Version > CurrentConfigVersion {
		return errors.New(errors.ErrConfig,
			fmt.Sprintf("This config is from the future (version %d, but backhaul only knows up to %d)",
				cfg.Version, CurrentConfigVersion),
			"Update backhaul, or fix the version field")
	}

	if cfg.SSH.Username == "" {
		return errors.New(errors.ErrConfig,
			"SSH username is empty",
			"Set ssh.username in your "+ConfigFileName)
	}

	if err := validatePrompt("ssh.gateway_prompt", cfg.SSH.GatewayPrompt); err != nil {
		return err
	}
	if err := validatePrompt("ssh.target_prompt", cfg.SSH.TargetPrompt); err != nil {
		return err
	}

	if cfg.SSH.ConnectTimeout <= 0 {
		return errors.New(errors.ErrConfig,
			"ssh.connect_timeout must be positive",
			"Use a duration like '60s'")
	}
	if cfg.SSH.PromptTimeout <= 0 {
		return errors.New(errors.ErrConfig,
			"ssh.prompt_timeout must be positive",
			"Use a duration like '90s'")
	}
	if cfg.Backup.ScriptTimeout <= 0 {
		return errors.New(errors.ErrConfig,
			"backup.script_timeout must be positive",
			"Use a duration like '10m'; appliance backups take a while")
	}

	return nil
}

// ValidateForBackup additionally requires the fields a backup run needs.
// Plain Validate stays lenient so unrelated commands work with a partial
// config.
func ValidateForBackup(cfg *Config) error {
	if err := Validate(cfg); err != nil {
		return err
	}

	if cfg.Station.Inventory == "" {
		return errors.New(errors.ErrConfig,
			"No station inventory configured",
			"Set station.inventory in your "+ConfigFileName)
	}
	if cfg.Station.Secrets == "" {
		return errors.New(errors.ErrConfig,
			"No station secrets configured",
			"Set station.secrets in your "+ConfigFileName)
	}
	if cfg.Backup.Script == "" {
		return errors.New(errors.ErrConfig,
			"No backup script configured",
			"Set backup.script in your "+ConfigFileName)
	}
	if cfg.Backup.Destination == "" {
		return errors.New(errors.ErrConfig,
			"No backup destination directory configured",
			"Set backup.destination in your "+ConfigFileName)
	}

	return nil
}

func validatePrompt(field, pattern string) error {
	if pattern == "" {
		return errors.New(errors.ErrConfig,
			field+" is empty",
			"Remove the field to use the default prompt pattern")
	}
	if _, err := regexp.Compile(pattern); err != nil {
		return errors.WrapWithCode(err, errors.ErrConfig,
			fmt.Sprintf("%s is not a valid regular expression: %q", field, pattern),
			"Fix the pattern or remove it to use the default")
	}
	return nil
}
