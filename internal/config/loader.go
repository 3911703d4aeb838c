package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/otops/backhaul/internal/errors"
)

const (
	// ConfigFileName is the default config file name.
	ConfigFileName = ".backhaul.yaml"
	// GlobalConfigDir is the directory for global config.
	GlobalConfigDir = ".config/backhaul"
	// GlobalConfigFile is the global config file name.
	GlobalConfigFile = "config.yaml"
)

// Load reads config from the specified path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		if os.IsNotExist(err) {
			return nil, errors.WrapWithCode(err, errors.ErrConfig,
				"Config file not found",
				"Create a "+ConfigFileName+" or specify one with --config")
		}
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Failed to read config file",
			"Check the file exists and is valid YAML")
	}

	return parseConfig(v, path)
}

// Find locates the config file using the search order:
// 1. Explicit path (from --config flag)
// 2. .backhaul.yaml in current directory
// 3. .backhaul.yaml in parent directories (stops at home)
// 4. ~/.config/backhaul/config.yaml (global defaults)
//
// Returns the path to the config file, or empty string if not found.
func Find(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			if os.IsNotExist(err) {
				return "", errors.WrapWithCode(err, errors.ErrConfig,
					"Specified config file not found: "+explicit,
					"Check the path is correct")
			}
			return "", errors.WrapWithCode(err, errors.ErrConfig,
				"Cannot access config file: "+explicit,
				"Check file permissions")
		}
		return explicit, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return "", errors.WrapWithCode(err, errors.ErrConfig,
			"Cannot determine current directory",
			"Check directory permissions")
	}

	localConfig := filepath.Join(cwd, ConfigFileName)
	if _, err := os.Stat(localConfig); err == nil {
		return localConfig, nil
	}

	home, _ := os.UserHomeDir()
	dir := cwd
	for {
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		if home != "" && parent == home {
			break
		}
		dir = parent

		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
	}

	if home != "" {
		globalConfig := filepath.Join(home, GlobalConfigDir, GlobalConfigFile)
		if _, err := os.Stat(globalConfig); err == nil {
			return globalConfig, nil
		}
	}

	return "", nil
}

// LoadOrDefault loads config from the found path, or returns defaults if not
// found.
func LoadOrDefault(explicit string) (*Config, error) {
	path, err := Find(explicit)
	if err != nil {
		return nil, err
	}
	if path == "" {
		return DefaultConfig(), nil
	}
	return Load(path)
}

// parseConfig converts viper config to our Config struct with defaults merged in.
func parseConfig(v *viper.Viper, path string) (*Config, error) {
	cfg := DefaultConfig()
	setDefaults(v)

	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrConfig,
			"Invalid config format",
			"Check the YAML syntax in "+path)
	}

	// Data file paths are resolved relative to the config file, so a
	// station directory can be checked out anywhere and still work.
	base := filepath.Dir(path)
	cfg.Station.Inventory = resolvePath(base, cfg.Station.Inventory)
	cfg.Station.Secrets = resolvePath(base, cfg.Station.Secrets)
	cfg.Backup.Script = resolvePath(base, cfg.Backup.Script)
	cfg.Backup.Destination = resolvePath(base, cfg.Backup.Destination)
	cfg.Backup.FailuresFile = resolvePath(base, cfg.Backup.FailuresFile)

	return cfg, nil
}

// setDefaults configures viper defaults, including duration strings.
func setDefaults(v *viper.Viper) {
	v.SetDefault("ssh.username", "admin")
	v.SetDefault("ssh.connect_timeout", "60s")
	v.SetDefault("ssh.prompt_timeout", "90s")
	v.SetDefault("backup.script_timeout", "10m")
}

func resolvePath(base, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}
