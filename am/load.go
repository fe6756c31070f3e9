package am

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/teranos/stagee/errors"
)

// ConfigFileName is the file searched for when no explicit path is given.
const ConfigFileName = "stagee.toml"

// Load reads configuration from configPath, or from the first stagee.toml found
// by Locate when configPath is empty. Environment variables (STAGEE_*) override
// file values. The returned path is empty when no file was used.
func Load(configPath string) (*Config, string, error) {
	if configPath == "" {
		configPath = Locate()
	}

	v := NewViper()
	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("toml")
		if err := v.ReadInConfig(); err != nil {
			return nil, "", errors.Wrapf(err, "failed to read config file %s", configPath)
		}
	}

	cfg, err := LoadWithViper(v)
	if err != nil {
		return nil, "", err
	}
	return cfg, configPath, nil
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()

	v.SetEnvPrefix("STAGEE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	BindSensitiveEnvVars(v)
	SetDefaults(v)
	return v
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// Locate returns the first existing config file in precedence order:
// working directory and its parents, ~/.stagee, /etc/stagee.
func Locate() string {
	if dir, err := os.Getwd(); err == nil {
		for {
			candidate := filepath.Join(dir, ConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}
	}

	var candidates []string
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".stagee", ConfigFileName))
	}
	candidates = append(candidates, filepath.Join("/etc/stagee", ConfigFileName))

	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}
