package am

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spf13/viper"

	"github.com/teranos/jobsvc/errors"
)

// EnvPrefix prefixes environment overrides: JOBSVC_LEADER_HEARTBEAT_EXPIRATION.
const EnvPrefix = "JOBSVC"

// ProjectConfigName is searched for from the working directory upwards.
const ProjectConfigName = "jobsvc.toml"

var (
	mu            sync.Mutex
	globalConfig  *Config
	viperInstance *viper.Viper
)

// Load reads the configuration using Viper. The result is cached until Reset.
func Load() (*Config, error) {
	mu.Lock()
	defer mu.Unlock()

	if globalConfig != nil {
		return globalConfig, nil
	}

	cfg, err := LoadWithViper(initViper())
	if err != nil {
		return nil, err
	}
	globalConfig = cfg
	return globalConfig, nil
}

// GetViper returns the Viper instance for advanced configuration access
func GetViper() *viper.Viper {
	mu.Lock()
	defer mu.Unlock()
	return initViper()
}

// LoadWithViper loads configuration using a provided Viper instance
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal config")
	}
	return &config, nil
}

// LoadFromFile loads configuration from a specific file path on top of the
// defaults. Environment variables still apply.
func LoadFromFile(configPath string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(configPath)
	v.SetConfigType("toml")

	if err := v.ReadInConfig(); err != nil {
		return nil, errors.Wrapf(err, "failed to read config file %s", configPath)
	}

	config, err := LoadWithViper(v)
	if err != nil {
		return nil, errors.Wrapf(err, "config file %s", configPath)
	}
	return config, nil
}

// Reset clears the cached configuration (useful for testing)
func Reset() {
	mu.Lock()
	defer mu.Unlock()
	globalConfig = nil
	viperInstance = nil
	sources = map[string]SourceInfo{}
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// initViper initializes Viper with configuration sources and defaults.
// Caller holds mu.
func initViper() *viper.Viper {
	if viperInstance != nil {
		return viperInstance
	}
	v := newViper()
	mergeConfigFiles(v)
	viperInstance = v
	return v
}

// ConfigPaths returns the candidate config files in precedence order,
// lowest first.
func ConfigPaths() []string {
	var paths []string
	for _, c := range configCandidates() {
		paths = append(paths, c.Path)
	}
	return paths
}

func configCandidates() []SourceInfo {
	out := []SourceInfo{{Source: SourceSystem, Path: "/etc/jobsvc/config.toml"}}
	if home, err := os.UserHomeDir(); err == nil {
		out = append(out, SourceInfo{Source: SourceUser, Path: filepath.Join(home, ".jobsvc", "config.toml")})
	}
	if project := findProjectConfig(); project != "" {
		out = append(out, SourceInfo{Source: SourceProject, Path: project})
	}
	return out
}

// findProjectConfig walks up from the working directory looking for jobsvc.toml.
func findProjectConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, ProjectConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// mergeConfigFiles merges every existing config file into the config layer,
// below environment variables.
func mergeConfigFiles(v *viper.Viper) {
	for _, c := range configCandidates() {
		if _, err := os.Stat(c.Path); err != nil {
			continue
		}
		fileViper := viper.New()
		fileViper.SetConfigFile(c.Path)
		fileViper.SetConfigType("toml")
		if err := fileViper.ReadInConfig(); err != nil {
			continue
		}
		if err := v.MergeConfigMap(fileViper.AllSettings()); err != nil {
			continue
		}
		for _, key := range fileViper.AllKeys() {
			sources[key] = c
		}
	}
}

// Get returns a configuration value using dot notation
func Get(key string) interface{} {
	return GetViper().Get(key)
}

// GetString returns a configuration value as string using dot notation
func GetString(key string) string {
	return GetViper().GetString(key)
}
