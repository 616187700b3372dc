package am

import (
	"os"
	"sort"
	"strings"
)

// ConfigSource represents where a configuration value came from
type ConfigSource string

const (
	SourceDefault     ConfigSource = "default"
	SourceSystem      ConfigSource = "system"      // /etc/jobsvc/config.toml
	SourceUser        ConfigSource = "user"        // ~/.jobsvc/config.toml
	SourceProject     ConfigSource = "project"     // nearest jobsvc.toml
	SourceEnvironment ConfigSource = "environment" // JOBSVC_* env vars
)

// SourceInfo tracks where a configuration value originated
type SourceInfo struct {
	Source ConfigSource `json:"source"`
	Path   string       `json:"path,omitempty"` // file path or environment variable name
}

// SettingInfo is one effective setting with its origin
type SettingInfo struct {
	Key    string      `json:"key"`
	Value  interface{} `json:"value"`
	Source SourceInfo  `json:"source"`
}

// sources is filled while config files are merged. Guarded by mu.
var sources = map[string]SourceInfo{}

// EnvKey returns the environment variable overriding key.
func EnvKey(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

// SourceOf reports where the effective value of key came from.
func SourceOf(key string) SourceInfo {
	mu.Lock()
	initViper()
	si, ok := sources[key]
	mu.Unlock()

	if env := EnvKey(key); os.Getenv(env) != "" {
		return SourceInfo{Source: SourceEnvironment, Path: env}
	}
	if !ok {
		return SourceInfo{Source: SourceDefault, Path: "built-in default"}
	}
	return si
}

// Settings returns every effective setting sorted by key.
func Settings() []SettingInfo {
	v := GetViper()
	keys := v.AllKeys()
	sort.Strings(keys)

	out := make([]SettingInfo, 0, len(keys))
	for _, k := range keys {
		out = append(out, SettingInfo{Key: k, Value: v.Get(k), Source: SourceOf(k)})
	}
	return out
}
