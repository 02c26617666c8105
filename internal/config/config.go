// Package config loads loom's runtime configuration: defaults, then an
// optional .loom/config.yaml in the workspace, then LOOM_* environment
// variables. Environment wins over file, file wins over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Well-known keys.
const (
	KeyDB           = "db"
	KeyActor        = "actor"
	KeyLogLevel     = "log.level"
	KeyLogFile      = "log.file"
	KeyLogJSON      = "log.json"
	KeySpawnCommand = "spawn.command"
	KeyGCMaxAge     = "gc.max-age"
	KeyGCLimit      = "gc.limit"
	KeyReadyLimit   = "ready.limit"
)

// Dir is the per-workspace configuration directory.
const Dir = ".loom"

var v *viper.Viper

// Initialize builds the viper instance with defaults and environment
// binding, then merges the workspace config file when one exists.
func Initialize() error {
	v = viper.New()
	v.SetDefault(KeyDB, "")
	v.SetDefault(KeyActor, "")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFile, "")
	v.SetDefault(KeyLogJSON, false)
	v.SetDefault(KeySpawnCommand, []string{})
	v.SetDefault(KeyGCMaxAge, 24*time.Hour)
	v.SetDefault(KeyGCLimit, 0)
	v.SetDefault(KeyReadyLimit, 50)

	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	path := findConfigFile()
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// findConfigFile walks from the working directory to the filesystem root
// looking for .loom/config.yaml, so commands work from subdirectories.
func findConfigFile() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		path := filepath.Join(dir, Dir, "config.yaml")
		if _, err := os.Stat(path); err == nil {
			return path
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// DBPath resolves the database path: explicit config, else the workspace
// default next to the config directory.
func DBPath() string {
	if ensure(); v.GetString(KeyDB) != "" {
		return v.GetString(KeyDB)
	}
	dir, err := os.Getwd()
	if err != nil {
		return filepath.Join(Dir, "loom.db")
	}
	for {
		candidate := filepath.Join(dir, Dir)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return filepath.Join(candidate, "loom.db")
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}
	return filepath.Join(Dir, "loom.db")
}

// Actor resolves the acting identity: config, else the OS user.
func Actor() string {
	if ensure(); v.GetString(KeyActor) != "" {
		return v.GetString(KeyActor)
	}
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}

// GetString returns a string config value.
func GetString(key string) string { ensure(); return v.GetString(key) }

// GetBool returns a boolean config value.
func GetBool(key string) bool { ensure(); return v.GetBool(key) }

// GetInt returns an integer config value.
func GetInt(key string) int { ensure(); return v.GetInt(key) }

// GetDuration returns a duration config value.
func GetDuration(key string) time.Duration { ensure(); return v.GetDuration(key) }

// GetStringSlice returns a string-slice config value.
func GetStringSlice(key string) []string { ensure(); return v.GetStringSlice(key) }

// Set overrides a value for the current process (flag binding).
func Set(key string, value any) { ensure(); v.Set(key, value) }

func ensure() {
	if v == nil {
		_ = Initialize()
	}
}
