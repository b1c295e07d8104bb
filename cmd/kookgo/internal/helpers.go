package internal

import (
	"fmt"
	"runtime"

	"github.com/kookgo/kookgo/pkg/config"
	"github.com/kookgo/kookgo/pkg/logger"
	"github.com/kookgo/kookgo/pkg/redaction"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

// ConfigPath is set by the root command's --config flag. Empty means the
// KOOKGO_CONFIG / KOOKGO_HOME resolution.
var ConfigPath string

func GetConfigPath() string {
	if ConfigPath != "" {
		return ConfigPath
	}
	return config.ResolveRuntimePaths().ConfigPath
}

// LoadConfig loads the config and applies its logging section.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(GetConfigPath())
	if err != nil {
		return nil, err
	}

	if err := setupLogging(cfg); err != nil {
		return nil, fmt.Errorf("configuring logging: %w", err)
	}

	return cfg, nil
}

func setupLogging(cfg *config.Config) error {
	level, err := logger.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)

	logger.SetRedactionEnabled(cfg.Redaction.Enabled)
	logger.ConfigureRedaction(redaction.Config{
		Enabled:        cfg.Redaction.Enabled,
		CustomPatterns: cfg.Redaction.CustomPatterns,
		Replacement:    cfg.Redaction.Replacement,
	})

	if cfg.Log.File != "" {
		return logger.EnableFileLogging(cfg.Log.File)
	}
	return nil
}

// FormatVersion returns the version string with optional git commit
func FormatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// FormatBuildInfo returns build time and go version info
func FormatBuildInfo() (string, string) {
	build := buildTime
	goVer := goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return build, goVer
}

func GetVersion() string {
	return version
}
