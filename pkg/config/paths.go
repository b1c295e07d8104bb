package config

import (
	"os"
	"path/filepath"
	"strings"
)

const (
	EnvKookgoConfig = "KOOKGO_CONFIG"
	EnvKookgoHome   = "KOOKGO_HOME"
)

type RuntimePaths struct {
	HomeDir    string
	ConfigPath string
	LogPath    string
}

func ResolveRuntimePaths() RuntimePaths {
	if configPath := expandHome(strings.TrimSpace(os.Getenv(EnvKookgoConfig))); configPath != "" {
		return buildRuntimePaths(filepath.Dir(configPath), configPath)
	}

	homeDir := expandHome(strings.TrimSpace(os.Getenv(EnvKookgoHome)))
	if homeDir == "" {
		homeDir = defaultKookgoHome()
	}

	return buildRuntimePaths(homeDir, filepath.Join(homeDir, "config.yaml"))
}

func defaultKookgoHome() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".kookgo"
	}
	return filepath.Join(home, ".kookgo")
}

func buildRuntimePaths(homeDir, configPath string) RuntimePaths {
	return RuntimePaths{
		HomeDir:    homeDir,
		ConfigPath: configPath,
		LogPath:    filepath.Join(homeDir, "logs", "kookgo.jsonl"),
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
