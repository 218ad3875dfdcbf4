package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvConfigPath names the environment variable that points at a config file.
const EnvConfigPath = "INVOICEHOOK_CONFIG"

// DiscoverConfigPath finds the config file by checking standard locations.
// Priority: $INVOICEHOOK_CONFIG, ~/.config/invoicehook/config.yaml,
// /etc/invoicehook/config.yaml, ./config.yaml.
func DiscoverConfigPath() (string, error) {
	candidates := make([]string, 0, 4)
	if p := os.Getenv(EnvConfigPath); p != "" {
		candidates = append(candidates, p)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "invoicehook", "config.yaml"))
	}
	candidates = append(candidates, "/etc/invoicehook/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if fileExists(c) {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $%s, ~/.config/invoicehook, /etc/invoicehook, ./config.yaml)", EnvConfigPath)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
