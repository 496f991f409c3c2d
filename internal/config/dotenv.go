package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadDotEnv loads .env files before ApplyEnv reads the environment. The
// search covers the config file's directory (when a config path is given)
// and the working directory; variables already set are never overwritten.
func LoadDotEnv(configPath string) error {
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err == nil {
			if err := loadIfExists(filepath.Join(filepath.Dir(abs), ".env")); err != nil {
				return err
			}
		}
	}
	return loadIfExists(".env")
}

func loadIfExists(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}
