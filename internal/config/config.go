// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Config struct {
	Folder struct {
		Path    string `json:"path"`    // the synchronized directory
		Staging string `json:"staging"` // scratch area for partial downloads
	} `json:"folder"`

	Database struct {
		Path string `json:"path"` // badger directory for cache + local state
	} `json:"database"`

	Grid struct {
		Path string `json:"path"` // badger directory backing the local grid
	} `json:"grid"`

	Collective string `json:"collective"` // capability of the collective directory
	Personal   string `json:"personal"`   // writable capability of our own DMD

	Author struct {
		Name    string `json:"name"`
		KeyFile string `json:"key_file"`
	} `json:"author"`

	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	LogLevel            string `json:"log_level"` // debug, info, warn, error
}

func (c *Config) PollInterval() time.Duration {
	if c.PollIntervalSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

func (c *Config) validate() error {
	if c.Folder.Path == "" {
		return fmt.Errorf("folder.path is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Collective == "" {
		return fmt.Errorf("collective capability is required")
	}
	if c.Personal == "" {
		return fmt.Errorf("personal capability is required")
	}
	return nil
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var config Config
	if err := json.NewDecoder(file).Decode(&config); err != nil {
		return nil, err
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func Save(path string, c *Config) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
