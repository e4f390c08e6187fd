// Package config loads the YAML configuration file of the smartbackup
// command.
//
// Values from the file are merged over Default; command-line flags are
// applied by the caller afterwards. ${VAR} references in paths are expanded
// from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	backup "github.com/meigma/smartbackup/core"
)

// Config is the configuration of a backup job.
type Config struct {
	// Source is the directory tree to back up.
	Source string `yaml:"source"`

	// Target is the archive directory.
	Target string `yaml:"target"`

	// ContainerSizeMB caps each container file. Default: 1024
	ContainerSizeMB int `yaml:"container_size_mb"`

	// FilenamePattern prefixes catalogue and container names. Default: BackupTarget
	FilenamePattern string `yaml:"filename_pattern"`

	// Extension is the container file extension. Default: dat
	Extension string `yaml:"extension"`

	// Compression is one of none, zstd, lz4. Default: zstd
	Compression string `yaml:"compression"`

	// PrimaryHash names the grouping digest. Default: xxh64
	PrimaryHash string `yaml:"primary_hash"`

	// SecondaryHash names the certifying digest. Default: sha256
	SecondaryHash string `yaml:"secondary_hash"`

	// ValidateOnExtract re-hashes every extracted file.
	ValidateOnExtract bool `yaml:"validate_on_extract"`

	// IgnoredExtensions are skipped during the scan.
	IgnoredExtensions []string `yaml:"ignored_extensions"`

	// Workers bounds parallel hashing. Zero uses the number of CPUs.
	Workers int `yaml:"workers"`

	// CheckpointInterval is the minimum time between catalogue saves
	// during long passes. Default: 5s
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ContainerSizeMB:    backup.DefaultMaxSizeMB,
		FilenamePattern:    backup.DefaultFilenamePattern,
		Extension:          backup.DefaultExtension,
		Compression:        backup.CompressionZstd.String(),
		PrimaryHash:        backup.HashXXH64,
		SecondaryHash:      backup.HashSHA256,
		CheckpointInterval: backup.DefaultCheckpointInterval,
	}
}

// LoadFile loads configuration from path, merged over Default.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // path is chosen by the operator
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	cfg.Source = os.ExpandEnv(cfg.Source)
	cfg.Target = os.ExpandEnv(cfg.Target)
	return cfg, nil
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	var errs []error
	if c.ContainerSizeMB <= 0 {
		errs = append(errs, fmt.Errorf("container_size_mb must be positive, got %d", c.ContainerSizeMB))
	}
	if c.FilenamePattern == "" {
		errs = append(errs, errors.New("filename_pattern must not be empty"))
	}
	if c.Extension == "" {
		errs = append(errs, errors.New("extension must not be empty"))
	}
	if _, err := backup.ParseCompression(c.Compression); err != nil {
		errs = append(errs, err)
	}
	if _, err := backup.HasherByName(c.PrimaryHash); err != nil {
		errs = append(errs, fmt.Errorf("primary_hash: %w", err))
	}
	if _, err := backup.HasherByName(c.SecondaryHash); err != nil {
		errs = append(errs, fmt.Errorf("secondary_hash: %w", err))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers must not be negative, got %d", c.Workers))
	}
	return errors.Join(errs...)
}

// ArchiveOptions converts the configuration to archive options.
func (c *Config) ArchiveOptions() ([]backup.Option, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	compression, _ := backup.ParseCompression(c.Compression) //nolint:errcheck // validated above
	primary, _ := backup.HasherByName(c.PrimaryHash)         //nolint:errcheck // validated above
	secondary, _ := backup.HasherByName(c.SecondaryHash)     //nolint:errcheck // validated above

	opts := []backup.Option{
		backup.WithMaxSizeMB(c.ContainerSizeMB),
		backup.WithFilenamePattern(c.FilenamePattern),
		backup.WithExtension(c.Extension),
		backup.WithCompression(compression),
		backup.WithPrimaryHasher(primary),
		backup.WithSecondaryHasher(secondary),
		backup.WithValidateOnExtract(c.ValidateOnExtract),
		backup.WithCheckpointInterval(c.CheckpointInterval),
	}
	if c.Workers > 0 {
		opts = append(opts, backup.WithWorkers(c.Workers))
	}
	return opts, nil
}
