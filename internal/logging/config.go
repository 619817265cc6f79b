package logging

// Config contains the configurable items for this package
type Config struct {
	// Environment selects the encoder: "dev" logs human readable console
	// lines, anything else logs JSON.
	Environment string     `yaml:"env"`
	Level       string     `yaml:"level"`
	File        FileConfig `yaml:"file"`
}

// FileConfig controls the rotated log file. An empty Path disables it.
type FileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// NewDefaultConfig creates an instance of the package-specific configuration
func NewDefaultConfig() Config {
	return Config{
		Environment: "dev",
		Level:       "",
		File: FileConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
			Compress:   true,
		},
	}
}
