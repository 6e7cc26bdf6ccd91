package logger

import (
	"fmt"
	"io"
	"path/filepath"
)

// ConsoleConfig describes where raw server output is captured.
// With Dir set the files are Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type ConsoleConfig struct {
	Dir        string `mapstructure:"dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Enabled reports whether console capture is configured.
func (c ConsoleConfig) Enabled() bool { return c.Dir != "" }

// Writers returns rotating writers for the server's stdout and stderr.
// Both are nil when capture is disabled.
func (c ConsoleConfig) Writers(name string) (io.WriteCloser, io.WriteCloser) {
	if !c.Enabled() {
		return nil, nil
	}
	rot := Config{MaxSizeMB: c.MaxSizeMB, MaxBackups: c.MaxBackups, MaxAgeDays: c.MaxAgeDays, Compress: c.Compress}
	out := rot.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name)))
	errW := rot.rotating(filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name)))
	return out, errW
}
