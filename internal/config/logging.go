package config

import (
	"github.com/Fralo/trento-tree-detection/internal/logging"
)

// ToLoggingConfig converts the YAML logging section into a logging.Config.
//
// If File is set the output becomes a file; otherwise events go to stderr so
// stdout stays reserved for progress and summaries.
func (lc *LoggingConfig) ToLoggingConfig() logging.Config {
	output := logging.OutputStderr
	if lc.File != "" {
		output = logging.OutputFile
	}

	return logging.Config{
		Level:  lc.Level,
		Format: lc.Format,
		Output: output,
		File:   lc.File,
	}
}
