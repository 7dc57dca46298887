package filequeue

import (
	"strings"

	"github.com/drblury/ctfreader/internal/runtime/config"
)

// FromConfig maps the reader configuration onto a queue configuration.
func FromConfig(cfg *config.Config) Config {
	var inputs []string
	for _, in := range strings.Split(cfg.Input, ",") {
		if in = strings.TrimSpace(in); in != "" {
			inputs = append(inputs, in)
		}
	}
	return Config{
		Inputs:           inputs,
		FileRegex:        cfg.FileRegex,
		RemoteRegex:      cfg.RemoteRegex,
		CopyCmd:          cfg.CopyCmd,
		CacheDir:         cfg.CacheDir,
		MaxInFlight:      cfg.MaxFileCache,
		MaxLoops:         cfg.MaxLoops,
		FailureThreshold: cfg.FetchFailureThreshold,
	}
}
