package log

import (
	"github.com/rs/zerolog"
)

type Config struct {
	Segment struct {
		// The number of bytes a segment may hold before the log rolls over to a new one.
		// The check happens after a write, so a segment can end up slightly larger.
		// Zero means 1 GiB, not a rollover after every append.
		MaxBytes uint64
	}

	// Backend opens and lists segments. Defaults to FileBackend.
	Backend Backend

	// Logger defaults to a stderr logger tagged with service=log.
	Logger *zerolog.Logger

	// Metrics is optional; nil disables instrumentation.
	Metrics *Metrics
}
