// Package telemetry provides the structured logger and metrics that every
// long-lived Forge component is constructed with. There is no package-level
// logger singleton: callers build one *zap.Logger at startup (see
// main.go) and pass it down, the way the teacher passes a *log.Logger
// into pkg/database.NewClient via a functional option.
package telemetry

import (
	"go.uber.org/zap"
)

// NewLogger builds the engine's root structured logger. In production mode
// it emits JSON; in development it emits a human-readable console format.
func NewLogger(development bool) (*zap.Logger, error) {
	if development {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// Component returns a child logger tagged with the owning component's name,
// mirroring the teacher's repository.logger.bind(repository="cascade")
// pattern from the Python original.
func Component(base *zap.Logger, name string) *zap.Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return base.With(zap.String("component", name))
}
