// Package logging provides a tiny abstraction over slog so downstream code
// can depend on a minimal interface (Logger) while allowing hosts to plug in
// any structured logger. The zero-configuration default everywhere in famulus
// is NoOpLogger.
package logging
