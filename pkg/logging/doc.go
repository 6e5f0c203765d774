// Package logging provides subsystem-tagged structured logging for the
// agora marketplace core.
//
// It is a thin wrapper around the standard library's log/slog that
// enforces a consistent shape across every component: each entry names
// the emitting subsystem ("Store", "Fabric", "ToolServer", ...) so an
// operator can filter a single component out of the combined stream.
//
// Usage:
//
//	logging.Init(logging.LevelInfo, os.Stdout)
//	logging.Info("Store", "opened coordination store at %s", path)
//	logging.Error("Fabric", err, "failed to deliver event %s", eventID)
//
// Tests and diagnostic commands may attach a capture channel via
// Capture to observe entries programmatically; the channel is bounded
// and never blocks the caller.
package logging
