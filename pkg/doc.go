// Package pkg provides shared utilities for the usbrwq request queue.
//
// It contains:
//
//   - Structured logging via [log/slog] tagged with a [Component]
//   - Sentinel errors shared by the host, dispatch and queue packages
//   - [TransferStatus], a coarse classification of transfer outcomes
//
// # Logging
//
//	pkg.SetLogLevel(slog.LevelDebug)
//	pkg.LogInfo(pkg.ComponentQueue, "request forwarded", "id", 7)
//
// # Errors
//
//	if errors.Is(res.Status, pkg.ErrCancelled) {
//	    // transfer was aborted by a stop notification
//	}
package pkg
