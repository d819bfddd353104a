// Package logging provides the structured logging used throughout authcoord.
//
// It is a thin layer over Go's log/slog package. Every entry carries a
// subsystem tag so output can be filtered per component:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("Coordinator", "Registered provider %s", name)
//	logging.Debug("Cache", "Evicted session=%s", logging.TruncateSessionID(id))
//	logging.Error("Store", err, "Failed to persist credentials")
//
// # Subsystems
//
//   - Bootstrap: application initialization and shutdown
//   - Config: configuration loading and validation
//   - Coordinator: session and credential lifecycle
//   - Cache, Store: token cache and credential persistence
//   - OAuth2, ServiceAccount, APIKey: identity providers
//   - SecurityContext: context propagation and access control
//   - Scheduler, Events, Facade: infrastructure
//
// # Audit Logging
//
// Security-sensitive operations are additionally written as audit lines:
//
//	logging.Audit(logging.AuditEvent{
//	    Action:    "credentials_refreshed",
//	    Outcome:   "success",
//	    SessionID: logging.TruncateSessionID(sessionID),
//	    Provider:  "google",
//	})
//
// Audit events are logged at INFO with an [AUDIT] prefix so log aggregation
// systems can filter them. Token values are never passed to the logger.
package logging
