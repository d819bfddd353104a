// Package app bootstraps the auth coordinator from configuration and runs it.
//
// # Components
//
//   - Bootstrap (bootstrap.go): loads config.yaml, configures logging and
//     builds the services
//   - Services (services.go): constructs and wires every component
//   - Serve (modes.go): restores sessions, starts background tasks, serves
//     metrics and blocks in the MCP facade
//
// # Wiring
//
// InitializeServices creates components in dependency order:
//
//  1. A Prometheus registry and the metrics recorder
//  2. The event bus
//  3. The credential store (memory, or file with optional encryption)
//  4. The token cache
//  5. The coordinator, with every configured provider registered under its
//     rate limit and enabled flag
//  6. The security-context manager, bound to the coordinator so contexts
//     attach to their sessions
//  7. The MCP facade over the coordinator
//
// The bus links the two managers: when the coordinator revokes or cleans up
// a session, every security context derived from it is revoked too.
//
// # Logging
//
// Logs go to stderr because stdout carries the stdio transport. The level
// and format come from the logging section; --debug forces debug level.
//
// # Example
//
//	cfg := app.NewConfig(debug, false, configPath, version)
//	application, err := app.NewApplication(cfg)
//	if err != nil {
//	    return err
//	}
//	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer stop()
//	return application.Run(ctx)
package app
