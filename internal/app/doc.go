// Package app wires the license core, services and HTTP transport into a
// runnable application and manages its lifecycle.
//
// Initialization sequence:
//
//	1. Load configuration from environment and config file
//	2. Initialize structured logging and OpenTelemetry
//	3. Generate the device fingerprint
//	4. Open the license store, ledger and audit database
//	5. Wire the validator, activator and transfer orchestrator
//	6. Build the service layer and HTTP router
//	7. Start the server, websocket hub and revalidation loop
//
// Shutdown drains active requests, stops the hub and revalidation loop,
// closes the audit database and flushes telemetry. Initialization errors
// are returned to main rather than exiting directly.
package app
