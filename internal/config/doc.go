// Package config provides centralized configuration management for the POS
// license core. It handles loading configuration from multiple sources,
// validation, and provides a type-safe API for accessing configuration values
// throughout the application.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. Configuration files (YAML)
//	3. Default values (lowest priority)
//
// # Environment Variables
//
// All environment variables follow the pattern POS_* for namespacing:
//
//	POS_SERVER_PORT=8190
//	POS_AUTHORITY_BASE_URL=https://licensing.example.com
//	POS_LICENSE_REVALIDATE_INTERVAL=1h
//	POS_LOGGING_LEVEL=info
//
// # Path Management
//
// The package provides centralized path management through the Paths type,
// which handles all file system paths relative to the executable location:
//
//	paths, err := config.GetPaths()
//	licensePath := paths.LicenseFile
//	exportPath := paths.GetExportPath("audit.xlsx")
//
// The license record, the monotonic ledger and the audit database always live
// next to the executable so a backup/restore of one artifact cannot silently
// replace the others.
//
// # Usage
//
// Load configuration at application startup:
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
