package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Paths contains all the application paths
// This is the single source of truth for ALL file paths in the application
type Paths struct {
	ExecutableDir string
	DataDir       string
	ExportsDir    string
	LogsDir       string

	// License state files (root of executable directory)
	LicenseFile string
	LedgerFile  string
	AuditDB     string
}

// GetPaths returns the application paths relative to the executable location
// All paths are ALWAYS relative to the executable directory, never the current working directory
func GetPaths() (*Paths, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to get executable path: %v", err)
	}

	// Resolve symlinks to get the actual executable location
	exe, err = filepath.EvalSymlinks(exe)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve executable symlinks: %v", err)
	}

	exeDir := filepath.Dir(exe)

	// Directory structure:
	// dist/
	//   ├── license.dat        (encrypted license record)
	//   ├── license.ledger     (monotonic version/validation ledger)
	//   ├── license_audit.db   (audit log + transfer history)
	//   ├── data/
	//   │   └── exports/       (audit/usage exports for operators)
	//   └── logs/              (application logs)
	dataDir := filepath.Join(exeDir, "data")

	paths := &Paths{
		ExecutableDir: exeDir,
		DataDir:       dataDir,
		ExportsDir:    filepath.Join(dataDir, "exports"),
		LogsDir:       filepath.Join(exeDir, "logs"),

		LicenseFile: filepath.Join(exeDir, "license.dat"),
		LedgerFile:  filepath.Join(exeDir, "license.ledger"),
		AuditDB:     filepath.Join(exeDir, "license_audit.db"),
	}

	return paths, nil
}

// EnsureDirectories creates all required directories if they don't exist
func (p *Paths) EnsureDirectories() error {
	directories := []string{
		p.DataDir,
		p.ExportsDir,
		p.LogsDir,
	}

	logger := slog.Default()

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %v", dir, err)
		}

		if logger != nil {
			logger.Debug("Ensured directory exists",
				slog.String("directory", dir))
		}
	}

	return nil
}

// GetRelativePath returns a path relative to the executable directory
func (p *Paths) GetRelativePath(subpath string) string {
	return filepath.Join(p.ExecutableDir, subpath)
}

// FileExists checks if a file exists
func FileExists(path string) bool {
	_, err := os.Stat(path)
	return !os.IsNotExist(err)
}

// GetLicensePath returns the license file path
// This ONLY uses the executable directory path - no current working directory fallback
func GetLicensePath() (string, error) {
	paths, err := GetPaths()
	if err != nil {
		return "", fmt.Errorf("failed to get paths: %w", err)
	}

	logger := slog.Default()
	if logger != nil {
		absPath, _ := filepath.Abs(paths.LicenseFile)

		logger.Debug("License path resolved",
			slog.String("path", paths.LicenseFile),
			slog.String("absolute", absPath),
			slog.Bool("file_exists", FileExists(paths.LicenseFile)),
		)
	}

	return paths.LicenseFile, nil
}

// GetExportPath returns the path for an export file
func (p *Paths) GetExportPath(filename string) string {
	return filepath.Join(p.ExportsDir, filename)
}

// GetLogPath returns the path for a log file
func (p *Paths) GetLogPath(filename string) string {
	return filepath.Join(p.LogsDir, filename)
}

// LogPathResolution logs detailed path resolution information for debugging
func (p *Paths) LogPathResolution() {
	logger := slog.Default()
	if logger == nil {
		return
	}

	logger.Info("Path resolution summary",
		slog.Group("directories",
			slog.String("executable", p.ExecutableDir),
			slog.String("data", p.DataDir),
			slog.String("exports", p.ExportsDir),
			slog.String("logs", p.LogsDir),
		),
		slog.Group("license_files",
			slog.String("record", p.LicenseFile),
			slog.String("ledger", p.LedgerFile),
			slog.String("audit_db", p.AuditDB),
		))
}
