package orkestra

import (
	"fmt"
	"runtime"
	"strings"
)

// Build metadata. GitCommit and BuildDate are meant to be set with
// -ldflags "-X github.com/ambiyansyah-risyal/orkestra.GitCommit=...".
var (
	Version   = "0.4.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
	// GoVersion is the toolchain version without the "go" prefix.
	GoVersion = strings.TrimPrefix(runtime.Version(), "go")
)

// GetVersion returns a one-line description of the build.
func GetVersion() string {
	return fmt.Sprintf("orkestra v%s (commit: %s, built: %s, go: %s)",
		Version, GitCommit, BuildDate, GoVersion)
}

// GetVersionInfo returns the build metadata keyed like Prometheus labels.
func GetVersionInfo() map[string]string {
	return map[string]string{
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
		"go_version": GoVersion,
	}
}

// UserAgent returns the User-Agent value sent for md:
// orkestra/<version> go/<toolchain> api/<service>#<operation>.
func UserAgent(md OperationMetadata) string {
	var b strings.Builder
	b.Grow(32 + len(md.Service) + len(md.Operation))
	b.WriteString("orkestra/")
	b.WriteString(Version)
	b.WriteString(" go/")
	b.WriteString(GoVersion)
	if md.Service != "" {
		b.WriteString(" api/")
		b.WriteString(md.Service)
		if md.Operation != "" {
			b.WriteByte('#')
			b.WriteString(md.Operation)
		}
	}
	return b.String()
}
