// Package build provides build information that is linked into the application. Other
// packages within this project can use this information in logs etc..
package build

var (
	// Version is the build version of the binary (e.g. v0.1.0 or a commit SHA).
	Version = "dev"

	// Commit is the commit SHA that the binary was built from.
	Commit = "none"

	// Date is the date that the binary was built.
	Date = "unknown"

	// ProjectName is the name of the project, used as the metrics namespace and tracer prefix.
	ProjectName = "kvrel"
)

// MinimumSupportedDatastoreSchemaRevision is the lowest goose revision the SQL datastores
// accept before reporting that migrations are required.
const MinimumSupportedDatastoreSchemaRevision = 1
