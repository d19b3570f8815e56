package build

import "fmt"

const (
	// AppMajor defines the major version of this binary.
	AppMajor uint = 0

	// AppMinor defines the minor version of this binary.
	AppMinor uint = 3

	// AppPatch defines the application patch for this binary.
	AppPatch uint = 0
)

// Commit stores the current commit hash of this build, this should be set
// using the -ldflags during compilation.
var Commit string

// DeploymentType selects, at compile time, how sub-loggers are created.
type DeploymentType byte

const (
	// Development builds may log straight to stdout, see LoggingType.
	Development DeploymentType = iota

	// Production builds only log through the configured handler.
	Production
)

// String returns a human readable name for a build type.
func (b DeploymentType) String() string {
	switch b {
	case Development:
		return "development"
	case Production:
		return "production"
	default:
		return "unknown"
	}
}

// Version returns the application version. Development builds are tagged as
// such.
func Version() string {
	v := fmt.Sprintf("%d.%d.%d", AppMajor, AppMinor, AppPatch)
	if Deployment == Development {
		v += "-" + Deployment.String()
	}

	return v
}
