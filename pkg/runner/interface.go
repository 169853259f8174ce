package runner

import (
	"context"
	"time"

	"github.com/mensylisir/testxm/pkg/connector"
)

// Facts describes a guest as discovered at provision time. Prepare phases
// pick the package manager from here, the topology export publishes the rest.
type Facts struct {
	OS             *connector.OS
	Hostname       string
	Kernel         string
	TotalCPU       int
	TotalMemory    uint64 // MiB
	PackageManager *PackageInfo
}

type PackageManagerType string

const (
	PackageManagerUnknown PackageManagerType = "unknown"
	PackageManagerApt     PackageManagerType = "apt"
	PackageManagerYum     PackageManagerType = "yum"
	PackageManagerDnf     PackageManagerType = "dnf"
)

// PackageInfo holds the command templates for the detected package manager.
// Install/Remove/Query templates take the package list via %s.
type PackageInfo struct {
	Type          PackageManagerType
	UpdateCmd     string
	InstallCmd    string
	RemoveCmd     string
	PkgQueryCmd   string
	CacheCleanCmd string
}

// Runner is a stateless host-ops service over a Connector. It never holds a
// connection itself, so one Runner serves every guest in a run.
type Runner interface {
	GatherFacts(ctx context.Context, conn connector.Connector) (*Facts, error)

	Run(ctx context.Context, conn connector.Connector, cmd string, sudo bool) (string, error)
	Check(ctx context.Context, conn connector.Connector, cmd string, sudo bool) (bool, error)
	RunWithOptions(ctx context.Context, conn connector.Connector, cmd string, opts *connector.ExecOptions) (stdout, stderr []byte, err error)
	Exists(ctx context.Context, conn connector.Connector, path string) (bool, error)
	LookPath(ctx context.Context, conn connector.Connector, file string) (string, error)

	InstallPackages(ctx context.Context, conn connector.Connector, facts *Facts, packages ...string) error
	RemovePackages(ctx context.Context, conn connector.Connector, facts *Facts, packages ...string) error
	UpdatePackageCache(ctx context.Context, conn connector.Connector, facts *Facts) error
	IsPackageInstalled(ctx context.Context, conn connector.Connector, facts *Facts, packageName string) (bool, error)

	// RequestReboot issues the reboot command and returns once it is sent.
	// The connection dropping right after counts as success.
	RequestReboot(ctx context.Context, conn connector.Connector) error
	// WaitForReachable polls until the guest answers a trivial command again.
	WaitForReachable(ctx context.Context, conn connector.Connector, timeout time.Duration) error
}
