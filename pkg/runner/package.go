package runner

import (
	"context"
	"fmt"
	"strings"

	"github.com/mensylisir/testxm/pkg/connector"
)

func packageManagerFor(facts *Facts) (*PackageInfo, error) {
	if facts == nil || facts.PackageManager == nil || facts.PackageManager.Type == PackageManagerUnknown {
		return nil, fmt.Errorf("no package manager detected on this guest")
	}
	return facts.PackageManager, nil
}

// InstallPackages installs the named packages with the guest's package
// manager. The caller is expected to have deduplicated the list.
func (r *defaultRunner) InstallPackages(ctx context.Context, conn connector.Connector, facts *Facts, packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	pm, err := packageManagerFor(facts)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(pm.InstallCmd, strings.Join(packages, " "))
	_, stderr, err := r.RunWithOptions(ctx, conn, cmd, &connector.ExecOptions{Sudo: true})
	if err != nil {
		return fmt.Errorf("install %s with %s: %w (stderr: %s)",
			strings.Join(packages, " "), pm.Type, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (r *defaultRunner) RemovePackages(ctx context.Context, conn connector.Connector, facts *Facts, packages ...string) error {
	if len(packages) == 0 {
		return nil
	}
	pm, err := packageManagerFor(facts)
	if err != nil {
		return err
	}
	cmd := fmt.Sprintf(pm.RemoveCmd, strings.Join(packages, " "))
	_, stderr, err := r.RunWithOptions(ctx, conn, cmd, &connector.ExecOptions{Sudo: true})
	if err != nil {
		return fmt.Errorf("remove %s with %s: %w (stderr: %s)",
			strings.Join(packages, " "), pm.Type, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

func (r *defaultRunner) UpdatePackageCache(ctx context.Context, conn connector.Connector, facts *Facts) error {
	pm, err := packageManagerFor(facts)
	if err != nil {
		return err
	}
	_, stderr, err := r.RunWithOptions(ctx, conn, pm.UpdateCmd, &connector.ExecOptions{Sudo: true})
	if err != nil {
		return fmt.Errorf("update package cache with %s: %w (stderr: %s)",
			pm.Type, err, strings.TrimSpace(string(stderr)))
	}
	return nil
}

// IsPackageInstalled checks one package. dpkg-query exits zero for known but
// removed packages, so its output is inspected; rpm -q signals via exit code.
func (r *defaultRunner) IsPackageInstalled(ctx context.Context, conn connector.Connector, facts *Facts, packageName string) (bool, error) {
	if strings.TrimSpace(packageName) == "" {
		return false, fmt.Errorf("package name cannot be empty")
	}
	pm, err := packageManagerFor(facts)
	if err != nil {
		return false, err
	}

	cmd := fmt.Sprintf(pm.PkgQueryCmd, packageName)
	stdout, _, execErr := r.RunWithOptions(ctx, conn, cmd, &connector.ExecOptions{Hidden: true})

	switch pm.Type {
	case PackageManagerApt:
		if execErr != nil {
			return false, nil
		}
		return strings.Contains(string(stdout), "install ok installed"), nil
	case PackageManagerYum, PackageManagerDnf:
		if execErr == nil {
			return true, nil
		}
		if _, isExit := connector.ExitCode(execErr); isExit {
			return false, nil
		}
		return false, execErr
	default:
		return false, fmt.Errorf("package query not supported for %s", pm.Type)
	}
}
