package runner

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/logger"
)

// GatherFacts collects OS identity, hostname, CPU/memory sizing and the
// package manager from a connected guest. OS detection runs first because
// the remaining probes pick their commands from it.
func (r *defaultRunner) GatherFacts(ctx context.Context, conn connector.Connector) (*Facts, error) {
	if conn == nil {
		return nil, fmt.Errorf("connector cannot be nil")
	}
	if !conn.IsConnected() {
		return nil, fmt.Errorf("connector is not connected")
	}

	facts := &Facts{}
	var err error
	facts.OS, err = conn.GetOS(ctx)
	if err != nil {
		return nil, fmt.Errorf("get OS info: %w", err)
	}
	facts.Kernel = facts.OS.Kernel

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		out, _, execErr := conn.Exec(gCtx, "hostname -f", &connector.ExecOptions{Hidden: true})
		if execErr != nil {
			out, _, execErr = conn.Exec(gCtx, "hostname", &connector.ExecOptions{Hidden: true})
			if execErr != nil {
				return fmt.Errorf("get hostname: %w", execErr)
			}
		}
		facts.Hostname = strings.TrimSpace(string(out))
		return nil
	})

	g.Go(func() error {
		if out, _, execErr := conn.Exec(gCtx, "nproc", &connector.ExecOptions{Hidden: true}); execErr == nil {
			if n, parseErr := strconv.Atoi(strings.TrimSpace(string(out))); parseErr == nil {
				facts.TotalCPU = n
			}
		}
		if out, _, execErr := conn.Exec(gCtx, "grep MemTotal /proc/meminfo | awk '{print $2}'", &connector.ExecOptions{Hidden: true}); execErr == nil {
			if kb, parseErr := strconv.ParseUint(strings.TrimSpace(string(out)), 10, 64); parseErr == nil {
				facts.TotalMemory = kb / 1024
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return facts, fmt.Errorf("gather facts: %w", err)
	}

	facts.PackageManager, err = r.detectPackageManager(ctx, conn, facts)
	if err != nil {
		// Plenty of guests (minimal containers) have no package manager;
		// only prepare/install phases care, and they fail there with context.
		logger.Get().Warnf("Could not detect package manager on %s: %v", facts.Hostname, err)
		facts.PackageManager = &PackageInfo{Type: PackageManagerUnknown}
	}

	return facts, nil
}

var (
	aptInfo = PackageInfo{
		Type:          PackageManagerApt,
		UpdateCmd:     "apt-get update -y",
		InstallCmd:    "apt-get install -y %s",
		RemoveCmd:     "apt-get remove -y %s",
		PkgQueryCmd:   "dpkg-query -W -f='${Status}' %s",
		CacheCleanCmd: "apt-get clean",
	}
	yumInfo = PackageInfo{
		Type:          PackageManagerYum,
		UpdateCmd:     "yum makecache",
		InstallCmd:    "yum install -y %s",
		RemoveCmd:     "yum remove -y %s",
		PkgQueryCmd:   "rpm -q %s",
		CacheCleanCmd: "yum clean all",
	}
	dnfInfo = PackageInfo{
		Type:          PackageManagerDnf,
		UpdateCmd:     "dnf makecache",
		InstallCmd:    "dnf install -y %s",
		RemoveCmd:     "dnf remove -y %s",
		PkgQueryCmd:   "rpm -q %s",
		CacheCleanCmd: "dnf clean all",
	}
)

func (r *defaultRunner) detectPackageManager(ctx context.Context, conn connector.Connector, facts *Facts) (*PackageInfo, error) {
	if facts == nil || facts.OS == nil {
		return nil, fmt.Errorf("OS facts not available")
	}

	switch strings.ToLower(facts.OS.ID) {
	case "ubuntu", "debian", "raspbian", "linuxmint":
		pm := aptInfo
		return &pm, nil
	case "fedora", "centos", "rhel", "almalinux", "rocky":
		if _, err := conn.LookPath(ctx, "dnf"); err == nil {
			pm := dnfInfo
			return &pm, nil
		}
		if _, err := conn.LookPath(ctx, "yum"); err == nil {
			pm := yumInfo
			return &pm, nil
		}
		return nil, fmt.Errorf("neither dnf nor yum found for OS %s", facts.OS.ID)
	default:
		// Probe by command for anything we do not recognize by name.
		if _, err := conn.LookPath(ctx, "apt-get"); err == nil {
			pm := aptInfo
			return &pm, nil
		}
		if _, err := conn.LookPath(ctx, "dnf"); err == nil {
			pm := dnfInfo
			return &pm, nil
		}
		if _, err := conn.LookPath(ctx, "yum"); err == nil {
			pm := yumInfo
			return &pm, nil
		}
		return nil, fmt.Errorf("no supported package manager found for OS %s", facts.OS.ID)
	}
}
