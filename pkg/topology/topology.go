// Package topology serializes the guest layout of a plan so running tests
// can discover their peers. Every guest receives the same picture plus its
// own identity, as a YAML file for parsing and a bash file for sourcing,
// referenced by TMT_TOPOLOGY_YAML and TMT_TOPOLOGY_BASH.
package topology

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"sort"

	"sigs.k8s.io/yaml"

	"github.com/mensylisir/testxm/pkg/common"
	"github.com/mensylisir/testxm/pkg/guest"
	"github.com/mensylisir/testxm/pkg/util"
)

// GuestInfo is the exported identity of one guest. OS and Arch come from
// gathered facts and stay empty for guests that were never probed.
type GuestInfo struct {
	Name     string `json:"name"`
	Role     string `json:"role,omitempty"`
	Hostname string `json:"hostname,omitempty"`
	OS       string `json:"os,omitempty"`
	Arch     string `json:"arch,omitempty"`
}

// Topology enumerates a plan's guests from the point of view of one of
// them.
type Topology struct {
	// Guest is the guest this export was written for.
	Guest GuestInfo `json:"guest"`
	// GuestNames keeps the provisioning order.
	GuestNames []string             `json:"guest-names"`
	Guests     map[string]GuestInfo `json:"guests"`
	RoleNames  []string             `json:"role-names"`
	Roles      map[string][]string  `json:"roles"`
}

// New builds the topology visible from current. Role names come out
// sorted; guest names keep their order.
func New(guests []guest.Guest, current guest.Guest) *Topology {
	t := &Topology{
		Guest:      infoOf(current),
		GuestNames: make([]string, 0, len(guests)),
		Guests:     make(map[string]GuestInfo, len(guests)),
		Roles:      make(map[string][]string),
	}
	for _, g := range guests {
		info := infoOf(g)
		t.GuestNames = append(t.GuestNames, info.Name)
		t.Guests[info.Name] = info
		if info.Role != "" {
			t.Roles[info.Role] = append(t.Roles[info.Role], info.Name)
		}
	}
	t.RoleNames = make([]string, 0, len(t.Roles))
	for role := range t.Roles {
		t.RoleNames = append(t.RoleNames, role)
	}
	sort.Strings(t.RoleNames)
	return t
}

func infoOf(g guest.Guest) GuestInfo {
	info := GuestInfo{Name: g.Name(), Role: g.Role(), Hostname: g.Hostname()}
	if facts := g.Facts(); facts != nil && facts.OS != nil {
		info.OS = facts.OS.PrettyName
		info.Arch = facts.OS.Arch
	}
	return info
}

const bashTemplate = `declare -A TMT_GUESTS
{{- range $name := .GuestNames }}
{{- $g := index $.Guests $name }}
TMT_GUESTS[{{ $name }}.name]={{ $g.Name | squote }}
{{- if $g.Role }}
TMT_GUESTS[{{ $name }}.role]={{ $g.Role | squote }}
{{- end }}
TMT_GUESTS[{{ $name }}.hostname]={{ $g.Hostname | squote }}
{{- end }}
TMT_GUEST_NAMES={{ join " " .GuestNames | squote }}

declare -A TMT_GUEST
TMT_GUEST[name]={{ .Guest.Name | squote }}
{{- if .Guest.Role }}
TMT_GUEST[role]={{ .Guest.Role | squote }}
{{- end }}
TMT_GUEST[hostname]={{ .Guest.Hostname | squote }}

declare -A TMT_ROLES
{{- range $role := .RoleNames }}
TMT_ROLES[{{ $role }}]={{ index $.Roles $role | join " " | squote }}
{{- end }}
TMT_ROLE_NAMES={{ join " " .RoleNames | squote }}
`

// Export writes the topology seen by current into dir and returns the
// paths of the YAML and bash files.
func Export(dir string, guests []guest.Guest, current guest.Guest) (yamlPath, bashPath string, err error) {
	t := New(guests, current)

	yamlPath = filepath.Join(dir, common.TopologyYAMLName)
	raw, err := yaml.Marshal(t)
	if err != nil {
		return "", "", fmt.Errorf("marshaling topology: %w", err)
	}
	if err := util.WriteFileWithDir(yamlPath, raw, 0o644); err != nil {
		return "", "", err
	}

	bashPath = filepath.Join(dir, common.TopologyBashName)
	if err := util.RenderTemplateTo(bashPath, bashTemplate, t); err != nil {
		return "", "", fmt.Errorf("rendering topology script: %w", err)
	}
	return yamlPath, bashPath, nil
}

// Push exports the topology as seen by g into localDir, copies both files
// to remoteDir on the guest and returns the remote paths for the test
// environment.
func Push(ctx context.Context, guests []guest.Guest, g guest.Guest, localDir, remoteDir string) (yamlRemote, bashRemote string, err error) {
	yamlLocal, bashLocal, err := Export(localDir, guests, g)
	if err != nil {
		return "", "", err
	}

	yamlRemote = path.Join(remoteDir, common.TopologyYAMLName)
	if err := g.Push(ctx, yamlLocal, yamlRemote); err != nil {
		return "", "", fmt.Errorf("pushing topology to guest %s: %w", g.Name(), err)
	}
	bashRemote = path.Join(remoteDir, common.TopologyBashName)
	if err := g.Push(ctx, bashLocal, bashRemote); err != nil {
		return "", "", fmt.Errorf("pushing topology to guest %s: %w", g.Name(), err)
	}
	return yamlRemote, bashRemote, nil
}
