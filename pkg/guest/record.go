package guest

import (
	"fmt"

	"github.com/mensylisir/testxm/pkg/connector"
	"github.com/mensylisir/testxm/pkg/container"
)

// Record is the serializable form of a guest, written to guests.yaml by the
// provision step. It carries everything needed to rebuild a live handle on
// resume without provisioning again.
type Record struct {
	Name        string `json:"name"`
	Role        string `json:"role,omitempty"`
	How         string `json:"how"`
	Address     string `json:"address,omitempty"`
	Port        int    `json:"port,omitempty"`
	User        string `json:"user,omitempty"`
	Password    string `json:"password,omitempty"`
	KeyPath     string `json:"key,omitempty"`
	Image       string `json:"image,omitempty"`
	ContainerID string `json:"container,omitempty"`
}

// Deps bundles the shared backends guest construction needs. Only the
// fields relevant to the record's how are consulted.
type Deps struct {
	Pool   *connector.ConnectionPool
	Docker *container.Client
}

// FromRecord rebuilds a guest handle from its serialized record. The guest
// comes back in the provisioning state; Connect brings it to ready.
func FromRecord(rec Record, deps Deps) (Guest, error) {
	switch rec.How {
	case HowLocal:
		return NewLocal(rec.Name, rec.Role), nil
	case HowConnect:
		return NewSSH(rec, deps.Pool), nil
	case HowContainer:
		if deps.Docker == nil {
			return nil, fmt.Errorf("rebuild guest %q: no container client available", rec.Name)
		}
		if rec.ContainerID == "" {
			return nil, fmt.Errorf("rebuild guest %q: record has no container id", rec.Name)
		}
		return NewContainer(rec, deps.Docker), nil
	default:
		return nil, fmt.Errorf("rebuild guest %q: unknown provision method %q", rec.Name, rec.How)
	}
}
