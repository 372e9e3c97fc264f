package schedulerobjects

import (
	"golang.org/x/exp/slices"
)

// Broker types.
const (
	BrokerHost = "host"
	BrokerS3   = "s3"
)

// BrokerDescriptor says how the files of a workspace are reached.
type BrokerDescriptor struct {
	Type string `json:"type"`
	// HostPath is the mount point of a host workspace on every node.
	HostPath string `json:"host_path,omitempty"`
	// Hosts restricts a host workspace to the listed hostnames. Empty means every node.
	Hosts     []string `json:"hosts,omitempty"`
	ReadOnly  bool     `json:"read_only,omitempty"`
	Endpoint  string   `json:"endpoint,omitempty"`
	Bucket    string   `json:"bucket,omitempty"`
	Prefix    string   `json:"prefix,omitempty"`
	Region    string   `json:"region,omitempty"`
	AccessKey string   `json:"access_key,omitempty"`
	SecretKey string   `json:"secret_key,omitempty"`
	UseSSL    bool     `json:"use_ssl,omitempty"`
}

type Workspace struct {
	Name     string
	Title    string
	IsActive bool
	Broker   BrokerDescriptor
}

func (w *Workspace) DeepCopy() *Workspace {
	if w == nil {
		return nil
	}
	c := *w
	c.Broker.Hosts = slices.Clone(w.Broker.Hosts)
	return &c
}

// Supports reports whether the workspace can be mounted with mode on the given host.
func (w *Workspace) Supports(mode WorkspaceMode, hostname string) bool {
	if mode == ReadWrite && w.Broker.ReadOnly {
		return false
	}
	return len(w.Broker.Hosts) == 0 || slices.Contains(w.Broker.Hosts, hostname)
}
