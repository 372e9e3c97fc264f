// Package broker moves job files in and out of workspaces. Each workspace names the kind of storage behind it in
// its broker descriptor.
package broker

import (
	"path"
	"reflect"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
	"github.com/ngageoint/scale/internal/scheduler/schedulerobjects"
)

// stagingDir is the directory, relative to a workspace root, where executions write outputs before they are stored.
const stagingDir = ".staging"

// Broker is the capability set the scheduler needs from a workspace's storage.
type Broker interface {
	// ResolveInputs checks the files exist and returns the paths tasks read them from.
	ResolveInputs(ctx *scalecontext.Context, files []string) ([]string, error)
	// OutputDir returns the path an execution writes its outputs to.
	OutputDir(exeID string) string
	// StoreOutputs moves files written by an execution into the workspace and returns their workspace paths.
	StoreOutputs(ctx *scalecontext.Context, exeID string, files []string) ([]string, error)
	Delete(ctx *scalecontext.Context, files []string) error
}

// Resolver hands out the broker of a workspace, building it on first use.
type Resolver struct {
	mu      sync.Mutex
	brokers map[string]cachedBroker
	factory func(descriptor schedulerobjects.BrokerDescriptor) (Broker, error)
}

type cachedBroker struct {
	descriptor schedulerobjects.BrokerDescriptor
	broker     Broker
}

func NewResolver() *Resolver {
	return &Resolver{brokers: map[string]cachedBroker{}, factory: New}
}

// For returns the broker of workspace. A changed descriptor replaces the cached broker.
func (r *Resolver) For(workspace *schedulerobjects.Workspace) (Broker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.brokers[workspace.Name]; ok && sameDescriptor(cached.descriptor, workspace.Broker) {
		return cached.broker, nil
	}
	b, err := r.factory(workspace.Broker)
	if err != nil {
		return nil, errors.WithMessagef(err, "workspace %s", workspace.Name)
	}
	r.brokers[workspace.Name] = cachedBroker{descriptor: workspace.DeepCopy().Broker, broker: b}
	return b, nil
}

func sameDescriptor(a, b schedulerobjects.BrokerDescriptor) bool {
	if len(a.Hosts) != len(b.Hosts) {
		return false
	}
	for i := range a.Hosts {
		if a.Hosts[i] != b.Hosts[i] {
			return false
		}
	}
	a.Hosts, b.Hosts = nil, nil
	return reflect.DeepEqual(a, b)
}

// New builds the broker a descriptor describes.
func New(descriptor schedulerobjects.BrokerDescriptor) (Broker, error) {
	switch descriptor.Type {
	case schedulerobjects.BrokerHost:
		return NewHostBroker(descriptor.HostPath, descriptor.ReadOnly)
	case schedulerobjects.BrokerS3:
		return NewS3Broker(descriptor)
	default:
		return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "broker.type",
			Value:   descriptor.Type,
			Message: "must be host or s3",
		})
	}
}

// cleanRelative normalises a workspace path and rejects paths that escape the workspace.
func cleanRelative(p string) (string, error) {
	cleaned := path.Clean("/" + strings.TrimSpace(p))[1:]
	if cleaned == "" || cleaned == "." {
		return "", scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameInvalidInput, "invalid workspace path %q", p)
	}
	return cleaned, nil
}

func readOnlyError(op string) error {
	return scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameInvalidInput, "cannot %s in a read-only workspace", op)
}
