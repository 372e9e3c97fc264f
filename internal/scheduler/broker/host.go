package broker

import (
	"os"
	"path/filepath"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ngageoint/scale/internal/common/scalecontext"
	"github.com/ngageoint/scale/internal/common/scaleerrors"
)

// HostBroker serves a workspace mounted at the same path on the scheduler and on every node.
type HostBroker struct {
	root     string
	readOnly bool
}

func NewHostBroker(root string, readOnly bool) (*HostBroker, error) {
	if root == "" || !filepath.IsAbs(root) {
		return nil, errors.WithStack(&scaleerrors.ErrInvalidArgument{
			Name:    "broker.host_path",
			Value:   root,
			Message: "must be an absolute path",
		})
	}
	return &HostBroker{root: filepath.Clean(root), readOnly: readOnly}, nil
}

func (b *HostBroker) abs(p string) (string, error) {
	rel, err := cleanRelative(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(b.root, filepath.FromSlash(rel)), nil
}

func (b *HostBroker) ResolveInputs(_ *scalecontext.Context, files []string) ([]string, error) {
	paths := make([]string, len(files))
	for i, f := range files {
		p, err := b.abs(f)
		if err != nil {
			return nil, err
		}
		if _, err := os.Stat(p); err != nil {
			if os.IsNotExist(err) {
				return nil, scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameInvalidInput, "input file %s does not exist", f)
			}
			return nil, scaleerrors.System(scaleerrors.NameNfs, err)
		}
		paths[i] = p
	}
	return paths, nil
}

func (b *HostBroker) OutputDir(exeID string) string {
	return filepath.Join(b.root, stagingDir, exeID)
}

func (b *HostBroker) StoreOutputs(_ *scalecontext.Context, exeID string, files []string) ([]string, error) {
	if b.readOnly {
		return nil, readOnlyError("store outputs")
	}
	stored := make([]string, 0, len(files))
	for _, f := range files {
		rel, err := cleanRelative(f)
		if err != nil {
			return nil, err
		}
		src := filepath.Join(b.OutputDir(exeID), filepath.FromSlash(rel))
		dst := filepath.Join(b.root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return nil, scaleerrors.System(scaleerrors.NameNfs, err)
		}
		if err := os.Rename(src, dst); err != nil {
			// A rerun after a partial store finds the file already moved.
			if os.IsNotExist(err) {
				if _, statErr := os.Stat(dst); statErr == nil {
					stored = append(stored, rel)
					continue
				}
				return nil, scaleerrors.Newf(scaleerrors.KindData, scaleerrors.NameInvalidInput, "output file %s was not written", rel)
			}
			return nil, scaleerrors.System(scaleerrors.NameNfs, err)
		}
		stored = append(stored, rel)
	}
	return stored, nil
}

func (b *HostBroker) Delete(_ *scalecontext.Context, files []string) error {
	if b.readOnly {
		return readOnlyError("delete files")
	}
	var result *multierror.Error
	for _, f := range files {
		p, err := b.abs(f)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			result = multierror.Append(result, errors.WithStack(err))
		}
	}
	return result.ErrorOrNil()
}
