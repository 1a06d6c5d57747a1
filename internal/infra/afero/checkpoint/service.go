package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/lloydmeta/echo/internal/domain/checkpoint"
	"github.com/lloydmeta/echo/internal/domain/keys"
)

// FileService keeps each space's Checkpoint as a JSON file in one directory
type FileService struct {
	fs  afero.Fs
	dir string
}

func NewService(fs afero.Fs, dir string) checkpoint.Service {
	return &FileService{fs: fs, dir: dir}
}

func (f *FileService) path(space keys.PublicKey) string {
	return filepath.Join(f.dir, fmt.Sprintf("%s.json", space.Hex()))
}

// Save writes to a temporary file first so a crash never leaves a half-written checkpoint
func (f *FileService) Save(ctx context.Context, cp checkpoint.Checkpoint) error {
	asBytes, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	if err := f.fs.MkdirAll(f.dir, 0755); err != nil {
		return err
	}
	target := f.path(cp.Space)
	tmp := target + ".tmp"
	if err := afero.WriteFile(f.fs, tmp, asBytes, 0644); err != nil {
		return err
	}
	return f.fs.Rename(tmp, target)
}

func (f *FileService) Load(ctx context.Context, space keys.PublicKey) (*checkpoint.Checkpoint, error) {
	raw, err := afero.ReadFile(f.fs, f.path(space))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, checkpoint.NotFound{Space: space}
		}
		return nil, err
	}
	var cp checkpoint.Checkpoint
	if err := json.Unmarshal(raw, &cp); err != nil {
		return nil, err
	}
	return &cp, nil
}

func (f *FileService) Delete(ctx context.Context, space keys.PublicKey) error {
	if err := f.fs.Remove(f.path(space)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
