package upload

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"
)

type FileUploader struct {
	fs  afero.Fs
	dir string
}

func NewFileUploader(fs afero.Fs, dir string) *FileUploader {
	return &FileUploader{
		fs:  fs,
		dir: dir,
	}
}

// Upload writes data to dir/name through a temporary file and a rename, so a
// reader never sees a partial file.
func (u *FileUploader) Upload(_ context.Context, name string, data []byte) error {
	path := filepath.Join(u.dir, filepath.FromSlash(name))
	if err := u.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".next"
	f, err := u.fs.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err = f.Write(data); err != nil {
		f.Close()

		return fmt.Errorf("writing %s: %w", tmp, err)
	}
	if err = f.Sync(); err != nil {
		f.Close()

		return fmt.Errorf("syncing %s: %w", tmp, err)
	}
	if err = f.Close(); err != nil {
		return err
	}

	return u.fs.Rename(tmp, path)
}
