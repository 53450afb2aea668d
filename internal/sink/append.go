package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
)

// File is the part of *os.File a record sink writes through.
type File interface {
	io.WriteCloser
	Sync() error
	Truncate(size int64) error
	Stat() (os.FileInfo, error)
}

// AppendSynced appends data to f and syncs it. On failure f is cut back to
// its previous length, so a retried record is never preceded by a partial
// copy of itself.
func AppendSynced(f File, data []byte) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat sink file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		return rollback(f, info.Size(), fmt.Errorf("append: %w", err))
	}
	if err := f.Sync(); err != nil {
		return rollback(f, info.Size(), fmt.Errorf("sync: %w", err))
	}
	return nil
}

func rollback(f File, size int64, err error) error {
	if terr := f.Truncate(size); terr != nil {
		return errors.Join(err, fmt.Errorf("truncate to %d bytes: %w", size, terr))
	}
	return err
}
