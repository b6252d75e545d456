package storage

import (
	"fmt"
	"os"
	"time"

	wiErr "github.com/ldzhong/cluster-md/errors"
)

const fileLockTimeout = 500 * time.Millisecond

// FileBackend keeps the bitmap in a dedicated file. The file is sized up
// front with real zero pages, not holes, so page writes cannot fail later
// for lack of space; every page write lands at a fixed offset and is
// fsynced when durability is requested.
type FileBackend struct {
	f     *os.File
	path  string
	pages int
}

// OpenFile opens (or with create, sizes) the backing file for pages pages
// and takes an exclusive lock so two bitmap instances never share it.
func OpenFile(path string, pages int, create bool) (*FileBackend, error) {
	flags := os.O_RDWR
	if create {
		flags |= os.O_CREATE
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, err
	}
	if err := fLock(f, true, fileLockTimeout); err != nil {
		f.Close()
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	need := int64(pages) * pageSize
	if st.Size() < need {
		if !create {
			f.Close()
			return nil, fmt.Errorf("%w: %d < %d bytes", wiErr.ErrShortFile, st.Size(), need)
		}
		// Reserve the space now by writing real zeroes.
		zero := make([]byte, pageSize)
		for off := st.Size() - st.Size()%pageSize; off < need; off += pageSize {
			if _, err := f.WriteAt(zero, off); err != nil {
				f.Close()
				return nil, err
			}
		}
		if err := f.Sync(); err != nil {
			f.Close()
			return nil, err
		}
	}
	return &FileBackend{f: f, path: path, pages: pages}, nil
}

func (b *FileBackend) WritePage(idx int, data []byte, wait bool) error {
	if _, err := b.f.WriteAt(data, int64(idx)*pageSize); err != nil {
		return err
	}
	if wait {
		return b.f.Sync()
	}
	return nil
}

func (b *FileBackend) ReadPage(idx int, data []byte) error {
	_, err := b.f.ReadAt(data, int64(idx)*pageSize)
	return err
}

func (b *FileBackend) Location() string { return "file:" + b.path }

func (b *FileBackend) Close() error { return b.f.Close() }
