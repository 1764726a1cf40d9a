package storage

import (
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// FileMeta describes a blob written to the attachment area.
type FileMeta struct {
	ID   string
	Size int64
	Hash string
}

// SaveFile streams r into the backend under a fresh id and returns the blob
// metadata. The hash is the hex encoded sha256 of the content.
func SaveFile(backend Backend, r io.Reader) (FileMeta, error) {
	id := uuid.New().String()

	dest, err := backend.NewFileWriter(id)
	if err != nil {
		return FileMeta{}, err
	}

	hash := sha256.New()
	size, err := io.Copy(io.MultiWriter(dest, hash), r)
	if err != nil {
		_ = dest.Close()
		_ = backend.RemoveFile(id)

		return FileMeta{}, err
	}
	if err := dest.Close(); err != nil {
		return FileMeta{}, err
	}

	return FileMeta{ID: id, Size: size, Hash: fmt.Sprintf("%x", hash.Sum(nil))}, nil
}
