package lfsdump

import (
	"fmt"
	"io"
)

// EntryType is the kind of a directory entry. The values are the ones
// littlefs stores on disk.
type EntryType uint8

const (
	TypeFile EntryType = 0x01
	TypeDir  EntryType = 0x02
)

func (t EntryType) String() string {
	switch t {
	case TypeFile:
		return "file"
	case TypeDir:
		return "dir"
	default:
		return fmt.Sprintf("unsupported(0x%02x)", uint8(t))
	}
}

type Entry struct {
	Name string
	Type EntryType
	// Size is only meaningful for files.
	Size int64
}

// Filesystem is a mounted image as seen by the extractor.
type Filesystem interface {
	OpenDir(path string) (Dir, error)
	OpenFile(path string) (File, error)
}

// Dir iterates over the entries of one directory in the order the driver
// stores them. Read returns io.EOF after the last entry.
type Dir interface {
	Read() (Entry, error)
	Close() error
}

// File is a regular file opened read-only. Read returns io.EOF at the end of
// the file.
type File interface {
	io.Reader
	io.Closer
}

// Keyed is implemented by directories that can report a stable identity.
// Two open directories with the same key are the same directory on disk.
type Keyed interface {
	Key() uint64
}
