package littlefs

import (
	"io"
	"os"

	"github.com/jonas-koeritz/lfsdump"
	"golang.org/x/xerrors"
)

// entryIter walks the stored entries of one directory, across every block
// the directory is split over. next returns io.EOF after the last one.
type entryIter interface {
	next() (node, error)
}

// Dir is an open directory. Like littlefs it reports "." and ".." before
// the stored entries.
type Dir struct {
	fs     *FS
	path   string
	head   [2]uint32
	it     entryIter
	pos    int
	closed bool
}

var _ lfsdump.Dir = (*Dir)(nil)
var _ lfsdump.Keyed = (*Dir)(nil)

func (l *FS) OpenDir(path string) (lfsdump.Dir, error) {
	d, err := l.openDir(path)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (l *FS) openDir(path string) (*Dir, error) {
	n, err := l.find(path)
	if err != nil {
		return nil, err
	}
	if n.typ != typeDir {
		return nil, xerrors.Errorf("%s: %w", path, ErrNotDir)
	}

	it, err := l.iter(path, n.pair)
	if err != nil {
		return nil, xerrors.Errorf("failed to open directory %s: %w", path, err)
	}

	return &Dir{
		fs:   l,
		path: path,
		head: n.pair,
		it:   it,
	}, nil
}

func (d *Dir) Read() (lfsdump.Entry, error) {
	if d.closed {
		return lfsdump.Entry{}, os.ErrClosed
	}

	if d.pos < 2 {
		name := "."
		if d.pos == 1 {
			name = ".."
		}
		d.pos++
		return lfsdump.Entry{Name: name, Type: lfsdump.TypeDir}, nil
	}

	n, err := d.it.next()
	if err == io.EOF {
		return lfsdump.Entry{}, io.EOF
	}
	if err != nil {
		return lfsdump.Entry{}, err
	}
	d.pos++
	return n.entry(), nil
}

// Key identifies the directory by its first metadata pair.
func (d *Dir) Key() uint64 {
	return pairKey(d.head)
}

func (d *Dir) Close() error {
	d.closed = true
	return nil
}
