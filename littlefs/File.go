package littlefs

import (
	"encoding/binary"
	"io"
	"math/bits"
	"os"

	"github.com/jonas-koeritz/lfsdump"
	"golang.org/x/xerrors"
)

// File is a regular file opened read-only. Small files are stored inline in
// their directory's metadata, larger ones in a CTZ skip-list of blocks.
type File struct {
	fs     *FS
	path   string
	inline bool
	data   []byte
	head   uint32
	size   uint32
	pos    uint32
	closed bool
}

var _ lfsdump.File = (*File)(nil)
var _ io.ReaderAt = (*File)(nil)

func (l *FS) OpenFile(path string) (lfsdump.File, error) {
	f, err := l.openFile(path)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (l *FS) openFile(path string) (*File, error) {
	n, err := l.find(path)
	if err != nil {
		return nil, err
	}
	if n.typ != typeReg {
		return nil, xerrors.Errorf("%s: %w", path, ErrIsDir)
	}

	f := &File{fs: l, path: path}
	switch n.stype {
	case typeInlineStruct:
		f.inline = true
		f.data = n.data
		f.size = uint32(len(n.data))
	case typeCtzStruct:
		f.head = n.ctz.Head
		f.size = n.ctz.Size
	default:
		return nil, xerrors.Errorf("file %s without struct: %w", path, ErrCorrupt)
	}
	return f, nil
}

func (f *File) Size() int64 {
	return int64(f.size)
}

func (f *File) Read(p []byte) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if f.pos >= f.size {
		return 0, io.EOF
	}
	n, err := f.readAt(p, f.pos)
	f.pos += uint32(n)
	return n, err
}

func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if f.closed {
		return 0, os.ErrClosed
	}
	if off < 0 {
		return 0, xerrors.Errorf("negative offset %d: %w", off, ErrInval)
	}
	if off >= int64(f.size) {
		return 0, io.EOF
	}
	n, err := f.readAt(p, uint32(off))
	if err == nil && n < len(p) {
		err = io.EOF
	}
	return n, err
}

func (f *File) Close() error {
	f.closed = true
	return nil
}

func (f *File) readAt(p []byte, pos uint32) (int, error) {
	if f.inline {
		return copy(p, f.data[pos:]), nil
	}

	bs := f.fs.cfg.BlockSize
	n := 0
	for n < len(p) && pos < f.size {
		block, off, err := f.fs.ctzFind(f.head, f.size, pos)
		if err != nil {
			return n, xerrors.Errorf("failed to read %s: %w", f.path, err)
		}

		diff := uint32(len(p) - n)
		if bs-off < diff {
			diff = bs - off
		}
		if f.size-pos < diff {
			diff = f.size - pos
		}

		if err := f.fs.read(block, off, p[n:n+int(diff)]); err != nil {
			return n, xerrors.Errorf("failed to read %s: %w", f.path, err)
		}
		n += int(diff)
		pos += diff
	}
	return n, nil
}

// ctzIndex maps a file position to the index of the block holding it and
// the offset of the position within that block. Block i starts with
// ctz(i)+1 pointers to earlier blocks, block 0 with none.
func (l *FS) ctzIndex(pos uint32) (uint32, uint32) {
	b := l.cfg.BlockSize - 2*4
	i := pos / b
	if i == 0 {
		return 0, pos
	}
	i = (pos - 4*(uint32(bits.OnesCount32(i-1))+2)) / b
	return i, pos - b*i - 4*uint32(bits.OnesCount32(i))
}

// ctzFind follows the skip-list from head, the last block of a file of the
// given size, to the block holding pos.
func (l *FS) ctzFind(head, size, pos uint32) (uint32, uint32, error) {
	current, _ := l.ctzIndex(size - 1)
	target, off := l.ctzIndex(pos)

	buf := make([]byte, 4)
	for current > target {
		skip := uint32(bits.Len32(current-target)) - 1
		if tz := uint32(bits.TrailingZeros32(current)); tz < skip {
			skip = tz
		}

		if err := l.read(head, 4*skip, buf); err != nil {
			return 0, 0, err
		}
		head = binary.LittleEndian.Uint32(buf)
		current -= 1 << skip
	}
	return head, off, nil
}
