package littlefs

import (
	"bytes"
	"io"

	"golang.org/x/xerrors"
)

// littlefs v1 stores a directory as a pair of blocks, each holding a full
// copy: a header, packed entries and a CRC over both.
const (
	diskVersionMajorV1 = 1
	diskVersionMinorV1 = 1

	typeRegV1        = 0x11
	typeDirV1        = 0x22
	typeSuperblockV1 = 0x2e
	movedV1          = 0x80

	dirHeaderSizeV1   = 16
	entryHeaderSizeV1 = 12
	superblockSizeV1  = 32

	// continuedV1 in the size field means the directory goes on in tail
	continuedV1 = 0x80000000
)

type dirHeaderV1 struct {
	Rev  uint32
	Size uint32
	Tail [2]uint32
}

// entryHeaderV1 is the fixed part of an entry. U is a file's {head, size}
// or a directory's pair.
type entryHeaderV1 struct {
	Type uint8
	Elen uint8
	Alen uint8
	Nlen uint8
	U    [2]uint32
}

type superblockV1 struct {
	Type       uint8
	Elen       uint8
	Alen       uint8
	Nlen       uint8
	Root       [2]uint32
	BlockSize  uint32
	BlockCount uint32
	Version    uint32
	Magic      [8]byte
}

type entryV1 struct {
	typ  uint8
	u    [2]uint32
	name []byte
}

// dirV1 is a fetched v1 directory block.
type dirV1 struct {
	pair      [2]uint32 // pair[0] is the block the state was read from
	rev       uint32
	size      uint32
	continued bool
	tail      [2]uint32
	buf       []byte
}

// fetchV1 reads both blocks of pair and keeps the newest one whose CRC
// matches.
func (l *FS) fetchV1(pair [2]uint32) (*dirV1, error) {
	for _, b := range pair {
		if b >= l.cfg.BlockCount {
			return nil, xerrors.Errorf("directory pair {%#x, %#x} out of range: %w", pair[0], pair[1], ErrCorrupt)
		}
	}

	var d *dirV1
	for i := 0; i < 2; i++ {
		buf := make([]byte, l.cfg.BlockSize)
		if err := l.read(pair[i], 0, buf); err != nil {
			return nil, err
		}

		var h dirHeaderV1
		if err := unpack(buf, &h); err != nil {
			return nil, err
		}
		if d != nil && seqCmp(h.Rev, d.rev) < 0 {
			continue
		}

		size := h.Size &^ continuedV1
		if size < dirHeaderSizeV1+4 || size > l.cfg.BlockSize {
			continue
		}
		// the stored CRC is part of the checked range, leaving a zero residue
		if crc(0xffffffff, buf[:size]) != 0 {
			continue
		}

		d = &dirV1{
			pair:      [2]uint32{pair[i], pair[(i+1)%2]},
			rev:       h.Rev,
			size:      size,
			continued: h.Size&continuedV1 != 0,
			tail:      h.Tail,
			buf:       buf,
		}
	}

	if d == nil {
		return nil, xerrors.Errorf("no valid copy of directory pair {%#x, %#x}: %w", pair[0], pair[1], ErrCorrupt)
	}
	return d, nil
}

func (d *dirV1) entries() ([]entryV1, error) {
	var out []entryV1
	end := d.size - 4

	for off := uint32(dirHeaderSizeV1); off+entryHeaderSizeV1 <= end; {
		var h entryHeaderV1
		if err := unpack(d.buf[off:], &h); err != nil {
			return nil, err
		}

		nameOff := off + 4 + uint32(h.Elen) + uint32(h.Alen)
		next := nameOff + uint32(h.Nlen)
		if next > end {
			return nil, xerrors.Errorf("entry at %d of block %#x overruns directory: %w", off, d.pair[0], ErrCorrupt)
		}

		out = append(out, entryV1{typ: h.Type, u: h.U, name: d.buf[nameOff:next]})
		off = next
	}
	return out, nil
}

// findSuperblockV1 looks for a v1 superblock in pair {0, 1}.
func (l *FS) findSuperblockV1() (superblockV1, bool) {
	var sb superblockV1

	d, err := l.fetchV1([2]uint32{0, 1})
	if err != nil || d.size < dirHeaderSizeV1+superblockSizeV1+4 {
		return sb, false
	}
	if err := unpack(d.buf[dirHeaderSizeV1:], &sb); err != nil {
		return sb, false
	}
	if sb.Type != typeSuperblockV1 || !bytes.Equal(sb.Magic[:], []byte("littlefs")) {
		return sb, false
	}
	return sb, true
}

func (l *FS) mountV1(sb superblockV1) error {
	major, minor := sb.Version>>16, sb.Version&0xffff
	if major != diskVersionMajorV1 || minor > diskVersionMinorV1 {
		return xerrors.Errorf("unsupported disk version %d.%d: %w", major, minor, ErrInval)
	}
	if sb.BlockSize != l.cfg.BlockSize {
		return xerrors.Errorf("superblock block size %d does not match %d: %w", sb.BlockSize, l.cfg.BlockSize, ErrInval)
	}
	if sb.BlockCount != l.cfg.BlockCount {
		return xerrors.Errorf("superblock block count %d does not match %d: %w", sb.BlockCount, l.cfg.BlockCount, ErrInval)
	}

	l.v1 = true
	l.gdisk = gstate{}
	l.root = sb.Root
	l.sb = superblock{
		Version:    sb.Version,
		BlockSize:  sb.BlockSize,
		BlockCount: sb.BlockCount,
		NameMax:    nameMax,
	}

	if _, err := l.fetchV1(l.root); err != nil {
		return xerrors.Errorf("failed to fetch root directory: %w", err)
	}
	return nil
}

// movedAwayV1 reports whether an entry flagged as moved already exists at its
// destination, in which case the flagged copy is stale. Every directory is
// on the list starting at the superblock's tail.
func (l *FS) movedAwayV1(u [2]uint32) (bool, error) {
	sb, err := l.fetchV1([2]uint32{0, 1})
	if err != nil {
		return false, err
	}

	seen := make(map[uint64]bool)
	for tail := sb.tail; !pairIsNull(tail); {
		if seen[pairKey(tail)] {
			return false, xerrors.Errorf("cycle in directory list at {%#x, %#x}: %w", tail[0], tail[1], ErrCorrupt)
		}
		seen[pairKey(tail)] = true

		d, err := l.fetchV1(tail)
		if err != nil {
			return false, err
		}
		entries, err := d.entries()
		if err != nil {
			return false, err
		}
		for _, e := range entries {
			if e.typ&movedV1 == 0 && e.u == u {
				return true, nil
			}
		}
		tail = d.tail
	}
	return false, nil
}

// dirIterV1 yields the files and directories of a v1 directory, following
// continued blocks through their tails.
type dirIterV1 struct {
	l       *FS
	path    string
	d       *dirV1
	entries []entryV1
	i       int
	seen    map[uint64]bool
}

func newDirIterV1(l *FS, path string, d *dirV1) (*dirIterV1, error) {
	entries, err := d.entries()
	if err != nil {
		return nil, err
	}
	return &dirIterV1{
		l:       l,
		path:    path,
		d:       d,
		entries: entries,
		seen:    map[uint64]bool{pairKey(d.pair): true},
	}, nil
}

func (it *dirIterV1) next() (node, error) {
	for {
		if it.i == len(it.entries) {
			if !it.d.continued {
				return node{}, io.EOF
			}

			tail := it.d.tail
			if it.seen[pairKey(tail)] {
				return node{}, xerrors.Errorf("cycle in directory %s at {%#x, %#x}: %w", it.path, tail[0], tail[1], ErrCorrupt)
			}
			it.seen[pairKey(tail)] = true

			d, err := it.l.fetchV1(tail)
			if err != nil {
				return node{}, xerrors.Errorf("failed to read directory %s: %w", it.path, err)
			}
			entries, err := d.entries()
			if err != nil {
				return node{}, xerrors.Errorf("failed to read directory %s: %w", it.path, err)
			}
			it.d = d
			it.entries = entries
			it.i = 0
			continue
		}

		e := it.entries[it.i]
		it.i++

		typ := e.typ &^ movedV1
		if typ != typeRegV1 && typ != typeDirV1 {
			continue
		}
		if e.typ&movedV1 != 0 {
			moved, err := it.l.movedAwayV1(e.u)
			if err != nil {
				return node{}, err
			}
			if moved {
				continue
			}
		}
		return nodeFromEntryV1(typ, e), nil
	}
}

// nodeFromEntryV1 maps a v1 entry onto the v2 types the rest of the package
// works with. v1 has no inline files.
func nodeFromEntryV1(typ uint8, e entryV1) node {
	if typ == typeDirV1 {
		return node{name: string(e.name), typ: typeDir, pair: e.u, stype: typeDirStruct}
	}
	return node{
		name:  string(e.name),
		typ:   typeReg,
		stype: typeCtzStruct,
		ctz:   ctzStruct{Head: e.u[0], Size: e.u[1]},
	}
}
