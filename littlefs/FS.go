// Package littlefs reads littlefs images through a lfsdump.BlockDevice. Both
// on-disk formats are understood: v1 and v2, picked by the superblock found
// in the first metadata pair. It never writes to the device.
package littlefs

import (
	"fmt"
	"io"
	"strings"

	"github.com/jonas-koeritz/lfsdump"
	"golang.org/x/xerrors"
)

const (
	diskVersionMajor = 2
	diskVersionMinor = 1

	nameMax      = 255
	minBlockSize = 128
)

// FS is a mounted image. It owns the image for as long as it is in use.
type FS struct {
	img  *lfsdump.Image
	dev  lfsdump.BlockDevice
	cfg  lfsdump.Config
	root [2]uint32
	sb   superblock
	v1   bool

	// gdisk is the global state, the xor of every metadata pair's delta
	gdisk gstate
}

var _ lfsdump.Filesystem = (*FS)(nil)

// Info describes the superblock of a mounted image.
type Info struct {
	Version    uint32
	BlockSize  uint32
	BlockCount uint32
	NameMax    uint32
	FileMax    uint32
	AttrMax    uint32
}

func (i Info) VersionString() string {
	return fmt.Sprintf("%d.%d", i.Version>>16, i.Version&0xffff)
}

// Mount checks the configuration of img, locates the superblock and
// collects the global state. Failures are reported as a lfsdump.ImageError
// of kind MountFailed wrapping an Error code.
func Mount(img *lfsdump.Image) (*FS, error) {
	l := &FS{
		img:  img,
		dev:  img.Device,
		cfg:  img.Config,
		root: [2]uint32{0, 1},
	}

	if err := l.checkConfig(); err != nil {
		return nil, &lfsdump.ImageError{Kind: lfsdump.MountFailed, Path: img.Path, Err: err}
	}
	if err := l.mount(); err != nil {
		return nil, &lfsdump.ImageError{Kind: lfsdump.MountFailed, Path: img.Path, Err: err}
	}
	return l, nil
}

func (l *FS) checkConfig() error {
	c := l.cfg
	switch {
	case c.BlockSize < minBlockSize:
		return xerrors.Errorf("block size %d below %d: %w", c.BlockSize, minBlockSize, ErrInval)
	case c.ReadSize == 0 || c.BlockSize%c.ReadSize != 0:
		return xerrors.Errorf("block size %d not a multiple of read size %d: %w", c.BlockSize, c.ReadSize, ErrInval)
	case c.ProgSize == 0 || c.BlockSize%c.ProgSize != 0:
		return xerrors.Errorf("block size %d not a multiple of prog size %d: %w", c.BlockSize, c.ProgSize, ErrInval)
	case c.Lookahead == 0 || c.Lookahead%8 != 0:
		return xerrors.Errorf("lookahead %d not a multiple of 8: %w", c.Lookahead, ErrInval)
	case c.BlockCount < 2:
		return xerrors.Errorf("%d blocks cannot hold a superblock: %w", c.BlockCount, ErrCorrupt)
	}
	return nil
}

// mount tries the v2 format first. A pair {0, 1} that does not hold a v2
// superblock may still be a v1 filesystem.
func (l *FS) mount() error {
	err := l.mountV2()
	if err == nil {
		return nil
	}
	if sb, ok := l.findSuperblockV1(); ok {
		return l.mountV1(sb)
	}
	return err
}

func (l *FS) mountV2() error {
	seen := make(map[uint64]bool)
	found := false
	tail := [2]uint32{0, 1}

	for !pairIsNull(tail) {
		if seen[pairKey(tail)] {
			return xerrors.Errorf("cycle in metadata list at {%#x, %#x}: %w", tail[0], tail[1], ErrCorrupt)
		}
		seen[pairKey(tail)] = true

		m, err := l.fetch(tail)
		if err != nil {
			return xerrors.Errorf("failed to fetch metadata pair: %w", err)
		}

		if !found {
			ok, err := l.loadSuperblock(m)
			if err != nil {
				return err
			}
			if ok {
				found = true
				l.root = tail
			}
		}

		l.gdisk.xor(m.gdelta)
		tail = m.tail
	}

	if !found {
		return xerrors.Errorf("no superblock: %w", ErrCorrupt)
	}
	return nil
}

func (l *FS) loadSuperblock(m *mdir) (bool, error) {
	for _, e := range m.entries {
		if !e.named || e.typ != typeSuperblock || string(e.name) != "littlefs" {
			continue
		}
		if e.stype != typeInlineStruct {
			return false, xerrors.Errorf("superblock without inline struct: %w", ErrCorrupt)
		}

		var sb superblock
		if err := unpack(e.sdata, &sb); err != nil {
			return false, err
		}

		major, minor := sb.Version>>16, sb.Version&0xffff
		if major != diskVersionMajor || minor > diskVersionMinor {
			return false, xerrors.Errorf("unsupported disk version %d.%d: %w", major, minor, ErrInval)
		}
		if sb.BlockSize != l.cfg.BlockSize {
			return false, xerrors.Errorf("superblock block size %d does not match %d: %w", sb.BlockSize, l.cfg.BlockSize, ErrInval)
		}
		if sb.BlockCount != l.cfg.BlockCount {
			return false, xerrors.Errorf("superblock block count %d does not match %d: %w", sb.BlockCount, l.cfg.BlockCount, ErrInval)
		}
		if sb.NameMax > nameMax {
			return false, xerrors.Errorf("name max %d above %d: %w", sb.NameMax, nameMax, ErrInval)
		}

		l.sb = sb
		return true, nil
	}
	return false, nil
}

// read is the only path to the device. Every address coming from the image
// is checked here before the device sees it.
func (l *FS) read(block, off uint32, buf []byte) error {
	if block >= l.cfg.BlockCount || uint64(off)+uint64(len(buf)) > uint64(l.cfg.BlockSize) {
		return xerrors.Errorf("read of %d bytes at block %#x offset %d out of range: %w", len(buf), block, off, ErrCorrupt)
	}
	if err := l.dev.Read(block, off, buf); err != nil {
		return xerrors.Errorf("failed to read block %#x: %v: %w", block, err, ErrIO)
	}
	return nil
}

// entries returns the entries of m with a pending move applied.
func (l *FS) entries(m *mdir) []entry {
	if !l.gdisk.hasMove() || !pairEqual(l.gdisk.Pair, m.pair) {
		return m.entries
	}
	id := int(l.gdisk.moveID())
	if id >= len(m.entries) {
		return m.entries
	}
	out := make([]entry, 0, len(m.entries)-1)
	out = append(out, m.entries[:id]...)
	return append(out, m.entries[id+1:]...)
}

// visible reports whether an entry shows up in directory listings. The
// superblock is stored as an entry of the root but is not part of it.
func (e entry) visible() bool {
	return e.named && e.typ&0x780 == 0
}

// node is a resolved path.
type node struct {
	name  string
	typ   uint16
	pair  [2]uint32
	stype uint16
	data  []byte
	ctz   ctzStruct
}

func (n node) size() uint32 {
	switch n.stype {
	case typeInlineStruct:
		return uint32(len(n.data))
	case typeCtzStruct:
		return n.ctz.Size
	}
	return 0
}

func (n node) entry() lfsdump.Entry {
	e := lfsdump.Entry{Name: n.name, Type: lfsdump.EntryType(n.typ)}
	if n.typ == typeReg {
		e.Size = int64(n.size())
	}
	return e
}

func nodeFromEntry(e entry) (node, error) {
	n := node{name: string(e.name), typ: e.typ, stype: e.stype}

	switch e.stype {
	case typeDirStruct:
		var p pairStruct
		if err := unpack(e.sdata, &p); err != nil {
			return node{}, err
		}
		n.pair = p.Blocks
	case typeInlineStruct:
		n.data = e.sdata
	case typeCtzStruct:
		if err := unpack(e.sdata, &n.ctz); err != nil {
			return node{}, err
		}
	}

	if n.typ == typeDir && n.stype != typeDirStruct {
		return node{}, xerrors.Errorf("directory %q without directory struct: %w", n.name, ErrCorrupt)
	}
	return n, nil
}

func (l *FS) rootNode() node {
	return node{name: "/", typ: typeDir, pair: l.root, stype: typeDirStruct}
}

// find resolves path, starting at the root. Empty components and "." are
// ignored, ".." goes up one level.
func (l *FS) find(path string) (node, error) {
	stack := []node{l.rootNode()}

	for _, name := range strings.Split(path, "/") {
		switch name {
		case "", ".":
			continue
		case "..":
			if len(stack) > 1 {
				stack = stack[:len(stack)-1]
			}
			continue
		}

		cur := stack[len(stack)-1]
		if cur.typ != typeDir {
			return node{}, xerrors.Errorf("%s: %w", path, ErrNotDir)
		}
		if len(name) > nameMax {
			return node{}, xerrors.Errorf("%s: %w", path, ErrNameTooLong)
		}

		next, err := l.lookup(path, cur.pair, name)
		if err != nil {
			return node{}, xerrors.Errorf("%s: %w", path, err)
		}
		stack = append(stack, next)
	}

	return stack[len(stack)-1], nil
}

// iter opens the entries of the directory stored at pair.
func (l *FS) iter(path string, pair [2]uint32) (entryIter, error) {
	if l.v1 {
		d, err := l.fetchV1(pair)
		if err != nil {
			return nil, err
		}
		it, err := newDirIterV1(l, path, d)
		if err != nil {
			return nil, err
		}
		return it, nil
	}

	m, err := l.fetch(pair)
	if err != nil {
		return nil, err
	}
	return &mdirIter{
		l:       l,
		path:    path,
		m:       m,
		entries: l.entries(m),
		seen:    map[uint64]bool{pairKey(pair): true},
	}, nil
}

// lookup searches the directory stored at pair for name while resolving
// path.
func (l *FS) lookup(path string, pair [2]uint32, name string) (node, error) {
	it, err := l.iter(path, pair)
	if err != nil {
		return node{}, err
	}
	for {
		n, err := it.next()
		if err == io.EOF {
			return node{}, ErrNoEnt
		}
		if err != nil {
			return node{}, err
		}
		if n.name == name {
			return n, nil
		}
	}
}

// Stat returns the entry at path. The root is reported as a directory
// named "/".
func (l *FS) Stat(path string) (lfsdump.Entry, error) {
	n, err := l.find(path)
	if err != nil {
		return lfsdump.Entry{}, err
	}
	return n.entry(), nil
}

func (l *FS) Info() Info {
	return Info{
		Version:    l.sb.Version,
		BlockSize:  l.sb.BlockSize,
		BlockCount: l.sb.BlockCount,
		NameMax:    l.sb.NameMax,
		FileMax:    l.sb.FileMax,
		AttrMax:    l.sb.AttrMax,
	}
}

// Image returns the image the filesystem is mounted on.
func (l *FS) Image() *lfsdump.Image {
	return l.img
}
