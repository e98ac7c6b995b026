// Package lfstest builds littlefs v1 and v2 images in memory for tests.
package lfstest

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math/bits"
)

const (
	typeReg          = 0x001
	typeDir          = 0x002
	typeSuperblock   = 0x0ff
	typeDirStruct    = 0x200
	typeInlineStruct = 0x201
	typeCtzStruct    = 0x202
	typeCreate       = 0x401
	typeDelete       = 0x4ff
	typeCrc          = 0x500
	typeSoftTail     = 0x600
	typeHardTail     = 0x601
	typeMoveState    = 0x7ff

	// Version is the disk version written to the superblock by default.
	Version = 0x00020001
	// VersionV1 is the default for images built by NewV1.
	VersionV1 = 0x00010001

	typeRegV1        = 0x11
	typeDirV1        = 0x22
	typeSuperblockV1 = 0x2e
	movedV1          = 0x80
)

// Builder lays out a littlefs image. The zero value is not usable, use New
// or NewV1.
type Builder struct {
	BlockSize  uint32
	BlockCount uint32
	ProgSize   uint32

	// V1 writes the littlefs v1 format: one directory per block pair with a
	// whole-block CRC, and no inline files.
	V1 bool

	// Version overrides the superblock disk version.
	Version uint32
	// SuperblockBlockSize overrides the block size recorded in the superblock.
	SuperblockBlockSize uint32
	// InlineMax is the largest file stored inline, larger files get a CTZ list.
	InlineMax int
	// SplitEvery limits the number of entries per metadata pair, a directory
	// with more entries is split over a chain of pairs.
	SplitEvery int
	// EntryCommits writes every entry in its own commit using create tags, the
	// way a live filesystem appends to its log, instead of one compacted commit.
	// v2 only.
	EntryCommits bool
	// TornCommit appends a commit with a bad CRC to the root, as left behind by
	// a power loss. It adds an entry named "torn" that must not be visible. In
	// v1 the newer copy of the root gets the entry and the bad CRC.
	TornCommit bool

	root *Dir
	img  []byte
	next uint32
	dirs []*Dir
}

// Dir is a directory under construction.
type Dir struct {
	b       *Builder
	entries []*node
	mdirs   [][2]uint32
}

type node struct {
	name    string
	typ     uint16
	dir     *Dir
	data    []byte
	removed bool
	moved   bool
	// orig is the entry this one is a renamed copy of, sharing its storage
	orig *node

	ctz  bool
	head uint32
}

func New(blockSize, blockCount uint32) *Builder {
	b := &Builder{
		BlockSize:  blockSize,
		BlockCount: blockCount,
		ProgSize:   16,
		Version:    Version,
		InlineMax:  int(blockSize / 8),
	}
	b.root = &Dir{b: b}
	return b
}

// NewV1 returns a Builder for the littlefs v1 format.
func NewV1(blockSize, blockCount uint32) *Builder {
	b := New(blockSize, blockCount)
	b.V1 = true
	b.Version = VersionV1
	return b
}

func (b *Builder) Root() *Dir {
	return b.root
}

// Dir adds a subdirectory and returns it.
func (d *Dir) Dir(name string) *Dir {
	child := &Dir{b: d.b}
	d.entries = append(d.entries, &node{name: name, typ: typeDir, dir: child})
	return child
}

// File adds a regular file.
func (d *Dir) File(name string, data []byte) *Dir {
	d.entries = append(d.entries, &node{name: name, typ: typeReg, data: data})
	return d
}

// Entry adds an entry with an arbitrary name tag type and no content.
func (d *Dir) Entry(name string, typ uint16) *Dir {
	d.entries = append(d.entries, &node{name: name, typ: typ})
	return d
}

// Remove marks an entry as deleted. With EntryCommits the entry is written
// and then deleted in a later commit, otherwise it is left out.
func (d *Dir) Remove(name string) *Dir {
	d.lookup(name).removed = true
	return d
}

// MovePending marks the named entry as the source of an unfinished move, as
// if power was lost halfway through a rename. In v2 the move is recorded in
// the global state and the entry must disappear. In v1 the entry is only
// flagged, and stays visible as long as no copy exists elsewhere.
func (d *Dir) MovePending(name string) *Dir {
	d.lookup(name).moved = true
	return d
}

// RenamePending copies the named entry into to as newName and marks the
// original with MovePending, the state after the new entry was committed but
// before the old one was removed. Only the copy must be visible.
func (d *Dir) RenamePending(name string, to *Dir, newName string) *Dir {
	n := d.lookup(name)
	n.moved = true
	to.entries = append(to.entries, &node{name: newName, typ: n.typ, dir: n.dir, data: n.data, orig: n})
	return d
}

func (d *Dir) lookup(name string) *node {
	for _, n := range d.entries {
		if n.name == name && !n.removed {
			return n
		}
	}
	panic(fmt.Sprintf("lfstest: no entry %q", name))
}

// Build returns the image bytes.
func (b *Builder) Build() ([]byte, error) {
	b.img = make([]byte, int(b.BlockSize)*int(b.BlockCount))
	for i := range b.img {
		b.img[i] = 0xff
	}
	b.dirs = nil
	if b.V1 {
		return b.buildV1()
	}

	b.next = 2
	if err := b.layout(b.root, [2]uint32{0, 1}); err != nil {
		return nil, err
	}

	var move []byte
	for _, d := range b.dirs {
		for j, chunk := range d.chunks() {
			for id, n := range d.ids(j, chunk) {
				if n.moved {
					move = make([]byte, 12)
					binary.LittleEndian.PutUint32(move[0:], mkTag(typeDelete, uint16(id), 0))
					binary.LittleEndian.PutUint32(move[4:], d.mdirs[j][0])
					binary.LittleEndian.PutUint32(move[8:], d.mdirs[j][1])
				}
			}
		}
	}

	for k, d := range b.dirs {
		for j, chunk := range d.chunks() {
			var tail *rawTag
			switch {
			case j+1 < len(d.mdirs):
				tail = &rawTag{typ: typeHardTail, id: 0x3ff, data: pairBytes(d.mdirs[j+1])}
			case k+1 < len(b.dirs):
				tail = &rawTag{typ: typeSoftTail, id: 0x3ff, data: pairBytes(b.dirs[k+1].mdirs[0])}
			}

			first := d == b.root && j == 0
			commits := b.commits(chunk, first, tail)
			if first && move != nil {
				last := &commits[len(commits)-1]
				last.tags = append(last.tags, rawTag{typ: typeMoveState, id: 0x3ff, data: move})
			}
			if first && b.TornCommit {
				id := uint16(len(d.ids(j, chunk)) + 1)
				commits = append(commits, commit{tags: []rawTag{
					{typ: typeCreate, id: id},
					{typ: typeReg, id: id, data: []byte("torn")},
					{typ: typeInlineStruct, id: id, data: []byte("lost")},
				}, torn: true})
			}

			pair := d.mdirs[j]
			if err := b.writeBlock(pair[0], 2, commits); err != nil {
				return nil, err
			}
			if err := b.writeBlock(pair[1], 1, commits); err != nil {
				return nil, err
			}
		}
	}

	return b.img, nil
}

func (b *Builder) alloc() (uint32, error) {
	if b.next >= b.BlockCount {
		return 0, fmt.Errorf("lfstest: image full at %d blocks", b.BlockCount)
	}
	b.next++
	return b.next - 1, nil
}

func (b *Builder) allocPair() ([2]uint32, error) {
	x, err := b.alloc()
	if err != nil {
		return [2]uint32{}, err
	}
	y, err := b.alloc()
	if err != nil {
		return [2]uint32{}, err
	}
	return [2]uint32{x, y}, nil
}

func (b *Builder) layout(d *Dir, head [2]uint32) error {
	b.dirs = append(b.dirs, d)
	d.mdirs = [][2]uint32{head}
	for i := 1; i < len(d.chunks()); i++ {
		pair, err := b.allocPair()
		if err != nil {
			return err
		}
		d.mdirs = append(d.mdirs, pair)
	}

	for _, n := range d.entries {
		switch {
		case n.orig != nil:
		case n.typ == typeDir:
			pair, err := b.allocPair()
			if err != nil {
				return err
			}
			if err := b.layout(n.dir, pair); err != nil {
				return err
			}
		case n.typ == typeReg && len(n.data) > 0 && (b.V1 || len(n.data) > b.InlineMax):
			head, err := b.writeCTZ(n.data)
			if err != nil {
				return err
			}
			n.ctz = true
			n.head = head
		}
	}
	return nil
}

// writeCTZ stores data as a skip-list: block i starts with pointers to
// blocks i-1, i-2, i-4, ... up to 2^ctz(i) back.
func (b *Builder) writeCTZ(data []byte) (uint32, error) {
	var blocks []uint32
	pos := 0
	for i := uint32(0); pos < len(data); i++ {
		blk, err := b.alloc()
		if err != nil {
			return 0, err
		}

		base := int(blk) * int(b.BlockSize)
		off := 0
		if i > 0 {
			for k := 0; k <= bits.TrailingZeros32(i); k++ {
				binary.LittleEndian.PutUint32(b.img[base+off:], blocks[i-1<<k])
				off += 4
			}
		}
		pos += copy(b.img[base+off:base+int(b.BlockSize)], data[pos:])
		blocks = append(blocks, blk)
	}
	return blocks[len(blocks)-1], nil
}

func (d *Dir) chunks() [][]*node {
	per := d.b.SplitEvery
	if per <= 0 {
		return [][]*node{d.entries}
	}
	var out [][]*node
	for i := 0; i < len(d.entries); i += per {
		end := i + per
		if end > len(d.entries) {
			end = len(d.entries)
		}
		out = append(out, d.entries[i:end])
	}
	if len(out) == 0 {
		out = append(out, nil)
	}
	return out
}

// ids maps the final ids of chunk j to its entries.
func (d *Dir) ids(j int, chunk []*node) map[int]*node {
	ids := make(map[int]*node)
	id := 0
	if d == d.b.root && j == 0 {
		id = 1
	}
	for _, n := range chunk {
		if n.removed {
			continue
		}
		ids[id] = n
		id++
	}
	return ids
}

type rawTag struct {
	typ  uint16
	id   uint16
	data []byte
}

type commit struct {
	tags []rawTag
	torn bool
}

func (b *Builder) superblockTags() []rawTag {
	sb := make([]byte, 24)
	blockSize := b.BlockSize
	if b.SuperblockBlockSize != 0 {
		blockSize = b.SuperblockBlockSize
	}
	binary.LittleEndian.PutUint32(sb[0:], b.Version)
	binary.LittleEndian.PutUint32(sb[4:], blockSize)
	binary.LittleEndian.PutUint32(sb[8:], b.BlockCount)
	binary.LittleEndian.PutUint32(sb[12:], 255)
	binary.LittleEndian.PutUint32(sb[16:], 0x7fffffff)
	binary.LittleEndian.PutUint32(sb[20:], 1022)
	return []rawTag{
		{typ: typeSuperblock, id: 0, data: []byte("littlefs")},
		{typ: typeInlineStruct, id: 0, data: sb},
	}
}

// source is the entry that owns n's storage.
func (n *node) source() *node {
	if n.orig != nil {
		return n.orig
	}
	return n
}

func (n *node) ctzBytes() []byte {
	src := n.source()
	head := uint32(0xffffffff)
	if src.ctz {
		head = src.head
	}
	s := make([]byte, 8)
	binary.LittleEndian.PutUint32(s[0:], head)
	binary.LittleEndian.PutUint32(s[4:], uint32(len(src.data)))
	return s
}

func (b *Builder) entryTags(n *node, id uint16) []rawTag {
	src := n.source()
	tags := []rawTag{{typ: n.typ, id: id, data: []byte(n.name)}}
	switch {
	case n.typ == typeDir:
		tags = append(tags, rawTag{typ: typeDirStruct, id: id, data: pairBytes(src.dir.mdirs[0])})
	case n.typ == typeReg && src.ctz:
		tags = append(tags, rawTag{typ: typeCtzStruct, id: id, data: n.ctzBytes()})
	case n.typ == typeReg:
		tags = append(tags, rawTag{typ: typeInlineStruct, id: id, data: src.data})
	}
	return tags
}

func (b *Builder) commits(chunk []*node, first bool, tail *rawTag) []commit {
	var head []rawTag
	base := 0
	if first {
		head = b.superblockTags()
		base = 1
	}

	if !b.EntryCommits {
		c := commit{tags: head}
		id := base
		for _, n := range chunk {
			if n.removed {
				continue
			}
			c.tags = append(c.tags, b.entryTags(n, uint16(id))...)
			id++
		}
		if tail != nil {
			c.tags = append(c.tags, *tail)
		}
		return []commit{c}
	}

	commits := []commit{{tags: head}}
	for i, n := range chunk {
		id := uint16(base + i)
		tags := append([]rawTag{{typ: typeCreate, id: id}}, b.entryTags(n, id)...)
		commits = append(commits, commit{tags: tags})
	}

	var last commit
	for i := len(chunk) - 1; i >= 0; i-- {
		if chunk[i].removed {
			last.tags = append(last.tags, rawTag{typ: typeDelete, id: uint16(base + i)})
		}
	}
	if tail != nil {
		last.tags = append(last.tags, *tail)
	}
	return append(commits, last)
}

func (b *Builder) writeBlock(block, rev uint32, commits []commit) error {
	buf := b.img[int(block)*int(b.BlockSize) : int(block+1)*int(b.BlockSize)]
	binary.LittleEndian.PutUint32(buf, rev)

	c := crc(0xffffffff, buf[0:4])
	ptag := uint32(0xffffffff)
	off := 4

	put := func(t uint32, data []byte) error {
		if off+4+len(data) > len(buf) {
			return fmt.Errorf("lfstest: metadata block %d overflows", block)
		}
		binary.BigEndian.PutUint32(buf[off:], t^ptag)
		c = crc(c, buf[off:off+4])
		copy(buf[off+4:], data)
		c = crc(c, data)
		off += 4 + len(data)
		ptag = t
		return nil
	}

	for _, cm := range commits {
		for _, t := range cm.tags {
			if err := put(mkTag(t.typ, t.id, uint32(len(t.data))), t.data); err != nil {
				return err
			}
		}

		prog := int(b.ProgSize)
		noff := (off + 8 + prog - 1) / prog * prog
		if noff > len(buf) {
			return fmt.Errorf("lfstest: metadata block %d overflows", block)
		}
		t := mkTag(typeCrc, 0x3ff, uint32(noff-off-4))
		binary.BigEndian.PutUint32(buf[off:], t^ptag)
		c = crc(c, buf[off:off+4])
		if cm.torn {
			c ^= 1
		}
		binary.LittleEndian.PutUint32(buf[off+4:], c)
		off = noff
		ptag = t
		c = 0xffffffff
	}
	return nil
}

func mkTag(typ uint16, id uint16, size uint32) uint32 {
	return uint32(typ)<<20 | uint32(id)<<10 | size
}

func crc(c uint32, p []byte) uint32 {
	return ^crc32.Update(^c, crc32.IEEETable, p)
}

func pairBytes(p [2]uint32) []byte {
	out := make([]byte, 8)
	binary.LittleEndian.PutUint32(out[0:], p[0])
	binary.LittleEndian.PutUint32(out[4:], p[1])
	return out
}

// buildV1 writes the superblock to pair {0, 1} and the root to {2, 3}. Every
// directory is threaded onto one list through the tails, a split directory
// sets the continuation bit on all but its last block.
func (b *Builder) buildV1() ([]byte, error) {
	b.next = 4
	if err := b.layout(b.root, [2]uint32{2, 3}); err != nil {
		return nil, err
	}

	sb := b.superblockV1()
	for i, rev := range []uint32{2, 1} {
		if err := b.writeDirV1(uint32(i), rev, b.root.mdirs[0], false, sb, false); err != nil {
			return nil, err
		}
	}

	for k, d := range b.dirs {
		for j, chunk := range d.chunks() {
			tail := [2]uint32{0xffffffff, 0xffffffff}
			continued := false
			switch {
			case j+1 < len(d.mdirs):
				tail = d.mdirs[j+1]
				continued = true
			case k+1 < len(b.dirs):
				tail = b.dirs[k+1].mdirs[0]
			}

			var entries []byte
			for _, n := range chunk {
				if !n.removed {
					entries = append(entries, n.entryV1()...)
				}
			}

			pair := d.mdirs[j]
			if d == b.root && j == 0 && b.TornCommit {
				torn := (&node{name: "torn", typ: typeReg, data: []byte("lost")}).entryV1()
				if err := b.writeDirV1(pair[0], 2, tail, continued, append(append([]byte{}, entries...), torn...), true); err != nil {
					return nil, err
				}
			} else if err := b.writeDirV1(pair[0], 2, tail, continued, entries, false); err != nil {
				return nil, err
			}
			if err := b.writeDirV1(pair[1], 1, tail, continued, entries, false); err != nil {
				return nil, err
			}
		}
	}

	return b.img, nil
}

func (b *Builder) superblockV1() []byte {
	blockSize := b.BlockSize
	if b.SuperblockBlockSize != 0 {
		blockSize = b.SuperblockBlockSize
	}
	e := make([]byte, 24, 32)
	e[0], e[1], e[2], e[3] = typeSuperblockV1, 20, 0, 8
	copy(e[4:], pairBytes(b.root.mdirs[0]))
	binary.LittleEndian.PutUint32(e[12:], blockSize)
	binary.LittleEndian.PutUint32(e[16:], b.BlockCount)
	binary.LittleEndian.PutUint32(e[20:], b.Version)
	return append(e, "littlefs"...)
}

// entryV1 encodes n as type, elen, alen, nlen, then the 8 bytes of entry
// data and the name. Entries of other kinds keep the low byte of their type.
func (n *node) entryV1() []byte {
	src := n.source()
	typ := byte(n.typ)
	data := make([]byte, 8)
	switch n.typ {
	case typeDir:
		typ = typeDirV1
		data = pairBytes(src.dir.mdirs[0])
	case typeReg:
		typ = typeRegV1
		data = n.ctzBytes()
	}
	if n.moved {
		typ |= movedV1
	}

	e := []byte{typ, 8, 0, byte(len(n.name))}
	e = append(e, data...)
	return append(e, n.name...)
}

func (b *Builder) writeDirV1(block, rev uint32, tail [2]uint32, continued bool, entries []byte, torn bool) error {
	size := 16 + len(entries) + 4
	if size > int(b.BlockSize) {
		return fmt.Errorf("lfstest: directory block %d overflows", block)
	}
	buf := b.img[int(block)*int(b.BlockSize) : int(block+1)*int(b.BlockSize)]

	sizeField := uint32(size)
	if continued {
		sizeField |= 0x80000000
	}
	binary.LittleEndian.PutUint32(buf[0:], rev)
	binary.LittleEndian.PutUint32(buf[4:], sizeField)
	copy(buf[8:], pairBytes(tail))
	copy(buf[16:], entries)

	c := crc(0xffffffff, buf[:size-4])
	if torn {
		c ^= 1
	}
	binary.LittleEndian.PutUint32(buf[size-4:], c)
	return nil
}
