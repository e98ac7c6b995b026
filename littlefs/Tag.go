package littlefs

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/go-restruct/restruct"
	"golang.org/x/xerrors"
)

// Tag types, 11 bits: a 3 bit major type followed by an 8 bit chunk.
const (
	typeName         = 0x000
	typeReg          = 0x001
	typeDir          = 0x002
	typeSuperblock   = 0x0ff
	typeStruct       = 0x200
	typeDirStruct    = 0x200
	typeInlineStruct = 0x201
	typeCtzStruct    = 0x202
	typeSplice       = 0x400
	typeCreate       = 0x401
	typeDelete       = 0x4ff
	typeCrc          = 0x500
	typeFcrc         = 0x5ff
	typeTail         = 0x600
	typeSoftTail     = 0x600
	typeHardTail     = 0x601
	typeGlobals      = 0x700
	typeMoveState    = 0x7ff
)

const blockNull = 0xffffffff

// tag is a decoded metadata tag:
//
//	[1 invalid][11 type][10 id][10 size]
type tag uint32

func mkTag(typ uint16, id uint16, size uint32) tag {
	return tag(uint32(typ)<<20 | uint32(id)<<10 | size)
}

func (t tag) valid() bool {
	return t&0x80000000 == 0
}

func (t tag) isDelete() bool {
	return int32(t<<22)>>22 == -1
}

func (t tag) type1() uint16 {
	return uint16((t & 0x70000000) >> 20)
}

func (t tag) type3() uint16 {
	return uint16((t & 0x7ff00000) >> 20)
}

func (t tag) chunk() uint8 {
	return uint8((t & 0x0ff00000) >> 20)
}

func (t tag) splice() int8 {
	return int8(t.chunk())
}

func (t tag) id() uint16 {
	return uint16((t & 0x000ffc00) >> 10)
}

func (t tag) size() uint32 {
	return uint32(t & 0x3ff)
}

// dsize is the number of bytes the tag and its data occupy on disk.
func (t tag) dsize() uint32 {
	if t.isDelete() {
		return 4
	}
	return 4 + t.size()
}

// crc is the CRC-32 variant littlefs uses: reflected 0x04c11db7, no final xor.
func crc(c uint32, p []byte) uint32 {
	return ^crc32.Update(^c, crc32.IEEETable, p)
}

// seqCmp compares revision counts that may have wrapped around.
func seqCmp(a, b uint32) int32 {
	return int32(a - b)
}

type superblock struct {
	Version    uint32
	BlockSize  uint32
	BlockCount uint32
	NameMax    uint32
	FileMax    uint32
	AttrMax    uint32
}

type ctzStruct struct {
	Head uint32
	Size uint32
}

type pairStruct struct {
	Blocks [2]uint32
}

type gstate struct {
	Tag  uint32
	Pair [2]uint32
}

func (g *gstate) xor(o gstate) {
	g.Tag ^= o.Tag
	g.Pair[0] ^= o.Pair[0]
	g.Pair[1] ^= o.Pair[1]
}

func (g gstate) hasMove() bool {
	return tag(g.Tag).type1() != 0
}

func (g gstate) moveID() uint16 {
	return tag(g.Tag).id()
}

// unpack decodes a little endian on-disk struct. Short data is zero padded,
// the way littlefs reads attributes written by older versions.
func unpack(data []byte, v interface{}) error {
	size := binary.Size(v)
	if len(data) < size {
		padded := make([]byte, size)
		copy(padded, data)
		data = padded
	}
	if err := restruct.Unpack(data[:size], binary.LittleEndian, v); err != nil {
		return xerrors.Errorf("failed to decode %T: %v: %w", v, err, ErrCorrupt)
	}
	return nil
}

func pairIsNull(p [2]uint32) bool {
	return p[0] == blockNull || p[1] == blockNull
}

func pairEqual(a, b [2]uint32) bool {
	return (a[0] == b[0] && a[1] == b[1]) || (a[0] == b[1] && a[1] == b[0])
}

// pairKey identifies a metadata pair regardless of which block is active.
func pairKey(p [2]uint32) uint64 {
	if p[0] > p[1] {
		p[0], p[1] = p[1], p[0]
	}
	return uint64(p[0])<<32 | uint64(p[1])
}
