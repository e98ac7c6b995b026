package littlefs

import (
	"encoding/binary"
	"io"

	"golang.org/x/xerrors"
)

// entry is the state of one id in a metadata pair after replaying its log.
type entry struct {
	named bool
	typ   uint16 // type of the name tag
	name  []byte

	stype uint16 // type of the struct tag, 0 if there is none
	sdata []byte
}

// mdir is a fetched metadata pair.
type mdir struct {
	pair    [2]uint32 // pair[0] is the block the state was read from
	rev     uint32
	entries []entry
	tail    [2]uint32
	split   bool
	gdelta  gstate
}

type rawTag struct {
	t   tag
	off uint32 // offset of the tag's data in the block
}

func (l *FS) fetch(pair [2]uint32) (*mdir, error) {
	for _, b := range pair {
		if b >= l.cfg.BlockCount {
			return nil, xerrors.Errorf("metadata pair {%#x, %#x} out of range: %w", pair[0], pair[1], ErrCorrupt)
		}
	}

	var revs [2]uint32
	for i, b := range pair {
		buf := make([]byte, 4)
		if err := l.read(b, 0, buf); err != nil {
			return nil, err
		}
		revs[i] = binary.LittleEndian.Uint32(buf)
	}

	r := 0
	if seqCmp(revs[1], revs[0]) > 0 {
		r = 1
	}

	for i := 0; i < 2; i++ {
		block := pair[(r+i)%2]
		buf := make([]byte, l.cfg.BlockSize)
		if err := l.read(block, 0, buf); err != nil {
			return nil, err
		}

		tags, ok := scanCommits(buf)
		if !ok {
			continue
		}

		m := &mdir{
			pair: [2]uint32{block, pair[(r+i+1)%2]},
			rev:  revs[(r+i)%2],
			tail: [2]uint32{blockNull, blockNull},
		}
		if err := m.replay(buf, tags); err != nil {
			return nil, xerrors.Errorf("failed to replay metadata block %#x: %w", block, err)
		}
		return m, nil
	}

	return nil, xerrors.Errorf("no valid commit in metadata pair {%#x, %#x}: %w", pair[0], pair[1], ErrCorrupt)
}

// scanCommits walks the tag log of a metadata block and returns the tags of
// every commit whose CRC matches, stopping at the first one that does not.
func scanCommits(buf []byte) ([]rawTag, bool) {
	size := uint32(len(buf))
	var committed, pending []rawTag
	ok := false

	c := crc(0xffffffff, buf[0:4])
	ptag := tag(0xffffffff)
	off := uint32(0)

	for {
		off += ptag.dsize()
		if off+4 > size {
			break
		}

		raw := buf[off : off+4]
		c = crc(c, raw)
		t := tag(binary.BigEndian.Uint32(raw)) ^ ptag
		if !t.valid() || off+t.dsize() > size {
			break
		}
		ptag = t

		if t.type1() == typeCrc && t.type3() != typeFcrc {
			if t.isDelete() || t.size() < 4 {
				break
			}
			if binary.LittleEndian.Uint32(buf[off+4:]) != c {
				break
			}
			// the chunk bit tells us how the next tag's valid bit is encoded
			ptag ^= tag(t.chunk()&1) << 31

			committed = append(committed, pending...)
			pending = pending[:0]
			ok = true
			c = 0xffffffff
			continue
		}

		c = crc(c, buf[off+4:off+t.dsize()])
		pending = append(pending, rawTag{t: t, off: off + 4})
	}

	return committed, ok
}

func (m *mdir) replay(buf []byte, tags []rawTag) error {
	for _, rt := range tags {
		t := rt.t
		if t.isDelete() && t.type1() != typeSplice {
			continue
		}
		var data []byte
		if !t.isDelete() {
			data = buf[rt.off : rt.off+t.size()]
		}
		id := int(t.id())

		switch t.type1() {
		case typeName:
			for id >= len(m.entries) {
				m.entries = append(m.entries, entry{})
			}
			m.entries[id].named = true
			m.entries[id].typ = t.type3()
			m.entries[id].name = data

		case typeSplice:
			switch t.splice() {
			case 1:
				if id > len(m.entries) {
					return xerrors.Errorf("create of id %d beyond %d entries: %w", id, len(m.entries), ErrCorrupt)
				}
				m.entries = append(m.entries, entry{})
				copy(m.entries[id+1:], m.entries[id:])
				m.entries[id] = entry{}
			case -1:
				if id >= len(m.entries) {
					return xerrors.Errorf("delete of id %d beyond %d entries: %w", id, len(m.entries), ErrCorrupt)
				}
				m.entries = append(m.entries[:id], m.entries[id+1:]...)
			}

		case typeStruct:
			if id < len(m.entries) {
				m.entries[id].stype = t.type3()
				m.entries[id].sdata = data
			}

		case typeTail:
			var p pairStruct
			if err := unpack(data, &p); err != nil {
				return err
			}
			m.tail = p.Blocks
			m.split = t.chunk()&1 == 1

		case typeGlobals:
			if t.type3() == typeMoveState {
				var g gstate
				if err := unpack(data, &g); err != nil {
					return err
				}
				m.gdelta = g
			}
		}
	}
	return nil
}

// mdirIter yields the visible entries of a directory, following split pairs
// through their hard tails.
type mdirIter struct {
	l       *FS
	path    string
	m       *mdir
	entries []entry
	id      int
	seen    map[uint64]bool
}

func (it *mdirIter) next() (node, error) {
	for {
		if it.id == len(it.entries) {
			if !it.m.split {
				return node{}, io.EOF
			}

			tail := it.m.tail
			if it.seen[pairKey(tail)] {
				return node{}, xerrors.Errorf("cycle in directory %s at {%#x, %#x}: %w", it.path, tail[0], tail[1], ErrCorrupt)
			}
			it.seen[pairKey(tail)] = true

			m, err := it.l.fetch(tail)
			if err != nil {
				return node{}, xerrors.Errorf("failed to read directory %s: %w", it.path, err)
			}
			it.m = m
			it.entries = it.l.entries(m)
			it.id = 0
			continue
		}

		e := it.entries[it.id]
		it.id++
		if e.visible() {
			return nodeFromEntry(e)
		}
	}
}
