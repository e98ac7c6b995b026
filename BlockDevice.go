package lfsdump

// BlockDevice is the storage a filesystem driver is mounted on. Blocks are
// addressed by index, offsets are relative to the start of the block.
type BlockDevice interface {
	Read(block, off uint32, buf []byte) error
	Prog(block, off uint32, buf []byte) error
	Erase(block uint32) error
	Sync() error
}

// MemoryDevice is a BlockDevice over one contiguous buffer holding the whole
// image. It never fails: there is no medium behind it. Bounds are the
// caller's responsibility.
type MemoryDevice struct {
	data      []byte
	blockSize uint32
}

var _ BlockDevice = (*MemoryDevice)(nil)

func NewMemoryDevice(data []byte, blockSize uint32) *MemoryDevice {
	return &MemoryDevice{data: data, blockSize: blockSize}
}

func (d *MemoryDevice) offset(block, off uint32) int {
	return int(block)*int(d.blockSize) + int(off)
}

func (d *MemoryDevice) Read(block, off uint32, buf []byte) error {
	copy(buf, d.data[d.offset(block, off):])
	return nil
}

func (d *MemoryDevice) Prog(block, off uint32, buf []byte) error {
	copy(d.data[d.offset(block, off):], buf)
	return nil
}

func (d *MemoryDevice) Erase(block uint32) error {
	b := d.data[d.offset(block, 0):d.offset(block+1, 0)]
	for i := range b {
		b[i] = 0
	}
	return nil
}

func (d *MemoryDevice) Sync() error {
	return nil
}

func (d *MemoryDevice) BlockSize() uint32 {
	return d.blockSize
}

func (d *MemoryDevice) BlockCount() uint32 {
	return uint32(len(d.data) / int(d.blockSize))
}

// Bytes returns the backing buffer.
func (d *MemoryDevice) Bytes() []byte {
	return d.data
}
