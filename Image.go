package lfsdump

import (
	"io"
	"math"
	"os"
	"strconv"
)

// DefaultLookahead is the allocation scan window, in blocks. It is fixed and
// does not depend on the image size.
const DefaultLookahead = 128

// Geometry holds the operator supplied sizes of an image.
type Geometry struct {
	BlockSize uint32
	ReadSize  uint32
	ProgSize  uint32
}

// Config describes the block device a filesystem is mounted on. It is not
// modified after LoadImage returns.
type Config struct {
	BlockSize  uint32
	ReadSize   uint32
	ProgSize   uint32
	BlockCount uint32
	Lookahead  uint32
}

// Size returns the number of bytes covered by the configuration.
func (c Config) Size() int64 {
	return int64(c.BlockSize) * int64(c.BlockCount)
}

// Image is a host image file loaded into memory together with the
// configuration needed to mount it.
type Image struct {
	Path   string
	Config Config
	Device BlockDevice
}

// LoadImage reads the whole image at path into memory. The file size must be
// a multiple of the block size.
func LoadImage(path string, g Geometry) (*Image, error) {
	if g.BlockSize == 0 {
		return nil, &ConfigError{Flag: "block-size", Value: "0"}
	}
	if g.ReadSize == 0 {
		return nil, &ConfigError{Flag: "read-size", Value: "0"}
	}
	if g.ProgSize == 0 {
		return nil, &ConfigError{Flag: "prog-size", Value: "0"}
	}

	imageFile, err := os.Open(path)
	if err != nil {
		return nil, &ImageError{Kind: IoFailure, Path: path, Err: err}
	}
	defer imageFile.Close()

	info, err := imageFile.Stat()
	if err != nil {
		return nil, &ImageError{Kind: IoFailure, Path: path, Err: err}
	}

	size := info.Size()
	if size%int64(g.BlockSize) != 0 {
		return nil, &ImageError{Kind: MisalignedSize, Path: path, Err: ErrMisalignedSize}
	}
	if size/int64(g.BlockSize) > math.MaxUint32 {
		return nil, &ImageError{Kind: IoFailure, Path: path, Err: ErrImageTooLarge}
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(imageFile, data); err != nil {
		return nil, &ImageError{Kind: IoFailure, Path: path, Err: err}
	}

	return &Image{
		Path: path,
		Config: Config{
			BlockSize:  g.BlockSize,
			ReadSize:   g.ReadSize,
			ProgSize:   g.ProgSize,
			BlockCount: uint32(size / int64(g.BlockSize)),
			Lookahead:  DefaultLookahead,
		},
		Device: NewMemoryDevice(data, g.BlockSize),
	}, nil
}

// ParseSize parses a positive size given either in decimal or as 0x prefixed
// hexadecimal. flag names the option in the returned ConfigError.
func ParseSize(flag, s string) (uint32, error) {
	var v uint64
	var err error

	switch {
	case isDecimal(s):
		v, err = strconv.ParseUint(s, 10, 32)
	case isHex(s):
		v, err = strconv.ParseUint(s[2:], 16, 32)
	default:
		err = strconv.ErrSyntax
	}

	if err != nil || v == 0 {
		return 0, &ConfigError{Flag: flag, Value: s}
	}
	return uint32(v), nil
}

func isDecimal(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func isHex(s string) bool {
	if len(s) < 3 || s[0] != '0' || s[1] != 'x' {
		return false
	}
	for _, c := range s[2:] {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
