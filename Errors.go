package lfsdump

import (
	"errors"
	"fmt"
)

var (
	ErrMisalignedSize = errors.New("image size is not aligned to block size")
	ErrImageTooLarge  = errors.New("image has too many blocks")
)

// ConfigError reports a missing or invalid command line parameter.
type ConfigError struct {
	Flag  string
	Value string
}

func (e *ConfigError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("missing %s", e.Flag)
	}
	return fmt.Sprintf("invalid %s %q", e.Flag, e.Value)
}

type ImageErrorKind int

const (
	IoFailure ImageErrorKind = iota
	MisalignedSize
	MountFailed
)

func (k ImageErrorKind) String() string {
	switch k {
	case IoFailure:
		return "io failure"
	case MisalignedSize:
		return "misaligned size"
	case MountFailed:
		return "mount failed"
	default:
		return fmt.Sprintf("ImageErrorKind(%d)", int(k))
	}
}

// ImageError is returned while loading or mounting an image.
type ImageError struct {
	Kind ImageErrorKind
	Path string
	Err  error
}

func (e *ImageError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Path, e.Kind, e.Err)
}

func (e *ImageError) Unwrap() error {
	return e.Err
}

type ExtractErrorKind int

const (
	OpenDirFailed ExtractErrorKind = iota
	ReadDirFailed
	SourceOpenFailed
	DestOpenFailed
	ReadFailed
	WriteFailed
	MkdirFailed
	DepthExceeded
	CycleDetected
)

func (k ExtractErrorKind) String() string {
	switch k {
	case OpenDirFailed:
		return "failed to open directory"
	case ReadDirFailed:
		return "failed to read directory"
	case SourceOpenFailed:
		return "failed to open source file"
	case DestOpenFailed:
		return "failed to open destination file"
	case ReadFailed:
		return "read failure"
	case WriteFailed:
		return "write failure"
	case MkdirFailed:
		return "failed to create directory"
	case DepthExceeded:
		return "directory nesting too deep"
	case CycleDetected:
		return "directory cycle"
	default:
		return fmt.Sprintf("ExtractErrorKind(%d)", int(k))
	}
}

// ExtractError is returned by the tree extractor. Path is the image path for
// failures on the image side and the host path for failures on the host side.
type ExtractError struct {
	Kind ExtractErrorKind
	Path string
	Err  error
}

func (e *ExtractError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Path)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Path, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}
