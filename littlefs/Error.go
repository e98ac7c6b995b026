package littlefs

import "fmt"

// Error is a littlefs error code. The numeric values match the reference
// implementation so they can be reported as is.
type Error int

const (
	ErrIO          Error = -5
	ErrCorrupt     Error = -84
	ErrNoEnt       Error = -2
	ErrNotDir      Error = -20
	ErrIsDir       Error = -21
	ErrInval       Error = -22
	ErrNameTooLong Error = -36
)

func (e Error) Error() string {
	switch e {
	case ErrIO:
		return "littlefs: i/o error"
	case ErrCorrupt:
		return "littlefs: corrupted"
	case ErrNoEnt:
		return "littlefs: no such file or directory"
	case ErrNotDir:
		return "littlefs: not a directory"
	case ErrIsDir:
		return "littlefs: is a directory"
	case ErrInval:
		return "littlefs: invalid parameter"
	case ErrNameTooLong:
		return "littlefs: file name too long"
	default:
		return fmt.Sprintf("littlefs: error %d", int(e))
	}
}
