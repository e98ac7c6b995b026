package extract

import (
	"io"
	"os"

	"github.com/jonas-koeritz/lfsdump"
)

const chunkSize = 4096

// DumpFile copies the image file src to the host file dst, creating or
// truncating it. It returns the number of bytes written. A failed copy leaves
// the partial destination file behind.
func (x *Extractor) DumpFile(src, dst string) (int64, error) {
	in, err := x.fs.OpenFile(src)
	if err != nil {
		return 0, &lfsdump.ExtractError{Kind: lfsdump.SourceOpenFailed, Path: src, Err: err}
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, &lfsdump.ExtractError{Kind: lfsdump.DestOpenFailed, Path: dst, Err: err}
	}
	defer out.Close()

	buf := make([]byte, chunkSize)
	var written int64
	for {
		n, rerr := in.Read(buf)
		if n > 0 {
			w, werr := out.Write(buf[:n])
			written += int64(w)
			if werr == nil && w < n {
				werr = io.ErrShortWrite
			}
			if werr != nil {
				return written, &lfsdump.ExtractError{Kind: lfsdump.WriteFailed, Path: dst, Err: werr}
			}
		}
		if rerr == io.EOF || (rerr == nil && n == 0) {
			break
		}
		if rerr != nil {
			return written, &lfsdump.ExtractError{Kind: lfsdump.ReadFailed, Path: src, Err: rerr}
		}
	}

	if err := out.Close(); err != nil {
		return written, &lfsdump.ExtractError{Kind: lfsdump.WriteFailed, Path: dst, Err: err}
	}
	return written, nil
}
