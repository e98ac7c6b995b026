package littlefs

import (
	"context"
	"fmt"
	"io"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/jonas-koeritz/lfsdump"
	"github.com/sirupsen/logrus"
)

// Root exposes a mounted image as a read-only FUSE tree.
type Root struct {
	fs.Inode
	lfs  *FS
	log  logrus.FieldLogger
	next uint64
}

var _ = (fs.NodeOnAdder)((*Root)(nil))

func NewRoot(l *FS, log logrus.FieldLogger) *Root {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Root{lfs: l, log: log, next: 1000}
}

func (r *Root) OnAdd(ctx context.Context) {
	if err := r.addDir(ctx, &r.Inode, ""); err != nil {
		r.log.WithError(err).Error("failed to read image tree")
	}
}

func (r *Root) addDir(ctx context.Context, parent *fs.Inode, path string) error {
	return r.lfs.walk(path, func(p string, e lfsdump.Entry) error {
		r.next++
		switch e.Type {
		case lfsdump.TypeDir:
			child := parent.NewPersistentInode(ctx, &fs.Inode{}, fs.StableAttr{Mode: fuse.S_IFDIR, Ino: r.next})
			parent.AddChild(e.Name, child, true)
			return r.addDir(ctx, child, p)
		case lfsdump.TypeFile:
			f := &fileNode{lfs: r.lfs, path: p, size: e.Size, log: r.log}
			child := parent.NewPersistentInode(ctx, f, fs.StableAttr{Ino: r.next})
			parent.AddChild(e.Name, child, true)
		default:
			r.log.WithField("path", p).Warnf("skipping entry of type %s", e.Type)
		}
		return nil
	})
}

// walk calls fn for every entry of the directory at path, without "." and "..".
func (l *FS) walk(path string, fn func(p string, e lfsdump.Entry) error) error {
	d, err := l.openDir(path)
	if err != nil {
		return err
	}
	defer d.Close()

	for {
		e, err := d.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if e.Name == "." || e.Name == ".." {
			continue
		}
		if err := fn(path+"/"+e.Name, e); err != nil {
			return err
		}
	}
}

// String creates a human readable listing of the image.
func (r *Root) String() string {
	info := r.lfs.Info()
	size := uint64(info.BlockSize) * uint64(info.BlockCount)

	listing := fmt.Sprintf("LITTLEFS v%s\nBLOCKS:     %d x %d (%s)\n\n", info.VersionString(), info.BlockCount, info.BlockSize, humanize.Bytes(size))

	var list func(path string, depth int) error
	list = func(path string, depth int) error {
		return r.lfs.walk(path, func(p string, e lfsdump.Entry) error {
			indent := strings.Repeat("  ", depth)
			switch e.Type {
			case lfsdump.TypeDir:
				listing += fmt.Sprintf(" %s%s/\n", indent, e.Name)
				return list(p, depth+1)
			case lfsdump.TypeFile:
				listing += fmt.Sprintf(" %s%-*s %10s\n", indent, 32-len(indent), e.Name, humanize.Bytes(uint64(e.Size)))
			default:
				listing += fmt.Sprintf(" %s%s (%s)\n", indent, e.Name, e.Type)
			}
			return nil
		})
	}
	if err := list("", 0); err != nil {
		listing += fmt.Sprintf("\n ERROR: %s\n", err)
	}
	return listing
}

type fileNode struct {
	fs.Inode

	lfs  *FS
	path string
	size int64
	log  logrus.FieldLogger
}

var _ = (fs.NodeReader)((*fileNode)(nil))
var _ = (fs.NodeOpener)((*fileNode)(nil))
var _ = (fs.NodeGetattrer)((*fileNode)(nil))

func (f *fileNode) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	file, err := f.lfs.openFile(f.path)
	if err != nil {
		f.log.WithError(err).WithField("path", f.path).Error("open failed")
		return fuse.ReadResultData([]byte{}), syscall.EIO
	}
	defer file.Close()

	n, err := file.ReadAt(dest, off)
	if err != nil && err != io.EOF {
		f.log.WithError(err).WithField("path", f.path).Error("read failed")
		return fuse.ReadResultData([]byte{}), syscall.EIO
	}
	return fuse.ReadResultData(dest[:n]), 0
}

func (f *fileNode) Open(ctx context.Context, openFlags uint32) (fh fs.FileHandle, fuseFlags uint32, errno syscall.Errno) {
	if openFlags&(syscall.O_WRONLY|syscall.O_RDWR) != 0 {
		return nil, 0, syscall.EROFS
	}
	return f, fuse.FOPEN_DIRECT_IO, 0
}

func (f *fileNode) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	out.Mode = fuse.S_IFREG | 0444
	out.Size = uint64(f.size)
	return 0
}
