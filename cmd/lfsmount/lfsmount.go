package main

import (
	"fmt"
	"os"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/jessevdk/go-flags"
	"github.com/jonas-koeritz/lfsdump"
	"github.com/jonas-koeritz/lfsdump/littlefs"
	"github.com/sirupsen/logrus"
)

type options struct {
	BlockSize string `short:"b" long:"block-size" value-name:"SIZE" description:"block size of the image, decimal or 0x hex" required:"true"`
	ReadSize  string `short:"r" long:"read-size" value-name:"SIZE" description:"minimum read size" default:"16"`
	ProgSize  string `short:"p" long:"prog-size" value-name:"SIZE" description:"minimum program size" default:"16"`
	Debug     bool   `long:"debug" description:"print FUSE debug information"`

	Args struct {
		Image      string `positional-arg-name:"image file path"`
		MountPoint string `positional-arg-name:"mount point"`
	} `positional-args:"yes" required:"yes"`
}

func main() {
	var opts options
	parser := flags.NewNamedParser("lfsmount", flags.Default)
	parser.Usage = "[options] <image file path> <mount point>"
	if _, err := parser.AddGroup("Options", "", &opts); err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}
	if _, err := parser.Parse(); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	var g lfsdump.Geometry
	var err error
	if g.BlockSize, err = lfsdump.ParseSize("block-size", opts.BlockSize); err == nil {
		if g.ReadSize, err = lfsdump.ParseSize("read-size", opts.ReadSize); err == nil {
			g.ProgSize, err = lfsdump.ParseSize("prog-size", opts.ProgSize)
		}
	}
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}

	img, err := lfsdump.LoadImage(opts.Args.Image, g)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}

	l, err := littlefs.Mount(img)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		os.Exit(1)
	}

	root := littlefs.NewRoot(l, logrus.StandardLogger())
	fmt.Printf("%s\n", root.String())

	mountOpts := &fs.Options{}
	mountOpts.Debug = opts.Debug

	server, err := fs.Mount(opts.Args.MountPoint, root, mountOpts)
	if err != nil {
		fmt.Printf("ERROR: %s\n", err)
		return
	}

	server.Wait()
}
