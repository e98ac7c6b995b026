package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/jessevdk/go-flags"
	"github.com/jonas-koeritz/lfsdump"
	"github.com/jonas-koeritz/lfsdump/extract"
	"github.com/jonas-koeritz/lfsdump/littlefs"
	"github.com/sirupsen/logrus"
)

const (
	exitOK = iota
	exitUsage
	exitImage
	exitExtract
)

type options struct {
	BlockSize string `short:"b" long:"block-size" value-name:"SIZE" description:"block size of the image, decimal or 0x hex" required:"true"`
	ReadSize  string `short:"r" long:"read-size" value-name:"SIZE" description:"minimum read size, decimal or 0x hex" required:"true"`
	ProgSize  string `short:"p" long:"prog-size" value-name:"SIZE" description:"minimum program size, decimal or 0x hex" required:"true"`
	Image     string `short:"i" long:"image" value-name:"FILE" description:"path of the image file" required:"true"`
	Output    string `short:"o" long:"output" value-name:"DIR" description:"directory to extract to, created if missing" required:"true"`

	Sorted   bool `short:"s" long:"sorted" description:"extract directory entries in name order"`
	MaxDepth int  `short:"d" long:"max-depth" value-name:"N" description:"maximum directory nesting" default:"64"`
	Verbose  bool `short:"v" long:"verbose" description:"print debug information"`
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	var opts options
	parser := flags.NewNamedParser("lfsdump", flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "-b <block-size> -r <read-size> -p <prog-size> -i <image-file-path> -o <output-dir>"
	if _, err := parser.AddGroup("Options", "", &opts); err != nil {
		fmt.Fprintf(stderr, "ERROR: %s\n", err)
		return exitUsage
	}

	rest, err := parser.ParseArgs(args)
	if err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			parser.WriteHelp(stdout)
			return exitOK
		}
		fmt.Fprintf(stderr, "ERROR: %s\n", err)
		parser.WriteHelp(stdout)
		return exitUsage
	}
	if len(rest) != 0 {
		fmt.Fprintf(stderr, "ERROR: unexpected argument %q\n", rest[0])
		parser.WriteHelp(stdout)
		return exitUsage
	}

	log := logrus.New()
	log.SetOutput(stderr)
	log.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	if opts.Verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	geometry, err := opts.geometry()
	if err != nil {
		fmt.Fprintf(stderr, "ERROR: %s\n", err)
		parser.WriteHelp(stdout)
		return exitUsage
	}

	img, err := lfsdump.LoadImage(opts.Image, geometry)
	if err != nil {
		log.WithError(err).Error("failed to load image")
		return exitImage
	}
	log.WithFields(logrus.Fields{
		"blocks": img.Config.BlockCount,
		"size":   humanize.Bytes(uint64(img.Config.Size())),
	}).Debug("image loaded")

	l, err := littlefs.Mount(img)
	if err != nil {
		var code littlefs.Error
		if errors.As(err, &code) {
			log.WithError(err).Errorf("mount error: error=%d", int(code))
		} else {
			log.WithError(err).Error("mount error")
		}
		return exitImage
	}
	log.Debugf("mounted littlefs v%s", l.Info().VersionString())

	if err := os.MkdirAll(opts.Output, 0777); err != nil {
		log.WithError(err).Error("failed to create output directory")
		return exitExtract
	}

	x := extract.New(l, extract.Options{
		Progress: stdout,
		Log:      log,
		Sorted:   opts.Sorted,
		MaxDepth: opts.MaxDepth,
	})
	stats, err := x.Run(opts.Output)
	if err != nil {
		log.WithError(err).Error("extraction failed")
		return exitExtract
	}

	log.Infof("extracted %d directories and %d files (%s), skipped %d entries",
		stats.Dirs, stats.Files, humanize.Bytes(uint64(stats.Bytes)), stats.Skipped)
	return exitOK
}

func (o *options) geometry() (lfsdump.Geometry, error) {
	var g lfsdump.Geometry
	var err error

	if g.BlockSize, err = lfsdump.ParseSize("block-size", o.BlockSize); err != nil {
		return g, err
	}
	if g.ReadSize, err = lfsdump.ParseSize("read-size", o.ReadSize); err != nil {
		return g, err
	}
	if g.ProgSize, err = lfsdump.ParseSize("prog-size", o.ProgSize); err != nil {
		return g, err
	}
	return g, nil
}
