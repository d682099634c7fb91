// Command swift-storage-inspect opens an existing swarm's storage and
// prints the state it discovers: single file or multi-file spec, along with
// the file table when one applies. It writes no content, but opening goes
// through storage.New, which opens files read-write and, for a multi-file
// spec, creates any missing entry files and parent directories. No live
// window is passed, so a live ring file is reported as a single file.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/anacrolix/tagflag"
	"github.com/dustin/go-humanize"

	storage "github.com/bodavid/libswift"
)

func main() {
	log.SetFlags(log.Flags() | log.Lshortfile)
	var args struct {
		DestDir string `name:"d" help:"directory multi-file entries live under"`
		tagflag.StartPos
		Pathname string
	}
	tagflag.Parse(&args, tagflag.Description(
		"Opens PATHNAME as swift storage and prints the discovered layout."))

	if args.DestDir == "" {
		args.DestDir = args.Pathname + ".files"
	}

	s, err := storage.New(args.Pathname, args.DestDir, nil, storage.LiveWindowAll, "")
	if err != nil {
		log.Fatalf("opening storage: %v", err)
	}
	defer s.Close()

	fmt.Printf("state: %v\n", s.State())
	if !s.IsOperational() {
		fmt.Println("storage is broken")
		os.Exit(1)
	}

	switch s.State() {
	case storage.StateMultiFileComplete:
		fmt.Printf("total size: %s\n", humanize.Bytes(uint64(s.GetSizeFromSpec())))
		fmt.Printf("reserved size: %s\n", humanize.Bytes(uint64(s.GetReservedSize())))
		for _, sf := range s.Files() {
			fmt.Printf("  [%12d, %12d] %10s  %s\n",
				sf.Start(), sf.End(), humanize.Bytes(uint64(sf.Size())), sf.SpecPathname())
		}
	case storage.StateSingleFile:
		fmt.Printf("reserved size: %s\n", humanize.Bytes(uint64(s.GetReservedSize())))
	case storage.StateInit:
		fmt.Println("no content has arrived yet")
	}
}
