// Command fsshell is a small interactive REPL over the filesys facade: a
// single file-backed volume, formatted on first run, driven by line
// commands typed at stdin.
//
// Grounded on tranvaj-ZOS2023_SP_GO/main.go's command loop (check whether
// the volume file exists, format on first use, dispatch by lower-cased
// command name) and util/command_parser.go's LoadCommand (bufio line read
// + whitespace tokenize), adapted from that repo's fixed inode/superblock
// layout to dispatch against this core's filesys facade instead.
package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/basalt-fs/corefs/directory"
	"github.com/basalt-fs/corefs/disk"
	"github.com/basalt-fs/corefs/filesys"
)

const defaultNumSectors = 4096

func main() {
	if len(os.Args) != 2 {
		fmt.Println("usage: fsshell <volume-file>")
		os.Exit(1)
	}
	volume := os.Args[1]

	_, statErr := os.Stat(volume)
	fsExists := statErr == nil

	dev, err := disk.OpenFileDisk(volume, defaultNumSectors)
	if err != nil {
		fmt.Println("could not open volume:", err)
		os.Exit(1)
	}

	fs, err := filesys.Init(dev, !fsExists)
	if err != nil {
		fmt.Println("could not mount volume:", err)
		os.Exit(1)
	}

	repl(fs)

	if err := fs.Done(); err != nil {
		fmt.Println("error on shutdown:", err)
	}
	dev.Close()
}

func repl(fs *filesys.FS) {
	reader := bufio.NewReader(os.Stdin)
	for {
		fmt.Print("fsshell> ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		arr := strings.Fields(line)
		if len(arr) == 0 {
			continue
		}

		switch strings.ToLower(arr[0]) {
		case "exit", "quit":
			return
		case "mkdir":
			runMkdir(fs, arr)
		case "create":
			runCreate(fs, arr)
		case "write":
			runWrite(fs, arr)
		case "read":
			runRead(fs, arr)
		case "ls":
			runLs(fs, arr)
		case "rm":
			runRemove(fs, arr)
		case "backup":
			if err := fs.Backup(); err != nil {
				fmt.Println("error:", err)
			}
		default:
			fmt.Println("unknown command:", arr[0])
		}
	}
}

func runMkdir(fs *filesys.FS, arr []string) {
	if len(arr) != 2 {
		fmt.Println("usage: mkdir <path>")
		return
	}
	ok, err := fs.CreateDir(filesys.RootSector, arr[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !ok {
		fmt.Println("already exists")
	}
}

func runCreate(fs *filesys.FS, arr []string) {
	if len(arr) < 2 || len(arr) > 3 {
		fmt.Println("usage: create <path> [initial-size]")
		return
	}
	var size int64
	if len(arr) == 3 {
		n, err := strconv.ParseInt(arr[2], 10, 64)
		if err != nil {
			fmt.Println("bad size:", err)
			return
		}
		size = n
	}
	ok, err := fs.Create(filesys.RootSector, arr[1], size)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !ok {
		fmt.Println("already exists")
	}
}

func runWrite(fs *filesys.FS, arr []string) {
	if len(arr) < 4 {
		fmt.Println("usage: write <path> <offset> <text...>")
		return
	}
	offset, err := strconv.ParseInt(arr[2], 10, 64)
	if err != nil {
		fmt.Println("bad offset:", err)
		return
	}
	text := strings.Join(arr[3:], " ")

	f, err := fs.Open(filesys.RootSector, arr[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer fs.CloseFile(f)

	n, err := f.Inode().WriteAt([]byte(text), offset)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("wrote %d bytes\n", n)
}

func runRead(fs *filesys.FS, arr []string) {
	if len(arr) != 4 {
		fmt.Println("usage: read <path> <offset> <n>")
		return
	}
	offset, err := strconv.ParseInt(arr[2], 10, 64)
	if err != nil {
		fmt.Println("bad offset:", err)
		return
	}
	n, err := strconv.Atoi(arr[3])
	if err != nil {
		fmt.Println("bad length:", err)
		return
	}

	f, err := fs.Open(filesys.RootSector, arr[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer fs.CloseFile(f)

	buf := make([]byte, n)
	got, err := f.Inode().ReadAt(buf, offset)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Println(string(buf[:got]))
}

func runLs(fs *filesys.FS, arr []string) {
	path := ""
	if len(arr) == 2 {
		path = arr[1]
	} else if len(arr) > 2 {
		fmt.Println("usage: ls [path]")
		return
	}

	ino, err := fs.OpenInode(filesys.RootSector, path)
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	defer fs.Close(ino)

	if !ino.IsDir() {
		fmt.Println("not a directory")
		return
	}

	entries, err := directory.Open(ino).Entries()
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	fmt.Printf("%-16s %-10s\n", "name", "inode")
	for _, e := range entries {
		fmt.Printf("%-16s %-10d\n", e.Name, e.InodeSector)
	}
}

func runRemove(fs *filesys.FS, arr []string) {
	if len(arr) != 2 {
		fmt.Println("usage: rm <path>")
		return
	}
	ok, err := fs.Remove(filesys.RootSector, arr[1])
	if err != nil {
		fmt.Println("error:", err)
		return
	}
	if !ok {
		fmt.Println("not found")
	}
}
