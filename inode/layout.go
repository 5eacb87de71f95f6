package inode

import (
	"encoding/binary"

	"github.com/tchajed/marshal"

	"github.com/basalt-fs/corefs/disk"
)

// Layout constants for the on-disk inode record (spec §3). Every
// multi-byte field is little-endian.
const (
	Direct = 12               // D in the spec
	N      = disk.SectorSize / 4 // indices per indirect block

	// MaxFileSize is (D + N + N^2)*S, the largest file size in bytes an
	// inode can address.
	MaxFileSize = int64(Direct+N+N*N) * disk.SectorSize

	magicValue = 0x494e4f44 // teacher's INODE_MAGIC, shared with the original C source

	offLength         = 0  // 8 bytes, via marshal (the one field whose width matches its demonstrated API)
	offIsDir          = 8  // 1 byte
	offDirect         = 9  // Direct * 4 bytes
	offIndirect       = offDirect + Direct*4
	offDoubleIndirect = offIndirect + 4
	offMagic          = offDoubleIndirect + 4
	headerSize        = offMagic + 4
)

func init() {
	if headerSize > disk.SectorSize {
		panic("inode: on-disk header does not fit in a sector")
	}
}

// onDiskInode is a decoded view of an inode sector. It is never stored
// itself; decode reads a whole sector into stack-local fields (spec §9's
// preferred alternative to pointer punning), mutate, then encode writes it
// back in one shot.
type onDiskInode struct {
	length         int64
	isDir          bool
	direct         [Direct]uint32
	indirect       uint32
	doubleIndirect uint32
}

func decodeInode(sector []byte) onDiskInode {
	var d onDiskInode
	dec := marshal.NewDec(append([]byte(nil), sector[offLength:offLength+8]...))
	d.length = int64(dec.GetInt())
	d.isDir = sector[offIsDir] != 0
	for i := 0; i < Direct; i++ {
		d.direct[i] = binary.LittleEndian.Uint32(sector[offDirect+4*i : offDirect+4*i+4])
	}
	d.indirect = binary.LittleEndian.Uint32(sector[offIndirect : offIndirect+4])
	d.doubleIndirect = binary.LittleEndian.Uint32(sector[offDoubleIndirect : offDoubleIndirect+4])
	return d
}

func encodeInode(d onDiskInode) [disk.SectorSize]byte {
	var buf [disk.SectorSize]byte
	enc := marshal.NewEnc(8)
	enc.PutInt(uint64(d.length))
	copy(buf[offLength:offLength+8], enc.Finish())
	if d.isDir {
		buf[offIsDir] = 1
	}
	for i := 0; i < Direct; i++ {
		binary.LittleEndian.PutUint32(buf[offDirect+4*i:offDirect+4*i+4], d.direct[i])
	}
	binary.LittleEndian.PutUint32(buf[offIndirect:offIndirect+4], d.indirect)
	binary.LittleEndian.PutUint32(buf[offDoubleIndirect:offDoubleIndirect+4], d.doubleIndirect)
	binary.LittleEndian.PutUint32(buf[offMagic:offMagic+4], magicValue)
	return buf
}

// decodeIndirect decodes a full indirect block (N little-endian uint32
// sector indices, spec §6 "Indirect block format").
func decodeIndirect(sector []byte) [N]uint32 {
	var idx [N]uint32
	for i := 0; i < N; i++ {
		idx[i] = binary.LittleEndian.Uint32(sector[4*i : 4*i+4])
	}
	return idx
}

func encodeIndirectSlot(v uint32) [4]byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return b
}
