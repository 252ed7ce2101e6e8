package betree

import (
	"encoding/binary"
	"fmt"
)

// FidTypeTree is the type byte carried in the high byte of a tree fid's
// container.
const FidTypeTree = 'b'

// Fid identifies a tree object independently of where it lives.
type Fid struct {
	Container uint64
	Key       uint64
}

// NewFid builds a tree fid. The high byte of container is replaced by
// FidTypeTree.
func NewFid(container, key uint64) Fid {
	return Fid{
		Container: container&(1<<56-1) | uint64(FidTypeTree)<<56,
		Key:       key,
	}
}

func (f Fid) Valid() bool {
	return f.Container>>56 == FidTypeTree
}

func (f Fid) String() string {
	return fmt.Sprintf("<%x:%x>", f.Container, f.Key)
}

const backlinkSize = 40

// Backlink ties a node to the tree that owns it. Every node of a tree carries
// a byte-identical copy of the tree's backlink.
//
// ┌────────────┬──────────┬──────────┬─────────┬─────────────────┬──────────┐
// │ Cookie (8) │ Gen (8)  │ Type (4) │ Pad (4) │ Fid.Container(8)│ Fid.Key 8│
// └────────────┴──────────┴──────────┴─────────┴─────────────────┴──────────┘
type Backlink struct {
	Cookie uint64 // offset of the owning tree record
	Gen    uint64 // segment generation at creation
	Type   TreeType
	Fid    Fid
}

func (b Backlink) pack(dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:], b.Cookie)
	binary.LittleEndian.PutUint64(dst[8:], b.Gen)
	binary.LittleEndian.PutUint32(dst[16:], uint32(b.Type))
	binary.LittleEndian.PutUint32(dst[20:], 0)
	binary.LittleEndian.PutUint64(dst[24:], b.Fid.Container)
	binary.LittleEndian.PutUint64(dst[32:], b.Fid.Key)
}

func unpackBacklink(src []byte) Backlink {
	return Backlink{
		Cookie: binary.LittleEndian.Uint64(src[0:]),
		Gen:    binary.LittleEndian.Uint64(src[8:]),
		Type:   TreeType(binary.LittleEndian.Uint32(src[16:])),
		Fid: Fid{
			Container: binary.LittleEndian.Uint64(src[24:]),
			Key:       binary.LittleEndian.Uint64(src[32:]),
		},
	}
}
