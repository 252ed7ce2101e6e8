// Package format packs the header and footer that surround every persistent
// object in a segment: segment header, tree record and tree node.
//
// HEADER (16 bytes)
// ┌──────────────────────────┬───────────┬───────────┬──────────────────┐
// │ Magic (8)                │ Version(2)│ Type (2)  │ FooterOffset (4) │
// └──────────────────────────┴───────────┴───────────┴──────────────────┘
//
// FOOTER (16 bytes, at FooterOffset)
// ┌──────────────────────────┬──────────────────────────────────────────┐
// │ FooterMagic (8)          │ xxhash64(object[0:FooterOffset]) (8)     │
// └──────────────────────────┴──────────────────────────────────────────┘
package format

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

const (
	HeaderSize = 16
	FooterSize = 16
	MagicSize  = 8

	// HeaderMagic marks a live object. Freed objects have it zeroed so a
	// recovery scan can skip them.
	HeaderMagic uint64 = 0x33011ca5e511de77
	FooterMagic uint64 = 0x33f007e7f007e777
)

var (
	ErrInvalidMagic    = errors.New("invalid magic number")
	ErrInvalidVersion  = errors.New("invalid format version")
	ErrInvalidType     = errors.New("invalid format type")
	ErrInvalidChecksum = errors.New("invalid checksum")
	ErrInvalidOffset   = errors.New("invalid footer offset")
)

// Type identifies the persistent structure behind a header.
type Type uint16

const (
	TypeInvalid Type = iota
	TypeSegment
	TypeTree
	TypeNode
)

func (t Type) String() string {
	switch t {
	case TypeSegment:
		return "segment"
	case TypeTree:
		return "tree"
	case TypeNode:
		return "node"
	default:
		return fmt.Sprintf("type(%d)", uint16(t))
	}
}

// Tag is the unpacked form of a header.
type Tag struct {
	Version      uint16
	Type         Type
	FooterOffset uint32
}

// PackHeader stamps a live header described by tag at the start of b.
func PackHeader(b []byte, tag Tag) {
	binary.LittleEndian.PutUint64(b[0:], HeaderMagic)
	binary.LittleEndian.PutUint16(b[8:], tag.Version)
	binary.LittleEndian.PutUint16(b[10:], uint16(tag.Type))
	binary.LittleEndian.PutUint32(b[12:], tag.FooterOffset)
}

// UnpackHeader returns the tag stored at the start of b.
func UnpackHeader(b []byte) Tag {
	return Tag{
		Version:      binary.LittleEndian.Uint16(b[8:]),
		Type:         Type(binary.LittleEndian.Uint16(b[10:])),
		FooterOffset: binary.LittleEndian.Uint32(b[12:]),
	}
}

// Live reports whether the header magic is intact.
func Live(b []byte) bool {
	return binary.LittleEndian.Uint64(b[0:]) == HeaderMagic
}

// Invalidate zeroes the header magic, the first MagicSize bytes of b.
func Invalidate(b []byte) {
	binary.LittleEndian.PutUint64(b[0:], 0)
}

// Checksum hashes everything in front of the footer.
func Checksum(b []byte, footerOffset uint32) uint64 {
	return xxhash.Sum64(b[:footerOffset])
}

// UpdateFooter recomputes the footer of the object starting at b.
func UpdateFooter(b []byte) {
	fo := UnpackHeader(b).FooterOffset
	binary.LittleEndian.PutUint64(b[fo:], FooterMagic)
	binary.LittleEndian.PutUint64(b[fo+8:], Checksum(b, fo))
}

// VerifyFooter checks the header magic, the footer magic and the checksum.
func VerifyFooter(b []byte) error {
	if !Live(b) {
		return ErrInvalidMagic
	}
	fo := UnpackHeader(b).FooterOffset
	if fo < HeaderSize || int(fo)+FooterSize > len(b) {
		return ErrInvalidOffset
	}
	if binary.LittleEndian.Uint64(b[fo:]) != FooterMagic {
		return ErrInvalidMagic
	}
	if binary.LittleEndian.Uint64(b[fo+8:]) != Checksum(b, fo) {
		return ErrInvalidChecksum
	}
	return nil
}

// Verify is VerifyFooter plus a type and version match.
func Verify(b []byte, typ Type, version uint16) error {
	if err := VerifyFooter(b); err != nil {
		return err
	}
	tag := UnpackHeader(b)
	if tag.Type != typ {
		return ErrInvalidType
	}
	if tag.Version != version {
		return ErrInvalidVersion
	}
	return nil
}
