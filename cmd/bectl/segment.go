package main

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/alexhholmes/betree"
	"github.com/alexhholmes/betree/logger"
)

func segmentLogger() betree.Logger {
	return logger.NewLogrus(logrus.StandardLogger())
}

func openSegment(path string) (*betree.Segment, error) {
	seg, err := betree.OpenSegment(path, betree.WithSegmentLogger(segmentLogger()))
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	return seg, nil
}

// openTree opens the segment at path and the tree registered under name.
// The caller closes the segment.
func openTree(path, name string) (*betree.Segment, *betree.Tree, error) {
	seg, err := openSegment(path)
	if err != nil {
		return nil, nil, err
	}
	tree, err := seg.OpenNamed(name)
	if err != nil {
		_ = seg.Close()
		return nil, nil, err
	}
	return seg, tree, nil
}

// encodeKey turns a command line key into the tree's key format: decimal
// for uint64 trees, hex with a 0x prefix or raw bytes otherwise.
func encodeKey(typ betree.TreeType, s string) ([]byte, error) {
	if typ == betree.TreeTypeUint64 {
		n, err := strconv.ParseUint(s, 0, 64)
		if err != nil {
			return nil, fmt.Errorf("uint64 key %q: %w", s, err)
		}
		return betree.Uint64Key(n), nil
	}
	if hexStr, ok := strings.CutPrefix(s, "0x"); ok {
		b, err := hex.DecodeString(hexStr)
		if err != nil {
			return nil, fmt.Errorf("hex key %q: %w", s, err)
		}
		return b, nil
	}
	return []byte(s), nil
}

func formatKey(typ betree.TreeType, k []byte) string {
	if typ == betree.TreeTypeUint64 && len(k) == 8 {
		return strconv.FormatUint(betree.KeyUint64(k), 10)
	}
	return printable(k)
}

func printable(b []byte) string {
	for _, c := range b {
		if c < 0x20 || c > 0x7e {
			return "0x" + hex.EncodeToString(b)
		}
	}
	return string(b)
}

// write runs fn in a transaction prepared with credit.
func write(seg *betree.Segment, credit betree.Credit, fn func(tx *betree.Tx) error) error {
	tx := seg.BeginTx()
	tx.Prep(credit)
	if err := tx.Open(); err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Abort()
		return err
	}
	return tx.Commit()
}
