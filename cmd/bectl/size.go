package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// sizeValue is a byte count flag accepting KiB, MiB and GiB suffixes.
type sizeValue uint64

var _ pflag.Value = (*sizeValue)(nil)

var sizeSuffixes = []struct {
	suffix string
	shift  uint
}{
	{"GiB", 30},
	{"MiB", 20},
	{"KiB", 10},
	{"G", 30},
	{"M", 20},
	{"K", 10},
}

func (s *sizeValue) String() string {
	v := uint64(*s)
	for _, sfx := range sizeSuffixes[:3] {
		if v != 0 && v%(1<<sfx.shift) == 0 {
			return fmt.Sprintf("%d%s", v>>sfx.shift, sfx.suffix)
		}
	}
	return strconv.FormatUint(v, 10)
}

func (s *sizeValue) Set(str string) error {
	shift := uint(0)
	for _, sfx := range sizeSuffixes {
		if strings.HasSuffix(str, sfx.suffix) {
			str = strings.TrimSuffix(str, sfx.suffix)
			shift = sfx.shift
			break
		}
	}
	n, err := strconv.ParseUint(strings.TrimSpace(str), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", str, err)
	}
	if n > (^uint64(0))>>shift {
		return fmt.Errorf("size %q overflows", str)
	}
	*s = sizeValue(n << shift)
	return nil
}

func (s *sizeValue) Type() string {
	return "size"
}
