package config

import (
	"fmt"

	"github.com/dustin/go-humanize"
)

// ByteSize is a number of bytes, parsed from human readable sizes like "64KiB" or "500MB".
type ByteSize uint64

func (b *ByteSize) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("invalid size %q: %w", text, err)
	}
	*b = ByteSize(n)
	return nil
}

func (b ByteSize) String() string {
	return humanize.Bytes(uint64(b))
}
