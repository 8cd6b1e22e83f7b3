//go:build !linux

package device

import (
	"errors"
	"fmt"
)

const UIOMapLen = 0x10000

var errUIOUnsupported = errors.New("device: uio register maps require linux")

// UIORegisters is unavailable off linux.
type UIORegisters struct{}

func OpenUIO(path string) (*UIORegisters, error) {
	return nil, fmt.Errorf("%w: %s", errUIOUnsupported, path)
}

func (u *UIORegisters) Read(addr int) (uint32, error)      { return 0, errUIOUnsupported }
func (u *UIORegisters) Write(addr int, value uint32) error { return errUIOUnsupported }
func (u *UIORegisters) Close() error                       { return nil }
