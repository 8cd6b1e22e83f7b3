//go:build linux

package device

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// UIOMapLen is the size of the run-control register map.
const UIOMapLen = 0x10000

// UIORegisters maps the run-control registers from a UIO device node.
type UIORegisters struct {
	mu     sync.Mutex
	file   *os.File
	window []byte
}

// OpenUIO maps path (normally /dev/uio0) read-write and shared.
func OpenUIO(path string) (*UIORegisters, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("device: open uio %s: %w", path, err)
	}
	window, err := unix.Mmap(int(f.Fd()), 0, UIOMapLen, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("device: map uio %s: %w", path, err)
	}
	return &UIORegisters{file: f, window: window}, nil
}

func (u *UIORegisters) Read(addr int) (uint32, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.window == nil {
		return 0, os.ErrClosed
	}
	return readWindow(u.window, addr)
}

func (u *UIORegisters) Write(addr int, value uint32) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.window == nil {
		return os.ErrClosed
	}
	return writeWindow(u.window, addr, value)
}

func (u *UIORegisters) Close() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.window == nil {
		return nil
	}
	err := unix.Munmap(u.window)
	u.window = nil
	if cerr := u.file.Close(); err == nil {
		err = cerr
	}
	return err
}
