package device

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
)

const (
	RCMaxRegister = 50
	RCMaxChannel  = 7
	RCRegisterLen = 4

	// RCRegData and RCRegMode take the channel bitmask on power-on, mode first.
	RCRegData = 0
	RCRegMode = 1
)

var ErrRegisterRange = errors.New("device: register address out of range")

// RegisterFile is the run-control register window.
type RegisterFile interface {
	Read(addr int) (uint32, error)
	Write(addr int, value uint32) error
}

func RCRegisterInRange(addr int) bool {
	return addr >= 0 && addr <= RCMaxRegister
}

func RCChannelInRange(ch int) bool {
	return ch >= 1 && ch <= RCMaxChannel
}

// RCAllChannels is the expansion of "all" for run-control channels.
func RCAllChannels() []int {
	return span(1, RCMaxChannel)
}

// ChannelMask sets bit ch-1 for every channel.
func ChannelMask(channels []int) uint32 {
	var mask uint32
	for _, ch := range channels {
		mask |= 1 << uint(ch-1)
	}
	return mask
}

// MemoryRegisters is a RegisterFile over a byte window laid out like the UIO map.
type MemoryRegisters struct {
	mu        sync.Mutex
	window    []byte
	failWrite map[int]bool
}

func NewMemoryRegisters() *MemoryRegisters {
	return &MemoryRegisters{
		window:    make([]byte, (RCMaxRegister+1)*RCRegisterLen),
		failWrite: make(map[int]bool),
	}
}

// FailWrites makes writes to addr fail.
func (m *MemoryRegisters) FailWrites(addr int, fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWrite[addr] = fail
}

func (m *MemoryRegisters) Read(addr int) (uint32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return readWindow(m.window, addr)
}

func (m *MemoryRegisters) Write(addr int, value uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if RCRegisterInRange(addr) && m.failWrite[addr] {
		return fmt.Errorf("%w: register %d", ErrWriteFailed, addr)
	}
	return writeWindow(m.window, addr, value)
}

func readWindow(window []byte, addr int) (uint32, error) {
	if !RCRegisterInRange(addr) {
		return 0, fmt.Errorf("%w: %d", ErrRegisterRange, addr)
	}
	off := addr * RCRegisterLen
	return binary.LittleEndian.Uint32(window[off : off+RCRegisterLen]), nil
}

func writeWindow(window []byte, addr int, value uint32) error {
	if !RCRegisterInRange(addr) {
		return fmt.Errorf("%w: %d", ErrRegisterRange, addr)
	}
	off := addr * RCRegisterLen
	binary.LittleEndian.PutUint32(window[off:off+RCRegisterLen], value)
	return nil
}
