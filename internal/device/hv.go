package device

import (
	"errors"
	"fmt"
	"sync"
)

const (
	HVMinAddress  = 1
	HVMaxAddress  = 20
	HVPopulated   = 7
	DefaultHVPort = "/dev/ttyPS1"
)

var (
	ErrNoBoard         = errors.New("device: no board answers at address")
	ErrAddressMismatch = errors.New("device: board reports another address")
	ErrWriteFailed     = errors.New("device: write failed")
)

// HVRegister is a Modbus holding register of an HV board.
type HVRegister uint16

const (
	RegLimitTripTime    HVRegister = 0x0022
	RegRateUp           HVRegister = 0x0023
	RegRateDown         HVRegister = 0x0024
	RegLimitCurrent     HVRegister = 0x0025
	RegVoltageSet       HVRegister = 0x0026
	RegLimitVoltage     HVRegister = 0x0027
	RegThreshold        HVRegister = 0x002D
	RegLimitTemperature HVRegister = 0x002F
)

func (r HVRegister) String() string {
	switch r {
	case RegLimitTripTime:
		return "limit_trip_time"
	case RegRateUp:
		return "rate_up"
	case RegRateDown:
		return "rate_down"
	case RegLimitCurrent:
		return "limit_current"
	case RegVoltageSet:
		return "voltage_set"
	case RegLimitVoltage:
		return "limit_voltage"
	case RegThreshold:
		return "threshold"
	case RegLimitTemperature:
		return "limit_temperature"
	default:
		return fmt.Sprintf("reg(0x%04x)", uint16(r))
	}
}

// HVBus reaches the HV boards on a serial port.
type HVBus interface {
	// Probe returns the address the board at address reports for itself.
	Probe(port string, address int) (int, error)
	WriteRegister(port string, address int, reg HVRegister, value int) error
	SetPower(port string, address int, on bool) error
}

// HVInRange reports whether address is inside the addressable boundary.
func HVInRange(address int) bool {
	return address >= HVMinAddress && address <= HVMaxAddress
}

// HVAllChannels is the expansion of "all" for HV boards.
func HVAllChannels() []int {
	return span(1, HVPopulated)
}

// HVBoard is the observable state of one simulated board.
type HVBoard struct {
	Reported  int
	Registers map[HVRegister]int
	Powered   bool
}

// SimulatedHV is an in-memory HVBus.
type SimulatedHV struct {
	mu     sync.Mutex
	boards map[string]map[int]*HVBoard
	broken map[int]bool
}

// NewSimulatedHV populates boards at addresses on port.
func NewSimulatedHV(port string, addresses ...int) *SimulatedHV {
	s := &SimulatedHV{
		boards: make(map[string]map[int]*HVBoard),
		broken: make(map[int]bool),
	}
	for _, addr := range addresses {
		s.AddBoard(port, addr, addr)
	}
	return s
}

// AddBoard installs a board at address that reports itself as reported.
func (s *SimulatedHV) AddBoard(port string, address int, reported int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.boards[port] == nil {
		s.boards[port] = make(map[int]*HVBoard)
	}
	s.boards[port][address] = &HVBoard{Reported: reported, Registers: make(map[HVRegister]int)}
}

// FailWrites makes every write to address fail.
func (s *SimulatedHV) FailWrites(address int, fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broken[address] = fail
}

// Board returns a copy of the board state.
func (s *SimulatedHV) Board(port string, address int) (HVBoard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[port][address]
	if !ok {
		return HVBoard{}, false
	}
	out := HVBoard{Reported: b.Reported, Powered: b.Powered, Registers: make(map[HVRegister]int, len(b.Registers))}
	for k, v := range b.Registers {
		out.Registers[k] = v
	}
	return out, true
}

func (s *SimulatedHV) Probe(port string, address int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.boards[port][address]
	if !ok {
		return 0, fmt.Errorf("%w: port=%s address=%d", ErrNoBoard, port, address)
	}
	return b.Reported, nil
}

func (s *SimulatedHV) WriteRegister(port string, address int, reg HVRegister, value int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.writable(port, address)
	if err != nil {
		return err
	}
	b.Registers[reg] = value
	return nil
}

func (s *SimulatedHV) SetPower(port string, address int, on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := s.writable(port, address)
	if err != nil {
		return err
	}
	b.Powered = on
	return nil
}

func (s *SimulatedHV) writable(port string, address int) (*HVBoard, error) {
	b, ok := s.boards[port][address]
	if !ok {
		return nil, fmt.Errorf("%w: port=%s address=%d", ErrNoBoard, port, address)
	}
	if s.broken[address] {
		return nil, fmt.Errorf("%w: port=%s address=%d", ErrWriteFailed, port, address)
	}
	return b, nil
}
