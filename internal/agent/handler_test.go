package agent

import (
	"errors"
	"testing"

	"github.com/danmuck/daqctl/internal/device"
	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/danmuck/daqctl/internal/testutil/testlog"
	"github.com/stretchr/testify/require"
)

func batchOf(t *testing.T, resp envelope.ResponseEnvelope) envelope.BatchResult {
	t.Helper()
	b, err := resp.Batch()
	require.NoError(t, err)
	return b
}

func intp(v int) *int { return &v }

func TestHVInitConfigAppliesPresentSettingsOnly(t *testing.T) {
	testlog.Start(t)
	bus := device.NewSimulatedHV("/dev/ttyPS0", 1, 2, 3)
	h := NewHVHandler(bus, "/dev/ttyPS0")
	resp := h.InitConfig(envelope.HVInitConfig{
		Target:   envelope.HVTarget{Channels: "1,3"},
		Settings: envelope.HVSettings{VoltageSet: intp(1200), RateUp: intp(5), LimitTemperature: intp(50)},
	})
	require.Equal(t, envelope.TagHVInitConf, resp.Response)
	require.Equal(t, envelope.BatchResult{Accepted: []int{1, 3}, Rejected: []int{}}, batchOf(t, resp))

	board, ok := bus.Board("/dev/ttyPS0", 3)
	require.True(t, ok)
	require.Equal(t, map[device.HVRegister]int{
		device.RegVoltageSet:       1200,
		device.RegRateUp:           5,
		device.RegLimitTemperature: 50,
	}, board.Registers)
	untouched, _ := bus.Board("/dev/ttyPS0", 2)
	require.Empty(t, untouched.Registers)
}

func TestHVBatchRejectsInInputOrder(t *testing.T) {
	testlog.Start(t)
	bus := device.NewSimulatedHV(device.DefaultHVPort, 1, 2, 4)
	bus.AddBoard(device.DefaultHVPort, 5, 6)
	bus.FailWrites(4, true)
	h := NewHVHandler(bus, "")

	resp := h.SetThreshold(envelope.HVSetThreshold{Target: envelope.HVTarget{Channels: "21,1,5,3,4,2,1"}, Value: 7})
	require.Equal(t, envelope.TagHVThreshold, resp.Response)
	require.Equal(t, envelope.BatchResult{Accepted: []int{1, 2}, Rejected: []int{21, 5, 3, 4}}, batchOf(t, resp))
}

func TestHVAllExpandsToPopulatedBoards(t *testing.T) {
	testlog.Start(t)
	bus := device.NewSimulatedHV(device.DefaultHVPort, device.HVAllChannels()...)
	h := NewHVHandler(bus, "")
	resp := h.PowerOn(envelope.HVPowerOn{Target: envelope.HVTarget{Channels: "all"}})
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, batchOf(t, resp).Accepted)
	for _, ch := range device.HVAllChannels() {
		board, _ := bus.Board(device.DefaultHVPort, ch)
		require.True(t, board.Powered, "channel %d", ch)
	}

	resp = h.PowerOff(envelope.HVPowerOff{Target: envelope.HVTarget{Channels: "7", Port: device.DefaultHVPort}})
	require.Equal(t, envelope.TagHVPowerOff, resp.Response)
	board, _ := bus.Board(device.DefaultHVPort, 7)
	require.False(t, board.Powered)
}

func TestHVMalformedSelectorYieldsEmptyBatch(t *testing.T) {
	testlog.Start(t)
	h := NewHVHandler(device.NewSimulatedHV(device.DefaultHVPort, 1), "")
	resp := h.SetLimitV(envelope.HVSetLimitV{Target: envelope.HVTarget{Channels: "1,two"}, Value: 1800})
	require.Equal(t, `[[],[]]`, string(resp.Result))
}

func TestHVLimitCommandsUseTheirRegisters(t *testing.T) {
	testlog.Start(t)
	bus := device.NewSimulatedHV(device.DefaultHVPort, 1)
	h := NewHVHandler(bus, "")
	target := envelope.HVTarget{Channels: "1"}
	require.Equal(t, envelope.TagHVVoltageLimit, h.SetLimitV(envelope.HVSetLimitV{Target: target, Value: 1800}).Response)
	require.Equal(t, envelope.TagHVCurrentLimit, h.SetLimitI(envelope.HVSetLimitI{Target: target, Value: 20}).Response)
	require.Equal(t, envelope.TagHVTripTimeLimit, h.SetLimitTrip(envelope.HVSetLimitTrip{Target: target, Value: 3}).Response)
	require.Equal(t, envelope.TagHVVoltageSet, h.SetVoltage(envelope.HVSetVoltage{Target: target, Value: 900}).Response)
	board, _ := bus.Board(device.DefaultHVPort, 1)
	require.Equal(t, map[device.HVRegister]int{
		device.RegLimitVoltage:  1800,
		device.RegLimitCurrent:  20,
		device.RegLimitTripTime: 3,
		device.RegVoltageSet:    900,
	}, board.Registers)
}

func TestHandlersRejectForeignCommands(t *testing.T) {
	testlog.Start(t)
	hv := newHVHandler()
	rc := NewRCHandler(device.NewMemoryRegisters())

	_, err := hv.Handle(envelope.RCRead{Address: 1})
	require.True(t, errors.Is(err, ErrUnsupportedCommand))
	_, err = hv.Handle(envelope.PrintMessage{Type: envelope.TypeRCConfig, Message: "x"})
	require.ErrorIs(t, err, ErrUnsupportedCommand)
	_, err = rc.Handle(envelope.HVPowerOn{Target: envelope.HVTarget{Channels: "1"}})
	require.ErrorIs(t, err, ErrUnsupportedCommand)
	_, err = rc.Handle(envelope.Back{})
	require.ErrorIs(t, err, ErrUnsupportedCommand)

	resp, err := rc.Handle(envelope.PrintMessage{Type: envelope.TypeRCConfig, Message: "run 12 started"})
	require.NoError(t, err)
	text, err := resp.Text()
	require.NoError(t, err)
	require.Equal(t, envelope.TagPrintMessage, resp.Response)
	require.Equal(t, "run 12 started", text)
}

func TestRCReadAndWrite(t *testing.T) {
	testlog.Start(t)
	regs := device.NewMemoryRegisters()
	h := NewRCHandler(regs)

	resp := h.Write(envelope.RCWrite{Address: 3, Value: 42})
	text, _ := resp.Text()
	require.Equal(t, envelope.TagRCWrite, resp.Response)
	require.Equal(t, "Successfully wrote the value 42 in register 3", text)

	resp = h.Read(envelope.RCRead{Address: 3})
	require.Equal(t, `["0x0000002a",42]`, string(resp.Result))

	resp = h.Read(envelope.RCRead{Address: 51})
	require.True(t, resp.IsNull())

	resp = h.Write(envelope.RCWrite{Address: 51, Value: 1})
	text, _ = resp.Text()
	require.Equal(t, "It was not possible to write the value 1 in register 51", text)
}

func TestRCPowerOnWritesMask(t *testing.T) {
	testlog.Start(t)
	regs := device.NewMemoryRegisters()
	h := NewRCHandler(regs)

	resp := h.PowerOn(envelope.RCPowerOn{Channels: "1,3,9"})
	require.Equal(t, envelope.TagRCPowerOn, resp.Response)
	require.Equal(t, envelope.BatchResult{Accepted: []int{1, 3}, Rejected: []int{9}}, batchOf(t, resp))
	for _, reg := range []int{device.RCRegMode, device.RCRegData} {
		v, err := regs.Read(reg)
		require.NoError(t, err)
		require.Equal(t, uint32(0b101), v, "register %d", reg)
	}

	resp = h.PowerOn(envelope.RCPowerOn{Channels: "all"})
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7}, batchOf(t, resp).Accepted)
	v, _ := regs.Read(device.RCRegData)
	require.Equal(t, uint32(0x7f), v)
}

func TestRCPowerOnWithoutValidChannelsWritesNothing(t *testing.T) {
	testlog.Start(t)
	regs := device.NewMemoryRegisters()
	require.NoError(t, regs.Write(device.RCRegMode, 9))
	h := NewRCHandler(regs)

	resp := h.PowerOn(envelope.RCPowerOn{Channels: "0,8"})
	require.Equal(t, envelope.BatchResult{Accepted: []int{}, Rejected: []int{0, 8}}, batchOf(t, resp))
	v, _ := regs.Read(device.RCRegMode)
	require.Equal(t, uint32(9), v)
}

func TestRCPowerOnWriteFailureResets(t *testing.T) {
	testlog.Start(t)
	regs := device.NewMemoryRegisters()
	regs.FailWrites(device.RCRegData, true)
	h := NewRCHandler(regs)

	resp := h.PowerOn(envelope.RCPowerOn{Channels: "2,1,12"})
	require.Equal(t, envelope.BatchResult{Accepted: []int{}, Rejected: []int{2, 1, 12}}, batchOf(t, resp))
	v, _ := regs.Read(device.RCRegMode)
	require.Equal(t, uint32(0), v, "mode register must be reset")
}
