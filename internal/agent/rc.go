package agent

import (
	"fmt"

	"github.com/danmuck/daqctl/internal/device"
	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
)

// RCHandler serves rc_command and rc_config requests against the run-control registers.
type RCHandler struct {
	regs device.RegisterFile
}

func NewRCHandler(regs device.RegisterFile) *RCHandler {
	return &RCHandler{regs: regs}
}

func (h *RCHandler) Handle(cmd envelope.Command) (envelope.ResponseEnvelope, error) {
	switch c := cmd.(type) {
	case envelope.RCCommand:
		return c.AcceptRC(h), nil
	case envelope.PrintMessage:
		if c.Type != envelope.TypeRCConfig {
			return envelope.ResponseEnvelope{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedCommand, c.Type, envelope.CmdPrintMessage)
		}
		return printMessage(c), nil
	default:
		env := cmd.Envelope()
		return envelope.ResponseEnvelope{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedCommand, env.Type, env.Command)
	}
}

func (h *RCHandler) Read(c envelope.RCRead) envelope.ResponseEnvelope {
	if !device.RCRegisterInRange(c.Address) {
		log.Warn().Int("address", c.Address).Int("max", device.RCMaxRegister).Msg("agent.RCHandler.Read out of range")
		return envelope.NewRegisterResponse(nil)
	}
	v, err := h.regs.Read(c.Address)
	if err != nil {
		log.Warn().Err(err).Int("address", c.Address).Msg("agent.RCHandler.Read")
		return envelope.NewRegisterResponse(nil)
	}
	value := envelope.NewRegisterValue(v)
	return envelope.NewRegisterResponse(&value)
}

func (h *RCHandler) Write(c envelope.RCWrite) envelope.ResponseEnvelope {
	if err := h.regs.Write(c.Address, c.Value); err != nil {
		log.Warn().Err(err).Int("address", c.Address).Uint32("value", c.Value).Msg("agent.RCHandler.Write")
		return envelope.NewTextResponse(envelope.TagRCWrite,
			fmt.Sprintf("It was not possible to write the value %d in register %d", c.Value, c.Address))
	}
	return envelope.NewTextResponse(envelope.TagRCWrite,
		fmt.Sprintf("Successfully wrote the value %d in register %d", c.Value, c.Address))
}

// PowerOn opens the valid channels in data mode: the channel bitmask goes to the mode
// register, then the data register. A failed write resets both registers and rejects
// every requested channel.
func (h *RCHandler) PowerOn(c envelope.RCPowerOn) envelope.ResponseEnvelope {
	set, err := device.ResolveChannels(c.Channels, device.RCAllChannels(), device.RCChannelInRange)
	if err != nil {
		log.Warn().Err(err).Msg("agent.RCHandler.PowerOn selector")
		return envelope.NewBatchResponse(envelope.TagRCPowerOn, envelope.BatchResult{})
	}
	if len(set.Valid) == 0 {
		log.Warn().Ints("invalid", set.Invalid).Msg("agent.RCHandler.PowerOn no valid channels")
		return envelope.NewBatchResponse(envelope.TagRCPowerOn, envelope.BatchResult{Rejected: set.Invalid})
	}

	mask := device.ChannelMask(set.Valid)
	if err := h.writeMask(mask); err != nil {
		log.Error().Err(err).Uint32("mask", mask).Msg("agent.RCHandler.PowerOn")
		h.reset()
		return envelope.NewBatchResponse(envelope.TagRCPowerOn, envelope.BatchResult{Rejected: set.Requested})
	}
	log.Info().Ints("channels", set.Valid).Uint32("mask", mask).Msg("agent.RCHandler.PowerOn data mode")
	return envelope.NewBatchResponse(envelope.TagRCPowerOn, envelope.BatchResult{Accepted: set.Valid, Rejected: set.Invalid})
}

func (h *RCHandler) writeMask(mask uint32) error {
	if err := h.regs.Write(device.RCRegMode, mask); err != nil {
		return err
	}
	return h.regs.Write(device.RCRegData, mask)
}

func (h *RCHandler) reset() {
	for _, addr := range []int{device.RCRegData, device.RCRegMode} {
		if err := h.regs.Write(addr, 0); err != nil {
			log.Error().Err(err).Int("register", addr).Msg("agent.RCHandler.reset")
		}
	}
}

var _ envelope.RCVisitor = (*RCHandler)(nil)
