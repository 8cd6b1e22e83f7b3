package agent

import (
	"fmt"
	"strings"

	"github.com/danmuck/daqctl/internal/device"
	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/rs/zerolog/log"
)

// HVHandler serves hv_command and hv_config requests against an HV bus.
type HVHandler struct {
	bus         device.HVBus
	defaultPort string
}

func NewHVHandler(bus device.HVBus, defaultPort string) *HVHandler {
	if strings.TrimSpace(defaultPort) == "" {
		defaultPort = device.DefaultHVPort
	}
	return &HVHandler{bus: bus, defaultPort: defaultPort}
}

func (h *HVHandler) Handle(cmd envelope.Command) (envelope.ResponseEnvelope, error) {
	switch c := cmd.(type) {
	case envelope.HVCommand:
		return c.AcceptHV(h), nil
	case envelope.PrintMessage:
		if c.Type != envelope.TypeHVConfig {
			return envelope.ResponseEnvelope{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedCommand, c.Type, envelope.CmdPrintMessage)
		}
		return printMessage(c), nil
	default:
		env := cmd.Envelope()
		return envelope.ResponseEnvelope{}, fmt.Errorf("%w: %s/%s", ErrUnsupportedCommand, env.Type, env.Command)
	}
}

// batch runs apply on every requested channel in input order. A channel is
// rejected when it is outside the addressable boundary, when no board answers
// for it, or when apply fails.
func (h *HVHandler) batch(tag string, target envelope.HVTarget, apply func(port string, ch int) error) envelope.ResponseEnvelope {
	port := strings.TrimSpace(target.Port)
	if port == "" {
		port = h.defaultPort
	}
	result := envelope.BatchResult{Accepted: []int{}, Rejected: []int{}}
	set, err := device.ResolveChannels(target.Channels, device.HVAllChannels(), device.HVInRange)
	if err != nil {
		log.Warn().Err(err).Str("response", tag).Msg("agent.HVHandler.batch selector")
		return envelope.NewBatchResponse(tag, result)
	}
	for _, ch := range set.Requested {
		if !set.IsValid(ch) {
			log.Warn().Int("channel", ch).Str("response", tag).Msgf("agent.HVHandler.batch channel outside %d..%d", device.HVMinAddress, device.HVMaxAddress)
			result.Rejected = append(result.Rejected, ch)
			continue
		}
		if err := h.configure(port, ch, apply); err != nil {
			log.Warn().Err(err).Str("port", port).Int("channel", ch).Str("response", tag).Msg("agent.HVHandler.batch rejected")
			result.Rejected = append(result.Rejected, ch)
			continue
		}
		result.Accepted = append(result.Accepted, ch)
	}
	return envelope.NewBatchResponse(tag, result)
}

func (h *HVHandler) configure(port string, ch int, apply func(port string, ch int) error) error {
	reported, err := h.bus.Probe(port, ch)
	if err != nil {
		return err
	}
	if reported != ch {
		return fmt.Errorf("%w: want=%d got=%d", device.ErrAddressMismatch, ch, reported)
	}
	return apply(port, ch)
}

func (h *HVHandler) writeOne(reg device.HVRegister, value int) func(string, int) error {
	return func(port string, ch int) error {
		return h.bus.WriteRegister(port, ch, reg, value)
	}
}

func (h *HVHandler) InitConfig(c envelope.HVInitConfig) envelope.ResponseEnvelope {
	s := c.Settings
	writes := []struct {
		reg   device.HVRegister
		value *int
	}{
		{device.RegVoltageSet, s.VoltageSet},
		{device.RegThreshold, s.ThresholdSet},
		{device.RegLimitTripTime, s.LimitTripTime},
		{device.RegLimitVoltage, s.LimitVoltage},
		{device.RegLimitCurrent, s.LimitCurrent},
		{device.RegLimitTemperature, s.LimitTemperature},
		{device.RegRateUp, s.RateUp},
		{device.RegRateDown, s.RateDown},
	}
	return h.batch(envelope.TagHVInitConf, c.Target, func(port string, ch int) error {
		for _, w := range writes {
			if w.value == nil {
				continue
			}
			if err := h.bus.WriteRegister(port, ch, w.reg, *w.value); err != nil {
				return fmt.Errorf("%s: %w", w.reg, err)
			}
		}
		return nil
	})
}

func (h *HVHandler) SetVoltage(c envelope.HVSetVoltage) envelope.ResponseEnvelope {
	return h.batch(envelope.TagHVVoltageSet, c.Target, h.writeOne(device.RegVoltageSet, c.Value))
}

func (h *HVHandler) SetThreshold(c envelope.HVSetThreshold) envelope.ResponseEnvelope {
	return h.batch(envelope.TagHVThreshold, c.Target, h.writeOne(device.RegThreshold, c.Value))
}

func (h *HVHandler) SetLimitV(c envelope.HVSetLimitV) envelope.ResponseEnvelope {
	return h.batch(envelope.TagHVVoltageLimit, c.Target, h.writeOne(device.RegLimitVoltage, c.Value))
}

func (h *HVHandler) SetLimitI(c envelope.HVSetLimitI) envelope.ResponseEnvelope {
	return h.batch(envelope.TagHVCurrentLimit, c.Target, h.writeOne(device.RegLimitCurrent, c.Value))
}

func (h *HVHandler) SetLimitTrip(c envelope.HVSetLimitTrip) envelope.ResponseEnvelope {
	return h.batch(envelope.TagHVTripTimeLimit, c.Target, h.writeOne(device.RegLimitTripTime, c.Value))
}

func (h *HVHandler) PowerOn(c envelope.HVPowerOn) envelope.ResponseEnvelope {
	return h.batch(envelope.TagHVPowerOn, c.Target, func(port string, ch int) error {
		return h.bus.SetPower(port, ch, true)
	})
}

func (h *HVHandler) PowerOff(c envelope.HVPowerOff) envelope.ResponseEnvelope {
	return h.batch(envelope.TagHVPowerOff, c.Target, func(port string, ch int) error {
		return h.bus.SetPower(port, ch, false)
	})
}

func printMessage(c envelope.PrintMessage) envelope.ResponseEnvelope {
	log.Info().Str("type", c.Type).Str("message", c.Message).Msg("agent.print_message")
	return envelope.NewTextResponse(envelope.TagPrintMessage, c.Message)
}

var _ envelope.HVVisitor = (*HVHandler)(nil)
