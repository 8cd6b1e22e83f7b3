package envelope

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// DecodeCommandVariant decodes data straight into a Command.
func DecodeCommandVariant(data []byte) (Command, error) {
	env, err := DecodeCommand(data)
	if err != nil {
		return nil, err
	}
	return ParseCommand(env)
}

// ParseCommand maps (type, command) onto its variant and validates its fields.
func ParseCommand(env CommandEnvelope) (Command, error) {
	r := fieldReader{env: env}
	var cmd Command
	switch env.Type {
	case TypeClients:
		if env.Command == CmdBack {
			cmd = Back{}
		}
	case TypeHVConfig, TypeRCConfig:
		if env.Command == CmdPrintMessage {
			cmd = PrintMessage{Type: env.Type, Message: r.text(FieldMessage)}
		}
	case TypeHVCommand:
		cmd = parseHV(env.Command, &r)
	case TypeRCCommand:
		cmd = parseRC(env.Command, &r)
	}
	if cmd == nil {
		return nil, decodeErr(KindUnknownCommand, "type=%q command=%q", env.Type, env.Command)
	}
	if r.err != nil {
		return nil, r.err
	}
	return cmd, nil
}

func parseHV(command string, r *fieldReader) Command {
	switch command {
	case CmdHVInitConfig:
		return HVInitConfig{
			Target: r.target(),
			Settings: HVSettings{
				VoltageSet:       r.optInt(FieldVoltageSet),
				ThresholdSet:     r.optInt(FieldThresholdSet),
				LimitTripTime:    r.optInt(FieldLimitTripTime),
				LimitVoltage:     r.optInt(FieldLimitVoltage),
				LimitCurrent:     r.optInt(FieldLimitCurrent),
				LimitTemperature: r.optInt(FieldLimitTemperature),
				RateUp:           r.optInt(FieldRateUp),
				RateDown:         r.optInt(FieldRateDown),
			},
		}
	case CmdHVSetVoltage:
		return HVSetVoltage{Target: r.target(), Value: r.integer(FieldVoltageSet)}
	case CmdHVSetThreshold:
		return HVSetThreshold{Target: r.target(), Value: r.integer(FieldThreshold)}
	case CmdHVSetLimitV:
		return HVSetLimitV{Target: r.target(), Value: r.integer(FieldLimVoltage)}
	case CmdHVSetLimitI:
		return HVSetLimitI{Target: r.target(), Value: r.integer(FieldLimCurrent)}
	case CmdHVSetLimitTrip:
		return HVSetLimitTrip{Target: r.target(), Value: r.integer(FieldLimTripTime)}
	case CmdHVPowerOn:
		return HVPowerOn{Target: r.target()}
	case CmdHVPowerOff:
		return HVPowerOff{Target: r.target()}
	default:
		return nil
	}
}

func parseRC(command string, r *fieldReader) Command {
	switch command {
	case CmdRCRead:
		return RCRead{Address: r.integer(FieldAddress)}
	case CmdRCWrite:
		addr := r.integer(FieldAddress)
		value := r.integer(FieldValue)
		if r.err == nil && (value < 0 || int64(value) > math.MaxUint32) {
			r.fail(FieldValue, "out of 32-bit range")
		}
		return RCWrite{Address: addr, Value: uint32(value)}
	case CmdRCPowerOn:
		return RCPowerOn{Channels: r.selector(FieldChannels)}
	default:
		return nil
	}
}

// fieldReader records the first field error and returns zero values after it.
type fieldReader struct {
	env CommandEnvelope
	err error
}

func (r *fieldReader) fail(name string, reason string) {
	if r.err == nil {
		r.err = decodeErr(KindInvalidField, "field %q: %s", name, reason)
	}
}

func (r *fieldReader) raw(name string) (Value, bool) {
	v, ok := r.env.fields[name]
	if !ok || string(v) == "null" {
		return nil, false
	}
	return v, true
}

func (r *fieldReader) text(name string) string {
	v, ok := r.raw(name)
	if !ok {
		r.fail(name, "missing")
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		r.fail(name, "not a string")
		return ""
	}
	return s
}

func (r *fieldReader) optText(name string) string {
	if _, ok := r.raw(name); !ok {
		return ""
	}
	return r.text(name)
}

// selector accepts "all", "1,2,9" or a bare JSON integer.
func (r *fieldReader) selector(name string) string {
	v, ok := r.raw(name)
	if !ok {
		r.fail(name, "missing")
		return ""
	}
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		return n.String()
	}
	return r.text(name)
}

func (r *fieldReader) target() HVTarget {
	return HVTarget{Channels: r.selector(FieldChannel), Port: r.optText(FieldPort)}
}

// integer accepts a JSON integer or a string in Go literal syntax ("0x10").
func (r *fieldReader) integer(name string) int {
	v, ok := r.raw(name)
	if !ok {
		r.fail(name, "missing")
		return 0
	}
	n, err := parseInteger(v)
	if err != nil {
		r.fail(name, err.Error())
		return 0
	}
	return n
}

func (r *fieldReader) optInt(name string) *int {
	if _, ok := r.raw(name); !ok {
		return nil
	}
	n := r.integer(name)
	return &n
}

func parseInteger(v Value) (int, error) {
	var n json.Number
	if err := json.Unmarshal(v, &n); err == nil {
		i, err := strconv.ParseInt(n.String(), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("not an integer: %s", n)
		}
		return int(i), nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	i, err := strconv.ParseInt(strings.TrimSpace(s), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int(i), nil
}
