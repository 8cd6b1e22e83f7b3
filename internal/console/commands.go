package console

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/danmuck/daqctl/internal/protocol/envelope"
	"github.com/danmuck/daqctl/internal/protocol/session"
	"github.com/spf13/pflag"
)

var (
	ErrUnknownCommand = errors.New("console: unknown command")
	ErrWrongContext   = errors.New("console: command not available here")
	ErrUsage          = errors.New("console: usage")
)

type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionConnect
	ActionStatus
	ActionHelp
	ActionBack
	ActionQuit
	ActionSend
)

// Action is one parsed operator line.
type Action struct {
	Kind    ActionKind
	Target  session.Identity
	Command envelope.Command
}

// Parser turns operator lines into actions for the current context. The empty
// identity is the main context.
type Parser struct {
	HVPort string
}

func (p Parser) Parse(current session.Identity, line string) (Action, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Action{Kind: ActionNone}, nil
	}
	name, args := fields[0], fields[1:]

	switch name {
	case "help", "?":
		return Action{Kind: ActionHelp}, nil
	case "quit", "exit":
		return Action{Kind: ActionQuit}, nil
	case "status":
		return Action{Kind: ActionStatus}, nil
	case "connect":
		if current != "" {
			return Action{}, fmt.Errorf("%w: %s is attached, use back first", ErrWrongContext, current)
		}
		if len(args) != 1 {
			return Action{}, fmt.Errorf("%w: connect <HV|RC>", ErrUsage)
		}
		id, err := session.ParseIdentity(args[0])
		if err != nil {
			return Action{}, err
		}
		return Action{Kind: ActionConnect, Target: id}, nil
	case "back":
		if current == "" {
			return Action{}, fmt.Errorf("%w: not attached", ErrWrongContext)
		}
		return Action{Kind: ActionBack}, nil
	case envelope.CmdPrintMessage:
		if current == "" {
			return Action{}, fmt.Errorf("%w: connect to HV or RC first", ErrWrongContext)
		}
		text := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), name))
		if text == "" {
			return Action{}, fmt.Errorf("%w: print_message <text...>", ErrUsage)
		}
		typ := envelope.TypeHVConfig
		if current == session.IdentityRC {
			typ = envelope.TypeRCConfig
		}
		return send(envelope.PrintMessage{Type: typ, Message: text}), nil
	}

	switch current {
	case session.IdentityHV:
		return p.parseHV(name, args)
	case session.IdentityRC:
		return parseRC(name, args)
	}
	if isHVCommand(name) || isRCCommand(name) {
		return Action{}, fmt.Errorf("%w: %s needs an attached agent, use connect <HV|RC>", ErrWrongContext, name)
	}
	return Action{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
}

func send(cmd envelope.Command) Action {
	return Action{Kind: ActionSend, Command: cmd}
}

var hvValueCommands = []string{"set_voltage", "set_threshold", "set_limitV", "set_limitI", "set_limitTrip"}

func isHVCommand(name string) bool {
	switch name {
	case "set_init_conf", "power_on", "power_off":
		return true
	}
	for _, n := range hvValueCommands {
		if n == name {
			return true
		}
	}
	return false
}

func isRCCommand(name string) bool {
	switch name {
	case "read", "write", "power_on":
		return true
	}
	return false
}

func newFlagSet(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.SetInterspersed(true)
	return fs
}

// orderArgs puts flags first and positionals after "--", so a negative value
// such as -5 is read as a number instead of a shorthand flag.
func orderArgs(fs *pflag.FlagSet, args []string) []string {
	var flags, pos []string
	for i := 0; i < len(args); i++ {
		a := args[i]
		if a == "--" {
			pos = append(pos, args[i+1:]...)
			break
		}
		if a == "-" || !strings.HasPrefix(a, "-") || isNumber(a) {
			pos = append(pos, a)
			continue
		}
		flags = append(flags, a)
		if strings.Contains(a, "=") || !strings.HasPrefix(a, "--") {
			continue
		}
		if f := fs.Lookup(strings.TrimPrefix(a, "--")); f != nil && f.NoOptDefVal == "" && i+1 < len(args) {
			i++
			flags = append(flags, args[i])
		}
	}
	return append(append(flags, "--"), pos...)
}

func isNumber(raw string) bool {
	if _, err := strconv.ParseInt(raw, 0, 64); err == nil {
		return true
	}
	_, err := strconv.ParseFloat(raw, 64)
	return err == nil
}

var hvSettingFlags = []string{
	envelope.FieldVoltageSet,
	envelope.FieldThresholdSet,
	envelope.FieldLimitTripTime,
	envelope.FieldLimitVoltage,
	envelope.FieldLimitCurrent,
	envelope.FieldLimitTemperature,
	envelope.FieldRateUp,
	envelope.FieldRateDown,
}

func (p Parser) parseHV(name string, args []string) (Action, error) {
	if !isHVCommand(name) {
		if isRCCommand(name) {
			return Action{}, fmt.Errorf("%w: %s is an RC command", ErrWrongContext, name)
		}
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	fs := newFlagSet(name)
	port := fs.String("port", p.HVPort, "serial port of the HV boards")
	settings := make(map[string]*string, len(hvSettingFlags))
	if name == "set_init_conf" {
		for _, flag := range hvSettingFlags {
			settings[flag] = fs.String(flag, "", flag)
		}
	}
	if err := fs.Parse(orderArgs(fs, args)); err != nil {
		return Action{}, fmt.Errorf("%w: %s: %v", ErrUsage, name, err)
	}
	pos := fs.Args()
	if len(pos) == 0 {
		return Action{}, fmt.Errorf("%w: %s <channels> ...", ErrUsage, name)
	}
	target := envelope.HVTarget{Channels: pos[0], Port: *port}

	switch name {
	case "set_init_conf":
		if len(pos) != 1 {
			return Action{}, fmt.Errorf("%w: set_init_conf <channels> [--setting value ...]", ErrUsage)
		}
		var s envelope.HVSettings
		dst := map[string]**int{
			envelope.FieldVoltageSet:       &s.VoltageSet,
			envelope.FieldThresholdSet:     &s.ThresholdSet,
			envelope.FieldLimitTripTime:    &s.LimitTripTime,
			envelope.FieldLimitVoltage:     &s.LimitVoltage,
			envelope.FieldLimitCurrent:     &s.LimitCurrent,
			envelope.FieldLimitTemperature: &s.LimitTemperature,
			envelope.FieldRateUp:           &s.RateUp,
			envelope.FieldRateDown:         &s.RateDown,
		}
		for _, flag := range hvSettingFlags {
			if !fs.Changed(flag) {
				continue
			}
			v, err := parseInt(flag, *settings[flag])
			if err != nil {
				return Action{}, err
			}
			*dst[flag] = &v
		}
		return send(envelope.HVInitConfig{Target: target, Settings: s}), nil
	case "power_on", "power_off":
		if len(pos) != 1 {
			return Action{}, fmt.Errorf("%w: %s <channels> [--port P]", ErrUsage, name)
		}
		if name == "power_on" {
			return send(envelope.HVPowerOn{Target: target}), nil
		}
		return send(envelope.HVPowerOff{Target: target}), nil
	}

	if len(pos) != 2 {
		return Action{}, fmt.Errorf("%w: %s <channels> <value> [--port P]", ErrUsage, name)
	}
	v, err := parseInt("value", pos[1])
	if err != nil {
		return Action{}, err
	}
	switch name {
	case "set_voltage":
		return send(envelope.HVSetVoltage{Target: target, Value: v}), nil
	case "set_threshold":
		return send(envelope.HVSetThreshold{Target: target, Value: v}), nil
	case "set_limitV":
		return send(envelope.HVSetLimitV{Target: target, Value: v}), nil
	case "set_limitI":
		return send(envelope.HVSetLimitI{Target: target, Value: v}), nil
	default:
		return send(envelope.HVSetLimitTrip{Target: target, Value: v}), nil
	}
}

func parseRC(name string, args []string) (Action, error) {
	if !isRCCommand(name) {
		if isHVCommand(name) {
			return Action{}, fmt.Errorf("%w: %s is an HV command", ErrWrongContext, name)
		}
		return Action{}, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	fs := newFlagSet(name)
	if err := fs.Parse(orderArgs(fs, args)); err != nil {
		return Action{}, fmt.Errorf("%w: %s: %v", ErrUsage, name, err)
	}
	pos := fs.Args()

	switch name {
	case "read":
		if len(pos) != 1 {
			return Action{}, fmt.Errorf("%w: read <address>", ErrUsage)
		}
		addr, err := parseInt("address", pos[0])
		if err != nil {
			return Action{}, err
		}
		return send(envelope.RCRead{Address: addr}), nil
	case "write":
		if len(pos) != 2 {
			return Action{}, fmt.Errorf("%w: write <address> <value>", ErrUsage)
		}
		addr, err := parseInt("address", pos[0])
		if err != nil {
			return Action{}, err
		}
		v, err := strconv.ParseUint(pos[1], 0, 32)
		if err != nil {
			return Action{}, fmt.Errorf("%w: value %q: %v", ErrUsage, pos[1], err)
		}
		return send(envelope.RCWrite{Address: addr, Value: uint32(v)}), nil
	default:
		if len(pos) != 1 {
			return Action{}, fmt.Errorf("%w: power_on <channels>", ErrUsage)
		}
		return send(envelope.RCPowerOn{Channels: pos[0]}), nil
	}
}

// parseInt accepts Go integer literals, so 0x10 and 16 are the same address.
func parseInt(name string, raw string) (int, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 0, 0)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q: %v", ErrUsage, name, raw, err)
	}
	return int(v), nil
}

// Help lists the commands available in context current.
func Help(current session.Identity) []string {
	common := []string{"help", "status", "quit"}
	switch current {
	case session.IdentityHV:
		return append([]string{
			"set_init_conf <channels> [--port P] [--voltage_set V] [--threshold_set T] [--limit_trip_time S]",
			"              [--limit_voltage V] [--limit_current I] [--limit_temperature T] [--rate_up R] [--rate_down R]",
			"set_voltage <channels> <value> [--port P]",
			"set_threshold <channels> <value> [--port P]",
			"set_limitV <channels> <value> [--port P]",
			"set_limitI <channels> <value> [--port P]",
			"set_limitTrip <channels> <value> [--port P]",
			"power_on <channels> [--port P]",
			"power_off <channels> [--port P]",
			"print_message <text...>",
			"back",
		}, common...)
	case session.IdentityRC:
		return append([]string{
			"read <address>",
			"write <address> <value>",
			"power_on <channels>",
			"print_message <text...>",
			"back",
		}, common...)
	default:
		return append([]string{"connect <HV|RC>"}, common...)
	}
}
