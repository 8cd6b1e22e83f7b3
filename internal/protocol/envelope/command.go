package envelope

// Envelope types.
const (
	TypeClients   = "clients"
	TypeHVCommand = "hv_command"
	TypeRCCommand = "rc_command"
	TypeHVConfig  = "hv_config"
	TypeRCConfig  = "rc_config"
)

// Command names.
const (
	CmdBack           = "back"
	CmdHVInitConfig   = "set_init_configuration"
	CmdHVSetVoltage   = "set_voltage"
	CmdHVSetThreshold = "set_threshold"
	CmdHVSetLimitV    = "set_limitV"
	CmdHVSetLimitI    = "set_limitI"
	CmdHVSetLimitTrip = "set_limitTrip"
	CmdHVPowerOn      = "set_power_on"
	CmdHVPowerOff     = "set_power_off"
	CmdRCRead         = "read_address"
	CmdRCWrite        = "write_address"
	CmdRCPowerOn      = "rc_pwr_on"
	CmdPrintMessage   = "print_message"
)

// Response tags.
const (
	TagHVInitConf      = "hv_init_conf"
	TagHVVoltageSet    = "hv_voltage_set"
	TagHVThreshold     = "hv_threshold"
	TagHVVoltageLimit  = "hv_voltage_limit"
	TagHVCurrentLimit  = "hv_current_limit"
	TagHVTripTimeLimit = "hv_triptime_limit"
	TagHVPowerOn       = "hv_power_on"
	TagHVPowerOff      = "hv_power_off"
	TagRCRead          = "rc_read"
	TagRCWrite         = "rc_write"
	TagRCPowerOn       = "rc_power_on"
	TagPrintMessage    = "print_message"
)

// Field names.
const (
	FieldChannel          = "channel"
	FieldPort             = "port"
	FieldVoltageSet       = "voltage_set"
	FieldThresholdSet     = "threshold_set"
	FieldLimitTripTime    = "limit_trip_time"
	FieldLimitVoltage     = "limit_voltage"
	FieldLimitCurrent     = "limit_current"
	FieldLimitTemperature = "limit_temperature"
	FieldRateUp           = "rate_up"
	FieldRateDown         = "rate_down"
	FieldThreshold        = "threshold"
	FieldLimVoltage       = "lim_voltage"
	FieldLimCurrent       = "lim_current"
	FieldLimTripTime      = "lim_triptime"
	FieldAddress          = "address"
	FieldValue            = "value"
	FieldChannels         = "channels"
	FieldMessage          = "message"
)

// Command is the closed set of requests a console can send.
type Command interface {
	// Envelope renders the command for the wire.
	Envelope() CommandEnvelope
	// ResponseTag is the tag of the expected reply; empty when no reply is sent.
	ResponseTag() string
	isCommand()
}

// HVCommand is a Command served by the HV agent.
type HVCommand interface {
	Command
	AcceptHV(v HVVisitor) ResponseEnvelope
}

// RCCommand is a Command served by the RC agent.
type RCCommand interface {
	Command
	AcceptRC(v RCVisitor) ResponseEnvelope
}

// Back ends the agent's command loop. It has no reply.
type Back struct{}

func (Back) Envelope() CommandEnvelope { return build(TypeClients, CmdBack, nil) }
func (Back) ResponseTag() string       { return "" }
func (Back) isCommand()                {}

// PrintMessage asks an agent to log and echo a message.
type PrintMessage struct {
	// Type is TypeHVConfig or TypeRCConfig.
	Type    string
	Message string
}

func (c PrintMessage) Envelope() CommandEnvelope {
	return build(c.Type, CmdPrintMessage, fieldSet{FieldMessage: c.Message})
}
func (PrintMessage) ResponseTag() string { return TagPrintMessage }
func (PrintMessage) isCommand()          {}

// HVTarget selects channels on one serial port. Channels is "all" or "1,2,9".
type HVTarget struct {
	Channels string
	Port     string
}

func (t HVTarget) fields() fieldSet {
	f := fieldSet{FieldChannel: t.Channels}
	if t.Port != "" {
		f[FieldPort] = t.Port
	}
	return f
}

// HVSettings are the optional per-channel settings of an init configuration.
type HVSettings struct {
	VoltageSet       *int
	ThresholdSet     *int
	LimitTripTime    *int
	LimitVoltage     *int
	LimitCurrent     *int
	LimitTemperature *int
	RateUp           *int
	RateDown         *int
}

func (s HVSettings) fieldsInto(f fieldSet) {
	for _, item := range []struct {
		name  string
		value *int
	}{
		{FieldVoltageSet, s.VoltageSet},
		{FieldThresholdSet, s.ThresholdSet},
		{FieldLimitTripTime, s.LimitTripTime},
		{FieldLimitVoltage, s.LimitVoltage},
		{FieldLimitCurrent, s.LimitCurrent},
		{FieldLimitTemperature, s.LimitTemperature},
		{FieldRateUp, s.RateUp},
		{FieldRateDown, s.RateDown},
	} {
		if item.value != nil {
			f[item.name] = *item.value
		}
	}
}

type HVInitConfig struct {
	Target   HVTarget
	Settings HVSettings
}

func (c HVInitConfig) Envelope() CommandEnvelope {
	f := c.Target.fields()
	c.Settings.fieldsInto(f)
	return build(TypeHVCommand, CmdHVInitConfig, f)
}
func (HVInitConfig) ResponseTag() string                     { return TagHVInitConf }
func (HVInitConfig) isCommand()                              {}
func (c HVInitConfig) AcceptHV(v HVVisitor) ResponseEnvelope { return v.InitConfig(c) }

type HVSetVoltage struct {
	Target HVTarget
	Value  int
}

func (c HVSetVoltage) Envelope() CommandEnvelope {
	return build(TypeHVCommand, CmdHVSetVoltage, c.Target.with(FieldVoltageSet, c.Value))
}
func (HVSetVoltage) ResponseTag() string                     { return TagHVVoltageSet }
func (HVSetVoltage) isCommand()                              {}
func (c HVSetVoltage) AcceptHV(v HVVisitor) ResponseEnvelope { return v.SetVoltage(c) }

type HVSetThreshold struct {
	Target HVTarget
	Value  int
}

func (c HVSetThreshold) Envelope() CommandEnvelope {
	return build(TypeHVCommand, CmdHVSetThreshold, c.Target.with(FieldThreshold, c.Value))
}
func (HVSetThreshold) ResponseTag() string                     { return TagHVThreshold }
func (HVSetThreshold) isCommand()                              {}
func (c HVSetThreshold) AcceptHV(v HVVisitor) ResponseEnvelope { return v.SetThreshold(c) }

type HVSetLimitV struct {
	Target HVTarget
	Value  int
}

func (c HVSetLimitV) Envelope() CommandEnvelope {
	return build(TypeHVCommand, CmdHVSetLimitV, c.Target.with(FieldLimVoltage, c.Value))
}
func (HVSetLimitV) ResponseTag() string                     { return TagHVVoltageLimit }
func (HVSetLimitV) isCommand()                              {}
func (c HVSetLimitV) AcceptHV(v HVVisitor) ResponseEnvelope { return v.SetLimitV(c) }

type HVSetLimitI struct {
	Target HVTarget
	Value  int
}

func (c HVSetLimitI) Envelope() CommandEnvelope {
	return build(TypeHVCommand, CmdHVSetLimitI, c.Target.with(FieldLimCurrent, c.Value))
}
func (HVSetLimitI) ResponseTag() string                     { return TagHVCurrentLimit }
func (HVSetLimitI) isCommand()                              {}
func (c HVSetLimitI) AcceptHV(v HVVisitor) ResponseEnvelope { return v.SetLimitI(c) }

type HVSetLimitTrip struct {
	Target HVTarget
	Value  int
}

func (c HVSetLimitTrip) Envelope() CommandEnvelope {
	return build(TypeHVCommand, CmdHVSetLimitTrip, c.Target.with(FieldLimTripTime, c.Value))
}
func (HVSetLimitTrip) ResponseTag() string                     { return TagHVTripTimeLimit }
func (HVSetLimitTrip) isCommand()                              {}
func (c HVSetLimitTrip) AcceptHV(v HVVisitor) ResponseEnvelope { return v.SetLimitTrip(c) }

type HVPowerOn struct {
	Target HVTarget
}

func (c HVPowerOn) Envelope() CommandEnvelope {
	return build(TypeHVCommand, CmdHVPowerOn, c.Target.fields())
}
func (HVPowerOn) ResponseTag() string                     { return TagHVPowerOn }
func (HVPowerOn) isCommand()                              {}
func (c HVPowerOn) AcceptHV(v HVVisitor) ResponseEnvelope { return v.PowerOn(c) }

type HVPowerOff struct {
	Target HVTarget
}

func (c HVPowerOff) Envelope() CommandEnvelope {
	return build(TypeHVCommand, CmdHVPowerOff, c.Target.fields())
}
func (HVPowerOff) ResponseTag() string                     { return TagHVPowerOff }
func (HVPowerOff) isCommand()                              {}
func (c HVPowerOff) AcceptHV(v HVVisitor) ResponseEnvelope { return v.PowerOff(c) }

// RCRead reads one run-control register.
type RCRead struct {
	Address int
}

func (c RCRead) Envelope() CommandEnvelope {
	return build(TypeRCCommand, CmdRCRead, fieldSet{FieldAddress: c.Address})
}
func (RCRead) ResponseTag() string                     { return TagRCRead }
func (RCRead) isCommand()                              {}
func (c RCRead) AcceptRC(v RCVisitor) ResponseEnvelope { return v.Read(c) }

// RCWrite writes one run-control register.
type RCWrite struct {
	Address int
	Value   uint32
}

func (c RCWrite) Envelope() CommandEnvelope {
	return build(TypeRCCommand, CmdRCWrite, fieldSet{FieldAddress: c.Address, FieldValue: c.Value})
}
func (RCWrite) ResponseTag() string                     { return TagRCWrite }
func (RCWrite) isCommand()                              {}
func (c RCWrite) AcceptRC(v RCVisitor) ResponseEnvelope { return v.Write(c) }

// RCPowerOn opens channels in data mode. Channels is "all" or "1,2,3".
type RCPowerOn struct {
	Channels string
}

func (c RCPowerOn) Envelope() CommandEnvelope {
	return build(TypeRCCommand, CmdRCPowerOn, fieldSet{FieldChannels: c.Channels})
}
func (RCPowerOn) ResponseTag() string                     { return TagRCPowerOn }
func (RCPowerOn) isCommand()                              {}
func (c RCPowerOn) AcceptRC(v RCVisitor) ResponseEnvelope { return v.PowerOn(c) }

type fieldSet map[string]any

func (t HVTarget) with(name string, value int) fieldSet {
	f := t.fields()
	f[name] = value
	return f
}

// build renders basic Go values; strings and integers always marshal.
func build(typ string, command string, f fieldSet) CommandEnvelope {
	fields := make(map[string]Value, len(f))
	for name, v := range f {
		raw, _ := marshalCompact(v)
		fields[name] = raw
	}
	return CommandEnvelope{Type: typ, Command: command, fields: fields}
}
