package envelope

// HVVisitor handles every HV command variant. Adding a variant breaks every
// implementation until it is handled.
type HVVisitor interface {
	InitConfig(HVInitConfig) ResponseEnvelope
	SetVoltage(HVSetVoltage) ResponseEnvelope
	SetThreshold(HVSetThreshold) ResponseEnvelope
	SetLimitV(HVSetLimitV) ResponseEnvelope
	SetLimitI(HVSetLimitI) ResponseEnvelope
	SetLimitTrip(HVSetLimitTrip) ResponseEnvelope
	PowerOn(HVPowerOn) ResponseEnvelope
	PowerOff(HVPowerOff) ResponseEnvelope
}

// RCVisitor handles every RC command variant.
type RCVisitor interface {
	Read(RCRead) ResponseEnvelope
	Write(RCWrite) ResponseEnvelope
	PowerOn(RCPowerOn) ResponseEnvelope
}
