// Package device holds the hardware capability interfaces the agents drive and their
// in-memory stand-ins.
//
// HV boards sit on a Modbus serial line and are addressed 1..20; the deployment
// populates 1..7. The run-control board exposes 51 little-endian 32-bit registers
// through a UIO memory map.
package device
