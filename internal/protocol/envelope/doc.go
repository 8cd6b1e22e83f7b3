// Package envelope encodes and decodes the payloads exchanged on a console/agent session.
//
// Two payload families share one transport:
// - liveness tokens, raw bytes compared exactly (Ping, Alive, Connection successful)
// - JSON envelopes: flat command objects {"type","command",<fields>} and
//   response objects {"response","result"}
//
// Decoded commands become variants of the sealed Command union; HV and RC handlers
// consume them through HVVisitor and RCVisitor.
package envelope
