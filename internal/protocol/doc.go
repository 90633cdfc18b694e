// Package protocol owns the radio wire contract.
//
// Ownership boundary:
// - FromRadio/ToRadio/MeshPacket message model
// - per-port payload codecs
// - frame-level encode/decode entry points
package protocol
