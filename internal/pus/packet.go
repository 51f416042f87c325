// Package pus holds read-only views over CCSDS space packets and the PUS
// secondary headers the correlation services need.
package pus

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// PrimaryHeaderLength is the size in octets of a CCSDS primary header.
const PrimaryHeaderLength = 6

// CommandIDLength is the size of the command identifier: packet id plus
// sequence control of the telecommand.
const CommandIDLength = 4

// ErrShortPacket is returned when a packet is too small for the requested field.
var ErrShortPacket = errors.New("packet too short")

// SpacePacket is an encoded CCSDS space packet.
type SpacePacket struct {
	Data    []byte
	Quality bool
}

// Telemetry reports whether the packet type bit marks telemetry.
func (p SpacePacket) Telemetry() bool {
	return len(p.Data) > 0 && p.Data[0]&0x10 == 0
}

// SecondaryHeader reports the secondary header flag.
func (p SpacePacket) SecondaryHeader() bool {
	return len(p.Data) > 0 && p.Data[0]&0x08 != 0
}

// APID returns the application process identifier.
func (p SpacePacket) APID() uint16 {
	if len(p.Data) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(p.Data[0:2]) & 0x07FF
}

// SequenceCount returns the 14-bit packet sequence count.
func (p SpacePacket) SequenceCount() uint16 {
	if len(p.Data) < 4 {
		return 0
	}
	return binary.BigEndian.Uint16(p.Data[2:4]) & 0x3FFF
}

// CommandID returns the identifier of a telecommand: its first four octets.
func CommandID(tc []byte) (uint32, error) {
	if len(tc) < CommandIDLength {
		return 0, fmt.Errorf("command id: %w (%d octets)", ErrShortPacket, len(tc))
	}
	return binary.BigEndian.Uint32(tc[:CommandIDLength]), nil
}

// ReportedCommandID extracts the identifier of the verified telecommand from
// a service 1 report, located right after the primary and PUS headers.
func ReportedCommandID(tm []byte, pusHeaderLength int) (uint32, error) {
	off := PrimaryHeaderLength + pusHeaderLength
	if pusHeaderLength < 0 || len(tm) < off+CommandIDLength {
		return 0, fmt.Errorf("reported command id at offset %d: %w (%d octets)", off, ErrShortPacket, len(tm))
	}
	return binary.BigEndian.Uint32(tm[off : off+CommandIDLength]), nil
}

// BuildPacket encodes a minimal space packet around the given data field.
// The sequence flags are set to unsegmented.
func BuildPacket(telemetry bool, apid uint16, seq uint16, secondary bool, data []byte) []byte {
	out := make([]byte, PrimaryHeaderLength+len(data))
	word := apid & 0x07FF
	if !telemetry {
		word |= 0x1000
	}
	if secondary {
		word |= 0x0800
	}
	binary.BigEndian.PutUint16(out[0:2], word)
	binary.BigEndian.PutUint16(out[2:4], 0xC000|(seq&0x3FFF))
	length := len(data) - 1
	if length < 0 {
		length = 0
	}
	binary.BigEndian.PutUint16(out[4:6], uint16(length))
	copy(out[PrimaryHeaderLength:], data)
	return out
}
