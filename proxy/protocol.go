// Copyright 2026 The Sensormux Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/sensormux/sensormux/hal"
)

// Command codes for client→server records. Only Activate and SetDelay
// are interpreted; Batch and Flush are reserved and currently no-ops.
// Unknown codes are ignored so the protocol can grow without breaking
// old servers.
const (
	CmdActivate int32 = 0
	CmdSetDelay int32 = 1
	CmdBatch    int32 = 2
	CmdFlush    int32 = 3
)

// Record sizes. The transport preserves message boundaries (one record
// per send), so there is no length prefix; every record type has a
// fixed size and all integers are little-endian.
const (
	// commandSize is cmd (4) + handle (4) + an 8-byte payload that is
	// either an int32 enable flag or an int64 delay in nanoseconds,
	// selected by cmd.
	commandSize = 16

	// stringsSize is one name/vendor record of the handshake: two
	// 64-byte NUL-padded strings.
	stringsSize = 128
	nameBytes   = 64

	// descriptorSize is the numeric part of one sensor descriptor:
	// version, handle, type (int32) + maxRange, resolution, power
	// (float32) + minDelay (int32).
	descriptorSize = 28

	// sampleSize is one event record: handle, type (int32) +
	// timestamp ns (int64) + six float32 values.
	sampleSize = 40
)

// maxSensors bounds the inventory a client will accept. The handshake
// count field is attacker-ish input only in the sense that a confused
// server could send garbage; the bound keeps allocation sane.
const maxSensors = 256

// Command is one decoded client request. EnableFlag is meaningful for
// CmdActivate, DelayNs for CmdSetDelay; both are decoded from the
// payload bytes and the reader picks by Cmd.
type Command struct {
	Cmd        int32
	Handle     int32
	EnableFlag int32
	DelayNs    int64
}

// MarshalCommand encodes a command into its 16-byte wire form.
func MarshalCommand(c Command) []byte {
	buf := make([]byte, commandSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(c.Cmd))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(c.Handle))
	switch c.Cmd {
	case CmdSetDelay, CmdBatch:
		binary.LittleEndian.PutUint64(buf[8:16], uint64(c.DelayNs))
	default:
		binary.LittleEndian.PutUint32(buf[8:12], uint32(c.EnableFlag))
	}
	return buf
}

// ParseCommand decodes a 16-byte command record.
func ParseCommand(data []byte) (Command, error) {
	if len(data) != commandSize {
		return Command{}, fmt.Errorf("command record is %d bytes, want %d", len(data), commandSize)
	}
	return Command{
		Cmd:        int32(binary.LittleEndian.Uint32(data[0:4])),
		Handle:     int32(binary.LittleEndian.Uint32(data[4:8])),
		EnableFlag: int32(binary.LittleEndian.Uint32(data[8:12])),
		DelayNs:    int64(binary.LittleEndian.Uint64(data[8:16])),
	}, nil
}

// ReadCommand reads exactly one command record from r.
func ReadCommand(r io.Reader) (Command, error) {
	var buf [commandSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return Command{}, err
	}
	return ParseCommand(buf[:])
}

// MarshalSample encodes one sensor event record.
func MarshalSample(s hal.Sample) []byte {
	buf := make([]byte, sampleSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(s.Handle))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(s.Type))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(s.Timestamp))
	for i, v := range s.Values {
		binary.LittleEndian.PutUint32(buf[16+4*i:20+4*i], math.Float32bits(v))
	}
	return buf
}

// ParseSample decodes one 40-byte event record.
func ParseSample(data []byte) (hal.Sample, error) {
	if len(data) != sampleSize {
		return hal.Sample{}, fmt.Errorf("event record is %d bytes, want %d", len(data), sampleSize)
	}
	sample := hal.Sample{
		Handle:    int32(binary.LittleEndian.Uint32(data[0:4])),
		Type:      int32(binary.LittleEndian.Uint32(data[4:8])),
		Timestamp: int64(binary.LittleEndian.Uint64(data[8:16])),
	}
	for i := range sample.Values {
		sample.Values[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[16+4*i : 20+4*i]))
	}
	return sample, nil
}

// ReadSample reads exactly one event record from r.
func ReadSample(r io.Reader) (hal.Sample, error) {
	var buf [sampleSize]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return hal.Sample{}, err
	}
	return ParseSample(buf[:])
}

// WriteInventory sends the handshake: the sensor count, then one
// strings record per sensor, then one numeric descriptor record per
// sensor. Strings and numeric records are correlated by index; the
// variable-length text travels separately from the fixed numeric
// layout. Each of the three sections is a single send so the packet
// transport preserves its boundary.
func WriteInventory(w io.Writer, list []hal.Descriptor) error {
	var count [4]byte
	binary.LittleEndian.PutUint32(count[:], uint32(len(list)))
	if _, err := w.Write(count[:]); err != nil {
		return fmt.Errorf("write sensor count: %w", err)
	}

	strings := make([]byte, stringsSize*len(list))
	for i, d := range list {
		putFixedString(strings[i*stringsSize:], d.Name)
		putFixedString(strings[i*stringsSize+nameBytes:], d.Vendor)
	}
	if _, err := w.Write(strings); err != nil {
		return fmt.Errorf("write sensor strings: %w", err)
	}

	numeric := make([]byte, descriptorSize*len(list))
	for i, d := range list {
		buf := numeric[i*descriptorSize:]
		binary.LittleEndian.PutUint32(buf[0:4], uint32(d.Version))
		binary.LittleEndian.PutUint32(buf[4:8], uint32(d.Handle))
		binary.LittleEndian.PutUint32(buf[8:12], uint32(d.Type))
		binary.LittleEndian.PutUint32(buf[12:16], math.Float32bits(d.MaxRange))
		binary.LittleEndian.PutUint32(buf[16:20], math.Float32bits(d.Resolution))
		binary.LittleEndian.PutUint32(buf[20:24], math.Float32bits(d.Power))
		binary.LittleEndian.PutUint32(buf[24:28], uint32(d.MinDelay))
	}
	if _, err := w.Write(numeric); err != nil {
		return fmt.Errorf("write sensor descriptors: %w", err)
	}
	return nil
}

// ReadInventory reads the handshake and reassembles the descriptor
// list, joining strings and numeric records by index.
func ReadInventory(r io.Reader) ([]hal.Descriptor, error) {
	var countBuf [4]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("read sensor count: %w", err)
	}
	count := int32(binary.LittleEndian.Uint32(countBuf[:]))
	if count <= 0 || count > maxSensors {
		return nil, fmt.Errorf("sensor count %d out of range [1, %d]", count, maxSensors)
	}

	strings := make([]byte, stringsSize*int(count))
	if _, err := io.ReadFull(r, strings); err != nil {
		return nil, fmt.Errorf("read sensor strings: %w", err)
	}
	numeric := make([]byte, descriptorSize*int(count))
	if _, err := io.ReadFull(r, numeric); err != nil {
		return nil, fmt.Errorf("read sensor descriptors: %w", err)
	}

	list := make([]hal.Descriptor, count)
	for i := range list {
		s := strings[i*stringsSize:]
		n := numeric[i*descriptorSize:]
		list[i] = hal.Descriptor{
			Name:       fixedString(s[:nameBytes]),
			Vendor:     fixedString(s[nameBytes:stringsSize]),
			Version:    int32(binary.LittleEndian.Uint32(n[0:4])),
			Handle:     int32(binary.LittleEndian.Uint32(n[4:8])),
			Type:       int32(binary.LittleEndian.Uint32(n[8:12])),
			MaxRange:   math.Float32frombits(binary.LittleEndian.Uint32(n[12:16])),
			Resolution: math.Float32frombits(binary.LittleEndian.Uint32(n[16:20])),
			Power:      math.Float32frombits(binary.LittleEndian.Uint32(n[20:24])),
			MinDelay:   int32(binary.LittleEndian.Uint32(n[24:28])),
		}
	}
	return list, nil
}

// putFixedString copies s into a 64-byte NUL-padded field, truncating
// if necessary.
func putFixedString(buf []byte, s string) {
	n := copy(buf[:nameBytes], s)
	for i := n; i < nameBytes; i++ {
		buf[i] = 0
	}
}

// fixedString returns the string up to the first NUL.
func fixedString(buf []byte) string {
	if i := bytes.IndexByte(buf, 0); i >= 0 {
		return string(buf[:i])
	}
	return string(buf)
}
