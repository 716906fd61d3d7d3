// Package framed is a reference [syncshm.Archiver] implementation: a
// framing format for publishing a slice of length-prefixed string records
// (the running end-to-end example throughout the synchronization engine's
// design is exactly this: publishing a version counter plus a list of
// strings). It exists to give the engine something runnable without a
// generated codec, and to demonstrate what a real Archiver looks like:
// a fixed-size header, a validated index, and bounds-checked access.
//
// Wire format:
//
//	offset 0   magic "FRM1" (4 bytes)
//	offset 4   format version, uint16 LE
//	offset 6   record count, uint16 LE
//	offset 8   payload version counter, uint64 LE
//	offset 16  record index: record count * 8 bytes, each a (offset
//	           uint32 LE, length uint32 LE) pair; offset is measured from
//	           the start of the image
//	then       concatenated record bytes
package framed

import (
	"encoding/binary"
	"fmt"

	"github.com/shmsync/shmsync/pkg/syncshm"
)

const (
	magic         = "FRM1"
	formatVersion = 1

	headerSize    = 16
	indexEntrySize = 8
)

// Message is the example payload: a monotonic counter plus an ordered list
// of strings, matching the data model's end-to-end scenarios.
type Message struct {
	Version  uint64
	Messages []string
}

// Archiver implements syncshm.Archiver[Message] over the framing format
// described in the package doc.
type Archiver struct{}

var _ syncshm.Archiver[Message] = Archiver{}

// Serialize lays Message out per the wire format. Returns
// ErrSerializationFailed if any record would make the record count or an
// offset overflow their 16/32-bit fields.
func (Archiver) Serialize(msg Message) ([]byte, error) {
	if len(msg.Messages) > 0xFFFF {
		return nil, fmt.Errorf("%w: %d records exceeds uint16 index", syncshm.ErrSerializationFailed, len(msg.Messages))
	}

	indexSize := len(msg.Messages) * indexEntrySize

	recordsSize := 0
	for _, m := range msg.Messages {
		recordsSize += len(m)
	}

	total := headerSize + indexSize + recordsSize
	if uint64(total) > 0xFFFFFFFF {
		return nil, fmt.Errorf("%w: record bytes exceed uint32 offsets", syncshm.ErrSerializationFailed)
	}

	buf := make([]byte, total)

	copy(buf[0:4], magic)
	binary.LittleEndian.PutUint16(buf[4:6], formatVersion)
	binary.LittleEndian.PutUint16(buf[6:8], uint16(len(msg.Messages)))
	binary.LittleEndian.PutUint64(buf[8:16], msg.Version)

	indexOff := headerSize
	dataOff := uint32(headerSize + indexSize)

	for i, m := range msg.Messages {
		entryOff := indexOff + i*indexEntrySize
		binary.LittleEndian.PutUint32(buf[entryOff:entryOff+4], dataOff)
		binary.LittleEndian.PutUint32(buf[entryOff+4:entryOff+8], uint32(len(m)))

		n := copy(buf[dataOff:], m)
		dataOff += uint32(n)
	}

	return buf, nil
}

// Validate performs full structural validation: magic, format version,
// and that every index entry's offset/length falls within bounds. Use
// this after a checksum-gated read of untrusted bytes.
func (Archiver) Validate(data []byte) (Message, error) {
	if len(data) < headerSize {
		return Message{}, fmt.Errorf("%w: %d bytes shorter than header", syncshm.ErrValidationFailed, len(data))
	}

	if string(data[0:4]) != magic {
		return Message{}, fmt.Errorf("%w: bad magic", syncshm.ErrValidationFailed)
	}

	if v := binary.LittleEndian.Uint16(data[4:6]); v != formatVersion {
		return Message{}, fmt.Errorf("%w: format version %d unsupported", syncshm.ErrValidationFailed, v)
	}

	count := int(binary.LittleEndian.Uint16(data[6:8]))
	version := binary.LittleEndian.Uint64(data[8:16])

	indexEnd := headerSize + count*indexEntrySize
	if len(data) < indexEnd {
		return Message{}, fmt.Errorf("%w: record index runs past buffer", syncshm.ErrValidationFailed)
	}

	dataLen := uint32(len(data))

	records := make([]string, count)
	for i := range count {
		entryOff := headerSize + i*indexEntrySize
		off := binary.LittleEndian.Uint32(data[entryOff : entryOff+4])
		length := binary.LittleEndian.Uint32(data[entryOff+4 : entryOff+8])

		if off > dataLen || length > dataLen-off {
			return Message{}, fmt.Errorf("%w: record %d offset/length out of bounds", syncshm.ErrValidationFailed, i)
		}

		records[i] = string(data[off : off+length])
	}

	return Message{Version: version, Messages: records}, nil
}

// Access is the Archiver's unchecked entry point. In this archiver it is
// identical to Validate: it runs the same magic/version/bounds checks and
// returns an error, not a panic, for corrupted bytes. Skipping the checksum
// on the unvalidated read path is done by the Synchronizer, not here.
func (a Archiver) Access(data []byte) (Message, error) {
	return a.Validate(data)
}
