package txlog

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"time"

	"github.com/pkg/errors"
)

// Segment files encode records in a binary format with a fixed-length
// header: a 4-byte magic word for de-synchronization detection, a
// little-endian uint32 payload length, and a little-endian uint32 CRC32-C
// of the payload. The payload is [offset i64][unix-nanos i64][message].

// frameHeaderLength is the number of leading header bytes of each frame.
const frameHeaderLength = 12

// recordPrefixLength is the offset and timestamp prefix of a frame payload.
const recordPrefixLength = 16

var (
	// ErrDesyncDetected is returned upon detection of an invalid frame.
	ErrDesyncDetected = errors.New("detected de-synchronization")
	// magicWord precedes all frame encodings.
	magicWord = [4]byte{0x57, 0x1c, 0xaa, 0x3d}

	crcTable = crc32.MakeTable(crc32.Castagnoli)
)

// appendFrame appends a framed record payload into buffer |b|, which is
// grown if needed and returned.
func appendFrame(b []byte, rec Record) ([]byte, error) {
	var msg, err = rec.Message.MarshalBinary()
	if err != nil {
		return nil, errors.WithMessage(err, "marshalling message")
	}

	var payload = make([]byte, recordPrefixLength, recordPrefixLength+len(msg))
	binary.LittleEndian.PutUint64(payload[0:8], uint64(rec.Offset))
	binary.LittleEndian.PutUint64(payload[8:16], uint64(rec.Timestamp.UnixNano()))
	payload = append(payload, msg...)

	b = append(b, magicWord[:]...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(payload)))
	b = binary.LittleEndian.AppendUint32(b, crc32.Checksum(payload, crcTable))
	return append(b, payload...), nil
}

// unpackRecord reads the next frame from |br| and decodes its Record.
// io.EOF is returned cleanly at a whole-frame boundary. A torn frame (short
// header or payload, or CRC mismatch) is returned as io.ErrUnexpectedEOF
// so that callers may distinguish a truncated tail from clean EOF.
func unpackRecord(br *bufio.Reader) (Record, error) {
	var hdr [frameHeaderLength]byte

	if _, err := io.ReadFull(br, hdr[:4]); err == io.EOF {
		return Record{}, io.EOF
	} else if err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	if hdr[0] != magicWord[0] || hdr[1] != magicWord[1] || hdr[2] != magicWord[2] || hdr[3] != magicWord[3] {
		return Record{}, ErrDesyncDetected
	}
	if _, err := io.ReadFull(br, hdr[4:]); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}

	var length = binary.LittleEndian.Uint32(hdr[4:8])
	var sum = binary.LittleEndian.Uint32(hdr[8:12])

	if length < recordPrefixLength {
		return Record{}, errors.Errorf("frame payload length %d is shorter than the record prefix", length)
	}
	var payload = make([]byte, length)
	if _, err := io.ReadFull(br, payload); err != nil {
		return Record{}, io.ErrUnexpectedEOF
	}
	if crc32.Checksum(payload, crcTable) != sum {
		return Record{}, io.ErrUnexpectedEOF
	}

	var msg, err = UnmarshalMessage(payload[recordPrefixLength:])
	if err != nil {
		return Record{}, errors.WithMessage(err, "unmarshalling message")
	}
	return Record{
		Offset:    int64(binary.LittleEndian.Uint64(payload[0:8])),
		Timestamp: time.Unix(0, int64(binary.LittleEndian.Uint64(payload[8:16]))).UTC(),
		Message:   msg,
	}, nil
}
