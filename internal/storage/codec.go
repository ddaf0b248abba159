package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"math"
)

// Payload format, little-endian:
//
//	[Magic(4) "VVEC"][Version(2)][Dim(4)][Dim x float32(4)][CRC32(4)]
//
// The CRC covers every byte before it.
const (
	payloadMagic   = "VVEC"
	payloadVersion = 1
	headerSize     = 4 + 2 + 4
	trailerSize    = 4
)

// ErrCorruptPayload is returned when a vector payload fails validation.
var ErrCorruptPayload = errors.New("corrupt vector payload")

// EncodeVector serializes v into the fixed payload encoding.
func EncodeVector(v []float32) []byte {
	buf := make([]byte, headerSize+len(v)*4+trailerSize)

	offset := copy(buf, payloadMagic)
	binary.LittleEndian.PutUint16(buf[offset:], payloadVersion)
	offset += 2
	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(v)))
	offset += 4

	for _, f := range v {
		binary.LittleEndian.PutUint32(buf[offset:], math.Float32bits(f))
		offset += 4
	}

	binary.LittleEndian.PutUint32(buf[offset:], crc32.ChecksumIEEE(buf[:offset]))
	return buf
}

// DecodeVector parses a payload produced by EncodeVector.
func DecodeVector(data []byte) ([]float32, error) {
	if len(data) < headerSize+trailerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptPayload, len(data))
	}
	if string(data[:4]) != payloadMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptPayload, data[:4])
	}
	if v := binary.LittleEndian.Uint16(data[4:]); v != payloadVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptPayload, v)
	}

	dim := int(binary.LittleEndian.Uint32(data[6:]))
	if want := headerSize + dim*4 + trailerSize; len(data) != want {
		return nil, fmt.Errorf("%w: dimension %d needs %d bytes, have %d", ErrCorruptPayload, dim, want, len(data))
	}

	body := len(data) - trailerSize
	if crc := binary.LittleEndian.Uint32(data[body:]); crc != crc32.ChecksumIEEE(data[:body]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptPayload)
	}

	v := make([]float32, dim)
	offset := headerSize
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
	}
	return v, nil
}
