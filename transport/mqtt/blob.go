package mqtt

import (
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"github.com/kabili207/feedroom/transport"
)

// Blob payloads carry a one-byte codec tag followed by the body.
const (
	codecRaw  byte = 0x00
	codecZstd byte = 0x01
)

var errCorruptBlob = errors.New("corrupt blob")

// zstdEncoder and zstdDecoder are created once; EncodeAll and DecodeAll are
// safe for concurrent use.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("mqtt: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("mqtt: zstd decoder initialization failed: " + err.Error())
	}
}

// blobRef is the BLAKE3 hash of the uncompressed data.
func blobRef(data []byte) transport.Reference {
	return transport.Reference(blake3.Sum256(data))
}

// encodeBlob compresses data when that makes it smaller.
func encodeBlob(data []byte) []byte {
	compressed := zstdEncoder.EncodeAll(data, make([]byte, 1, len(data)/2+1))
	if len(compressed)-1 < len(data) {
		compressed[0] = codecZstd
		return compressed
	}
	out := make([]byte, 1+len(data))
	out[0] = codecRaw
	copy(out[1:], data)
	return out
}

// decodeBlob reverses encodeBlob and checks the content against ref.
func decodeBlob(payload []byte, ref transport.Reference) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", errCorruptBlob)
	}
	var data []byte
	switch payload[0] {
	case codecRaw:
		data = append([]byte(nil), payload[1:]...)
	case codecZstd:
		var err error
		data, err = zstdDecoder.DecodeAll(payload[1:], nil)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptBlob, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown codec 0x%02x", errCorruptBlob, payload[0])
	}
	if blobRef(data) != ref {
		return nil, fmt.Errorf("%w: hash mismatch for %s", errCorruptBlob, ref)
	}
	return data, nil
}
