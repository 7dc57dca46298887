package timeframe

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression of a stored payload body. The reader forwards the body
// uncompressed; the entropy-coded detector blocks inside stay untouched.
type Compression uint8

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionSnappy
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionSnappy:
		return "snappy"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// Stored payloads start with an 8 byte envelope:
// magic "CTFB", detector id, compression, 2 reserved bytes.
const envelopeSize = 8

var envelopeMagic = [4]byte{'C', 'T', 'F', 'B'}

var (
	ErrShortPayload     = errors.New("payload shorter than envelope")
	ErrBadMagic         = errors.New("payload envelope magic mismatch")
	ErrDetectorMismatch = errors.New("payload belongs to another detector")
)

// PayloadCodec describes one detector's stored blob. Every detector uses the
// same envelope decoder; the entries only differ in the family named in
// errors and in the smallest body they accept.
type PayloadCodec struct {
	Family string
	// MinBody is the smallest acceptable decoded body.
	MinBody int
}

var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))

// payloadCodecs is keyed by detector. TPC frames always carry clusters, so an
// empty TPC body means a broken file.
var payloadCodecs = func() [NDetectors]PayloadCodec {
	var t [NDetectors]PayloadCodec
	for i := range t {
		t[i] = PayloadCodec{Family: "generic"}
	}
	t[ITS], t[MFT] = PayloadCodec{Family: "itsmft"}, PayloadCodec{Family: "itsmft"}
	for _, d := range []DetID{EMC, PHS, CPV} {
		t[d] = PayloadCodec{Family: "calorimeter"}
	}
	for _, d := range []DetID{FT0, FV0, FDD} {
		t[d] = PayloadCodec{Family: "fit"}
	}
	t[TPC] = PayloadCodec{Family: "tpc", MinBody: 1}
	return t
}()

// CodecFor returns the payload codec of a detector.
func CodecFor(det DetID) (PayloadCodec, error) {
	if !det.Valid() {
		return PayloadCodec{}, fmt.Errorf("no payload codec for %v", det)
	}
	return payloadCodecs[det], nil
}

// DecodePayload unwraps a stored blob of det and checks its body size.
func DecodePayload(det DetID, blob []byte) ([]byte, error) {
	c, err := CodecFor(det)
	if err != nil {
		return nil, err
	}
	body, err := decodeEnvelope(det, blob)
	if err != nil {
		return nil, fmt.Errorf("%v payload (%s): %w", det, c.Family, err)
	}
	if len(body) < c.MinBody {
		return nil, fmt.Errorf("%v payload (%s): body of %d bytes below minimum %d", det, c.Family, len(body), c.MinBody)
	}
	return body, nil
}

func decodeEnvelope(det DetID, blob []byte) ([]byte, error) {
	if len(blob) < envelopeSize {
		return nil, ErrShortPayload
	}
	if !bytes.Equal(blob[:4], envelopeMagic[:]) {
		return nil, ErrBadMagic
	}
	if DetID(blob[4]) != det {
		return nil, fmt.Errorf("%w: stored for %v", ErrDetectorMismatch, DetID(blob[4]))
	}
	body := blob[envelopeSize:]
	switch Compression(blob[5]) {
	case CompressionNone:
		return body, nil
	case CompressionZstd:
		return zstdDecoder.DecodeAll(body, nil)
	case CompressionSnappy:
		return snappy.Decode(nil, body)
	case CompressionLZ4:
		return io.ReadAll(lz4.NewReader(bytes.NewReader(body)))
	default:
		return nil, fmt.Errorf("unsupported compression %v", Compression(blob[5]))
	}
}

// EncodePayload wraps a body into a stored blob for det.
func EncodePayload(det DetID, c Compression, body []byte) ([]byte, error) {
	var compressed []byte
	switch c {
	case CompressionNone:
		compressed = body
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, err
		}
		compressed = enc.EncodeAll(body, nil)
		_ = enc.Close()
	case CompressionSnappy:
		compressed = snappy.Encode(nil, body)
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		compressed = buf.Bytes()
	default:
		return nil, fmt.Errorf("unsupported compression %v", c)
	}

	out := make([]byte, envelopeSize, envelopeSize+len(compressed))
	copy(out, envelopeMagic[:])
	out[4] = byte(det)
	out[5] = byte(c)
	binary.LittleEndian.PutUint16(out[6:], 0)
	return append(out, compressed...), nil
}
