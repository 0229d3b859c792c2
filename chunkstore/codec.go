package chunkstore

import (
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/zeebo/blake3"
)

// Encoding is the compression applied to a stored record
type Encoding uint8

const (
	EncodingNone Encoding = iota
	EncodingLZ4
	EncodingZstd
)

func (e Encoding) String() string {
	switch e {
	case EncodingNone:
		return "none"
	case EncodingLZ4:
		return "lz4"
	case EncodingZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", e)
	}
}

// ParseEncoding is the inverse of Encoding.String. The empty string means none.
func ParseEncoding(name string) (Encoding, error) {
	switch name {
	case "none", "":
		return EncodingNone, nil
	case "lz4":
		return EncodingLZ4, nil
	case "zstd":
		return EncodingZstd, nil
	default:
		return 0, fmt.Errorf("unknown encoding: %q", name)
	}
}

// Metadata keys written next to every record
const (
	metaKind     = "kind"
	metaLength   = "length"
	metaEncoding = "encoding"
	metaSize     = "size"
	metaDigest   = "digest"
)

var errIncompressible = stderrors.New("data is incompressible")

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode

	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

// digestKey separates body digests from any other BLAKE3 use
var digestKey = [32]byte{
	'o', 'p', 'e', 'n', 'h', 'i', 'm', '.', 'c', 'h', 'u', 'n', 'k', 's', 't', 'o',
	'r', 'e', '.', 'b', 'o', 'd', 'y', 0, 0, 0, 0, 0, 0, 0, 0, 0,
}

func init() {
	var err error

	cborEnc, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("chunkstore: CBOR encoder initialization failed: " + err.Error())
	}
	cborDec, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IntDec:         cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		panic("chunkstore: CBOR decoder initialization failed: " + err.Error())
	}

	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("chunkstore: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("chunkstore: zstd decoder initialization failed: " + err.Error())
	}
}

// record is the stored form of a payload
type record struct {
	data []byte
	meta map[string]string
}

// encode serialises p and compresses it with enc when the encoded form is at
// least minSize bytes and compression actually shrinks it.
func encode(p Payload, enc Encoding, minSize int) (record, error) {
	var raw []byte
	switch p.Kind() {
	case KindText:
		raw = []byte(p.text)
	case KindBytes:
		raw = p.bytes
	case KindSequence:
		b, err := cborEnc.Marshal(p.elements)
		if err != nil {
			return record{}, fmt.Errorf("encode sequence: %w", err)
		}
		raw = b
	default:
		return record{}, fmt.Errorf("encode payload of kind %s", p.Kind())
	}

	used := EncodingNone
	data := raw
	if enc != EncodingNone && len(raw) >= minSize {
		compressed, err := compress(raw, enc)
		switch {
		case err == nil:
			data, used = compressed, enc
		case !stderrors.Is(err, errIncompressible):
			return record{}, err
		}
	}

	return record{
		data: data,
		meta: map[string]string{
			metaKind:     p.Kind().String(),
			metaLength:   strconv.Itoa(p.Len()),
			metaEncoding: used.String(),
			metaSize:     strconv.Itoa(len(raw)),
			metaDigest:   digest(raw),
		},
	}, nil
}

// decode verifies and restores a stored record
func decode(data []byte, meta map[string]string) (Payload, error) {
	kind, err := ParseKind(meta[metaKind])
	if err != nil {
		return Payload{}, err
	}
	enc, err := ParseEncoding(meta[metaEncoding])
	if err != nil {
		return Payload{}, err
	}
	size, err := strconv.Atoi(meta[metaSize])
	if err != nil || size < 0 {
		return Payload{}, fmt.Errorf("invalid size %q", meta[metaSize])
	}
	length, err := strconv.Atoi(meta[metaLength])
	if err != nil || length < 0 {
		return Payload{}, fmt.Errorf("invalid length %q", meta[metaLength])
	}

	raw, err := decompress(data, enc, size)
	if err != nil {
		return Payload{}, err
	}
	if got := digest(raw); got != meta[metaDigest] {
		return Payload{}, fmt.Errorf("digest mismatch: stored %s, computed %s", meta[metaDigest], got)
	}

	var p Payload
	switch kind {
	case KindText:
		p = Text(string(raw))
	case KindBytes:
		p = Bytes(raw)
	case KindSequence:
		elements, err := decodeElements(raw)
		if err != nil {
			return Payload{}, fmt.Errorf("decode sequence: %w", err)
		}
		p = Sequence(elements)
	}

	if p.Len() != length {
		return Payload{}, fmt.Errorf("length mismatch: stored %d, decoded %d", length, p.Len())
	}
	return p, nil
}

// canonicalElements returns elements in the form a retrieve yields: integers
// as int, floats as float64, maps as map[string]any, lists as []any.
func canonicalElements(elements []any) ([]any, error) {
	raw, err := cborEnc.Marshal(elements)
	if err != nil {
		return nil, err
	}
	return decodeElements(raw)
}

func decodeElements(raw []byte) ([]any, error) {
	var elements []any
	if err := cborDec.Unmarshal(raw, &elements); err != nil {
		return nil, err
	}
	for i, e := range elements {
		elements[i] = normalize(e)
	}
	return elements, nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case int64:
		if t >= math.MinInt && t <= math.MaxInt {
			return int(t)
		}
	case []any:
		for i, e := range t {
			t[i] = normalize(e)
		}
	case map[string]any:
		for k, e := range t {
			t[k] = normalize(e)
		}
	}
	return v
}

func compress(data []byte, enc Encoding) ([]byte, error) {
	switch enc {
	case EncodingLZ4:
		dst := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, dst, nil)
		if err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}
		if n == 0 || n >= len(data) {
			return nil, errIncompressible
		}
		return dst[:n], nil

	case EncodingZstd:
		compressed := zstdEncoder.EncodeAll(data, nil)
		if len(compressed) >= len(data) {
			return nil, errIncompressible
		}
		return compressed, nil

	default:
		return nil, fmt.Errorf("unsupported encoding: %s", enc)
	}
}

func decompress(data []byte, enc Encoding, size int) ([]byte, error) {
	switch enc {
	case EncodingNone:
		if len(data) != size {
			return nil, fmt.Errorf("size %d does not match expected %d", len(data), size)
		}
		return data, nil

	case EncodingLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(data, dst)
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}
		if n != size {
			return nil, fmt.Errorf("lz4 decompress: got %d bytes, expected %d", n, size)
		}
		return dst, nil

	case EncodingZstd:
		out, err := zstdDecoder.DecodeAll(data, make([]byte, 0, size))
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}
		if len(out) != size {
			return nil, fmt.Errorf("zstd decompress: got %d bytes, expected %d", len(out), size)
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported encoding: %s", enc)
	}
}

func digest(data []byte) string {
	h, err := blake3.NewKeyed(digestKey[:])
	if err != nil {
		panic("chunkstore: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	_, _ = h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
