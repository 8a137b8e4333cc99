package offline

import (
	"bytes"
	"encoding/gob"
	"net/http"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
)

var (
	zstdOnce sync.Once
	zstdEnc  *zstd.Encoder
	zstdDec  *zstd.Decoder
)

func zstdCodec() (*zstd.Encoder, *zstd.Decoder) {
	zstdOnce.Do(func() {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedDefault),
			zstd.WithEncoderCRC(false),
		)
		if err != nil {
			panic(err)
		}
		dec, err := zstd.NewReader(nil)
		if err != nil {
			panic(err)
		}
		zstdEnc, zstdDec = enc, dec
	})
	return zstdEnc, zstdDec
}

// encodeEntry gob-encodes ent and compresses the result.
func encodeEntry(ent CacheEntry) ([]byte, error) {
	b, err := encodeGob(ent)
	if err != nil {
		return nil, err
	}
	enc, _ := zstdCodec()
	return enc.EncodeAll(b, make([]byte, 0, len(b)/2)), nil
}

func decodeEntry(b []byte) (CacheEntry, error) {
	_, dec := zstdCodec()
	raw, err := dec.DecodeAll(b, nil)
	if err != nil {
		return CacheEntry{}, errors.Wrap(err, "decompress entry")
	}
	var ent CacheEntry
	if err := decodeGob(raw, &ent); err != nil {
		return CacheEntry{}, errors.Wrap(err, "decode entry")
	}
	return ent, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

func init() {
	// Ensure http.Header is registered for gob.
	gob.Register(http.Header{})
}
