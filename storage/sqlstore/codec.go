package sqlstore

import (
	"bytes"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"streamfeed/models"
)

var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// codec optionally compresses payloads. Reads detect compressed payloads by
// their frame magic, so compression can be switched on for a live database.
type codec struct {
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

func newCodec(compress bool) (*codec, error) {
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	c := &codec{decoder: decoder}
	if compress {
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if err != nil {
			return nil, fmt.Errorf("zstd encoder: %w", err)
		}
		c.encoder = encoder
	}
	return c, nil
}

func (c *codec) encode(payload []byte) []byte {
	if c.encoder == nil {
		return payload
	}
	return c.encoder.EncodeAll(payload, make([]byte, 0, len(payload)))
}

func (c *codec) decode(payload []byte) ([]byte, error) {
	if !bytes.HasPrefix(payload, zstdMagic) {
		return payload, nil
	}
	out, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", models.ErrSerialization, err)
	}
	return out, nil
}
