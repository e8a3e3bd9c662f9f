package ws

import (
	"fmt"

	"layeh.com/gopus"

	"github.com/MrWong99/voxmood/pkg/audio"
)

// maxOpusFrameMs is the longest frame an Opus packet can carry.
const maxOpusFrameMs = 120

// frameDecoder turns one binary WebSocket message into interleaved float32
// samples in the client's channel layout.
type frameDecoder interface {
	decode(msg []byte) ([]float32, error)
}

// newFrameDecoder returns the decoder for enc. Opus needs a rate the codec
// supports (8, 12, 16, 24 or 48 kHz).
func newFrameDecoder(enc audio.Encoding, format audio.Format) (frameDecoder, error) {
	switch enc {
	case audio.EncodingPCM16, "":
		return &pcm16Decoder{}, nil
	case audio.EncodingFloat32:
		return &float32Decoder{}, nil
	case audio.EncodingOpus:
		dec, err := gopus.NewDecoder(format.SampleRate, format.Channels)
		if err != nil {
			return nil, fmt.Errorf("ws: create opus decoder (%s): %w", format, err)
		}
		return &opusDecoder{
			dec:       dec,
			frameSize: format.SampleRate * maxOpusFrameMs / 1000,
		}, nil
	default:
		return nil, fmt.Errorf("ws: unknown encoding %q", enc)
	}
}

type pcm16Decoder struct{ buf []float32 }

func (d *pcm16Decoder) decode(msg []byte) ([]float32, error) {
	if len(msg)%2 != 0 {
		return nil, fmt.Errorf("ws: pcm_s16le frame has odd length %d", len(msg))
	}
	d.buf = audio.DecodePCM16LE(msg, d.buf)
	return d.buf, nil
}

type float32Decoder struct{ buf []float32 }

func (d *float32Decoder) decode(msg []byte) ([]float32, error) {
	if len(msg)%4 != 0 {
		return nil, fmt.Errorf("ws: pcm_f32le frame length %d is not a multiple of 4", len(msg))
	}
	d.buf = audio.DecodeFloat32LE(msg, d.buf)
	return d.buf, nil
}

// opusDecoder keeps codec state across packets, so each connection owns one.
type opusDecoder struct {
	dec       *gopus.Decoder
	frameSize int
	buf       []float32
}

func (d *opusDecoder) decode(msg []byte) ([]float32, error) {
	pcm, err := d.dec.Decode(msg, d.frameSize, false)
	if err != nil {
		return nil, fmt.Errorf("ws: opus decode: %w", err)
	}
	d.buf = audio.Int16ToFloat32(pcm, d.buf)
	return d.buf, nil
}
