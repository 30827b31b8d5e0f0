// Package codec normalizes captured answers into the canonical mono 16-bit
// PCM WAV layout accepted by speech backends.
package codec

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/go-audio/audio"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/recorder"
)

// WAVMIMEType tags canonical output.
const WAVMIMEType = "audio/wav"

const headerSize = 44

// ErrDecode reports malformed, empty or undecodable input. Callers should ask
// the user to record again.
var ErrDecode = errors.New("could not decode recorded audio")

// Options selects the canonical output format.
type Options struct {
	SampleRate int
	Channels   int
	BitDepth   int
}

// DefaultOptions is the format speech backends are fed with.
var DefaultOptions = Options{SampleRate: 16000, Channels: 1, BitDepth: 16}

func (o Options) withDefaults() Options {
	if o.SampleRate <= 0 {
		o.SampleRate = DefaultOptions.SampleRate
	}
	if o.Channels <= 0 {
		o.Channels = DefaultOptions.Channels
	}
	if o.BitDepth <= 0 {
		o.BitDepth = DefaultOptions.BitDepth
	}
	return o
}

// Converter dispatches clips to a decoder by container type.
type Converter struct {
	mu       sync.RWMutex
	decoders map[string]Decoder
	fallback Decoder
	log      *slog.Logger
}

// NewConverter returns a converter that understands WAV and raw 16-bit PCM.
// Compressed containers need a fallback decoder, see SetFallback.
func NewConverter(logger *slog.Logger) *Converter {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Converter{decoders: make(map[string]Decoder), log: logger.With("component", "codec")}
	for _, t := range []string{"audio/wav", "audio/wave", "audio/x-wav", "audio/vnd.wave"} {
		c.decoders[t] = WAVDecoder{}
	}
	c.decoders["audio/l16"] = PCMDecoder{SampleRate: DefaultOptions.SampleRate, Channels: 1, Order: binary.BigEndian}
	c.decoders["audio/pcm"] = PCMDecoder{SampleRate: DefaultOptions.SampleRate, Channels: 1, Order: binary.LittleEndian}
	return c
}

// Register binds a decoder to a base MIME type such as "audio/webm".
func (c *Converter) Register(mimeType string, d Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.decoders[baseType(mimeType)] = d
}

// SetFallback sets the decoder used for types without a registered decoder.
func (c *Converter) SetFallback(d Decoder) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fallback = d
}

func (c *Converter) decoderFor(mimeType string) (Decoder, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if d, ok := c.decoders[baseType(mimeType)]; ok {
		return d, true
	}
	return c.fallback, c.fallback != nil
}

// ToCanonicalWAV decodes clip, keeps channel 0 when downmixing to mono,
// resamples by nearest neighbour, quantizes to 16 bits and wraps the result
// in a 44-byte RIFF/WAVE header.
func (c *Converter) ToCanonicalWAV(ctx context.Context, clip recorder.Clip, opts Options) (recorder.Clip, error) {
	opts = opts.withDefaults()
	if opts.BitDepth != 16 {
		return recorder.Clip{}, fmt.Errorf("unsupported target bit depth %d", opts.BitDepth)
	}
	if len(clip.Data) == 0 {
		return recorder.Clip{}, fmt.Errorf("%w: empty recording", ErrDecode)
	}
	mimeType := clip.MIMEType
	if mimeType == "" {
		mimeType = Sniff(clip.Data)
	}
	dec, ok := c.decoderFor(mimeType)
	if !ok {
		return recorder.Clip{}, fmt.Errorf("%w: no decoder for %q", ErrDecode, mimeType)
	}
	buf, err := dec.Decode(ctx, clip.Data, mimeType)
	if err != nil {
		if errors.Is(err, ErrDecode) || ctx.Err() != nil {
			return recorder.Clip{}, err
		}
		return recorder.Clip{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if buf == nil || buf.Format == nil || buf.Format.NumChannels <= 0 || buf.Format.SampleRate <= 0 || len(buf.Data) == 0 {
		return recorder.Clip{}, fmt.Errorf("%w: no samples", ErrDecode)
	}

	channels := Deinterleave(buf)
	out := make([][]float64, opts.Channels)
	for k := range out {
		src := channels[0]
		if k < len(channels) {
			src = channels[k]
		}
		out[k] = Resample(src, buf.Format.SampleRate, opts.SampleRate)
	}
	frames := len(out[0])
	samples := make([]int16, 0, frames*opts.Channels)
	for i := 0; i < frames; i++ {
		for k := range out {
			samples = append(samples, Quantize(out[k][i]))
		}
	}
	c.log.Debug("audio normalized",
		"source_type", mimeType,
		"source_rate", buf.Format.SampleRate,
		"source_channels", buf.Format.NumChannels,
		"frames", frames)
	return recorder.Clip{Data: EncodeWAV(samples, opts.SampleRate, opts.Channels), MIMEType: WAVMIMEType}, nil
}

// Deinterleave splits an interleaved buffer into per-channel sample arrays.
func Deinterleave(buf *audio.FloatBuffer) [][]float64 {
	n := buf.Format.NumChannels
	frames := len(buf.Data) / n
	out := make([][]float64, n)
	for ch := range out {
		out[ch] = make([]float64, frames)
		for i := 0; i < frames; i++ {
			out[ch][i] = buf.Data[i*n+ch]
		}
	}
	return out
}

// Resample maps src from one rate to another with nearest-neighbour index
// selection. There is no anti-aliasing filter.
func Resample(src []float64, fromRate, toRate int) []float64 {
	if fromRate == toRate {
		return append([]float64(nil), src...)
	}
	srcLen := int64(len(src))
	newLen := srcLen * int64(toRate) / int64(fromRate)
	out := make([]float64, newLen)
	for i := int64(0); i < newLen; i++ {
		out[i] = src[i*srcLen/newLen]
	}
	return out
}

// Quantize converts a float sample to signed 16 bits. Input is clamped to
// [-1, 1]; negatives scale by 32768 and the rest by 32767.
func Quantize(s float64) int16 {
	switch {
	case math.IsNaN(s):
		return 0
	case s > 1:
		s = 1
	case s < -1:
		s = -1
	}
	if s < 0 {
		return int16(s * 0x8000)
	}
	return int16(s * 0x7FFF)
}

// EncodeWAV writes a canonical PCM header followed by little-endian samples.
func EncodeWAV(samples []int16, sampleRate, channels int) []byte {
	const bytesPerSample = 2
	dataLen := len(samples) * bytesPerSample
	blockAlign := channels * bytesPerSample
	out := make([]byte, headerSize+dataLen)

	le := binary.LittleEndian
	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+dataLen))
	copy(out[8:12], "WAVE")
	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16)
	le.PutUint16(out[20:22], 1)
	le.PutUint16(out[22:24], uint16(channels))
	le.PutUint32(out[24:28], uint32(sampleRate))
	le.PutUint32(out[28:32], uint32(sampleRate*blockAlign))
	le.PutUint16(out[32:34], uint16(blockAlign))
	le.PutUint16(out[34:36], bytesPerSample*8)
	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(dataLen))

	for i, s := range samples {
		le.PutUint16(out[headerSize+i*2:], uint16(s))
	}
	return out
}
