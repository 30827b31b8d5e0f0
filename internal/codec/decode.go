package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"mime"
	"os/exec"
	"strconv"
	"strings"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/mattn/go-shellwords"
)

// Decoder turns an encoded clip into interleaved float samples in [-1, 1].
type Decoder interface {
	Decode(ctx context.Context, data []byte, mimeType string) (*audio.FloatBuffer, error)
}

// DecoderFunc adapts a function to Decoder.
type DecoderFunc func(ctx context.Context, data []byte, mimeType string) (*audio.FloatBuffer, error)

// Decode implements Decoder.
func (f DecoderFunc) Decode(ctx context.Context, data []byte, mimeType string) (*audio.FloatBuffer, error) {
	return f(ctx, data, mimeType)
}

// WAVDecoder decodes integer PCM RIFF/WAVE files.
type WAVDecoder struct{}

// Decode implements Decoder.
func (WAVDecoder) Decode(_ context.Context, data []byte, _ string) (*audio.FloatBuffer, error) {
	d := wav.NewDecoder(bytes.NewReader(data))
	if !d.IsValidFile() {
		return nil, fmt.Errorf("%w: not a valid wav file", ErrDecode)
	}
	if d.WavAudioFormat != 1 {
		return nil, fmt.Errorf("%w: unsupported wav format tag %d", ErrDecode, d.WavAudioFormat)
	}
	switch d.BitDepth {
	case 16, 24, 32:
	default:
		return nil, fmt.Errorf("%w: unsupported wav bit depth %d", ErrDecode, d.BitDepth)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := d.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return normalizeInts(buf, int(d.BitDepth)), nil
}

func normalizeInts(buf *audio.IntBuffer, bitDepth int) *audio.FloatBuffer {
	scale := float64(int64(1) << (bitDepth - 1))
	out := &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: buf.Format.NumChannels, SampleRate: buf.Format.SampleRate},
		Data:   make([]float64, len(buf.Data)),
	}
	for i, v := range buf.Data {
		out.Data[i] = float64(v) / scale
	}
	return out
}

// PCMDecoder decodes headerless signed 16-bit PCM. The sample rate and
// channel count come from the MIME parameters ("rate", "channels") and fall
// back to the decoder defaults.
type PCMDecoder struct {
	SampleRate int
	Channels   int
	Order      binary.ByteOrder
}

// Decode implements Decoder.
func (p PCMDecoder) Decode(_ context.Context, data []byte, mimeType string) (*audio.FloatBuffer, error) {
	rate, channels := p.SampleRate, p.Channels
	if _, params, err := mime.ParseMediaType(mimeType); err == nil {
		if v, err := strconv.Atoi(params["rate"]); err == nil && v > 0 {
			rate = v
		}
		if v, err := strconv.Atoi(params["channels"]); err == nil && v > 0 {
			channels = v
		}
	}
	order := p.Order
	if order == nil {
		order = binary.LittleEndian
	}
	return decodePCM16(data, rate, channels, order)
}

func decodePCM16(data []byte, rate, channels int, order binary.ByteOrder) (*audio.FloatBuffer, error) {
	if rate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("%w: pcm needs a sample rate and channel count", ErrDecode)
	}
	frame := 2 * channels
	if len(data) < frame {
		return nil, fmt.Errorf("%w: pcm payload too short", ErrDecode)
	}
	n := len(data) / frame * channels
	out := &audio.FloatBuffer{
		Format: &audio.Format{NumChannels: channels, SampleRate: rate},
		Data:   make([]float64, n),
	}
	for i := 0; i < n; i++ {
		out.Data[i] = float64(int16(order.Uint16(data[i*2:]))) / 32768
	}
	return out, nil
}

// ExecDecoder pipes the clip through an external transcoder (typically
// ffmpeg) that writes signed 16-bit little-endian PCM to stdout.
type ExecDecoder struct {
	args       []string
	sampleRate int
	channels   int
}

// NewExecDecoder parses command. The command reads the container from stdin
// and must emit PCM at sampleRate with the given channel count.
func NewExecDecoder(command string, sampleRate, channels int) (*ExecDecoder, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(command)
	if err != nil {
		return nil, fmt.Errorf("parse decoder command: %w", err)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("decoder command is empty")
	}
	if sampleRate <= 0 || channels <= 0 {
		return nil, fmt.Errorf("decoder output format must be positive, got %d Hz x %d", sampleRate, channels)
	}
	return &ExecDecoder{args: args, sampleRate: sampleRate, channels: channels}, nil
}

// Decode implements Decoder.
func (d *ExecDecoder) Decode(ctx context.Context, data []byte, mimeType string) (*audio.FloatBuffer, error) {
	cmd := exec.CommandContext(ctx, d.args[0], d.args[1:]...)
	cmd.Stdin = bytes.NewReader(data)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %s: %v: %s", ErrDecode, mimeType, err, strings.TrimSpace(stderr.String()))
	}
	return decodePCM16(stdout.Bytes(), d.sampleRate, d.channels, binary.LittleEndian)
}

// Sniff guesses a container type from magic bytes. It returns "" when the
// payload is not recognized.
func Sniff(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return "audio/wav"
	case len(data) >= 4 && bytes.Equal(data[:4], []byte{0x1a, 0x45, 0xdf, 0xa3}):
		return "audio/webm"
	case len(data) >= 8 && string(data[4:8]) == "ftyp":
		return "audio/mp4"
	case len(data) >= 4 && string(data[:4]) == "OggS":
		return "audio/ogg"
	}
	return ""
}

func baseType(mimeType string) string {
	if mimeType == "" {
		return ""
	}
	if mt, _, err := mime.ParseMediaType(mimeType); err == nil {
		return mt
	}
	base, _, _ := strings.Cut(mimeType, ";")
	return strings.ToLower(strings.TrimSpace(base))
}
