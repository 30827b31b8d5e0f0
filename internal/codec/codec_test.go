package codec

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/samirabawad/Grado-Cerrado-App-sub000/internal/recorder"
)

// sineWAV renders a stereo 16-bit WAV with a sine on the left channel and
// silence on the right.
func sineWAV(t *testing.T, freq float64, rate, frames int) []byte {
	t.Helper()
	data := make([]int, 0, frames*2)
	for i := 0; i < frames; i++ {
		v := math.Sin(2 * math.Pi * freq * float64(i) / float64(rate))
		data = append(data, int(v*32000), 0)
	}
	path := filepath.Join(t.TempDir(), "sine.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	enc := wav.NewEncoder(f, rate, 16, 2, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := enc.Write(buf); err != nil {
		t.Fatalf("write wav: %v", err)
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("close wav: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close file: %v", err)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return raw
}

func zeroCrossings(samples []int) int {
	n := 0
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] < 0) != (samples[i] < 0) {
			n++
		}
	}
	return n
}

func TestToCanonicalWAVPreservesFrequency(t *testing.T) {
	const (
		srcRate = 44100
		frames  = srcRate / 2
		freq    = 440.0
	)
	in := sineWAV(t, freq, srcRate, frames)
	c := NewConverter(nil)
	out, err := c.ToCanonicalWAV(context.Background(), recorder.Clip{Data: in, MIMEType: "audio/wav"}, DefaultOptions)
	if err != nil {
		t.Fatalf("ToCanonicalWAV: %v", err)
	}
	if out.MIMEType != WAVMIMEType {
		t.Errorf("MIME = %q, want %q", out.MIMEType, WAVMIMEType)
	}

	newLen := frames * 16000 / srcRate
	if want := 44 + newLen*2; len(out.Data) != want {
		t.Fatalf("len = %d, want %d", len(out.Data), want)
	}

	d := wav.NewDecoder(bytes.NewReader(out.Data))
	if !d.IsValidFile() {
		t.Fatal("output is not a valid wav file")
	}
	if d.SampleRate != 16000 || d.NumChans != 1 || d.BitDepth != 16 {
		t.Fatalf("format = %d Hz x %d @ %d bits", d.SampleRate, d.NumChans, d.BitDepth)
	}
	buf, err := d.FullPCMBuffer()
	if err != nil {
		t.Fatalf("decode back: %v", err)
	}
	if len(buf.Data) != newLen {
		t.Fatalf("decoded %d samples, want %d", len(buf.Data), newLen)
	}

	seconds := float64(newLen) / 16000
	got := float64(zeroCrossings(buf.Data)) / 2 / seconds
	if math.Abs(got-freq) > freq*0.03 {
		t.Errorf("estimated frequency %.1f Hz, want %.1f Hz", got, freq)
	}
}

func TestToCanonicalWAVKeepsChannelZero(t *testing.T) {
	// Left channel carries signal, right is silent; averaging would halve it.
	in := sineWAV(t, 200, 16000, 1600)
	c := NewConverter(nil)
	out, err := c.ToCanonicalWAV(context.Background(), recorder.Clip{Data: in}, Options{SampleRate: 16000})
	if err != nil {
		t.Fatalf("ToCanonicalWAV: %v", err)
	}
	peak := 0
	for i := 44; i+1 < len(out.Data); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(out.Data[i:])))
		if v > peak {
			peak = v
		}
	}
	if peak < 30000 {
		t.Errorf("peak = %d, channel 0 was not kept", peak)
	}
}

func TestEncodeWAVHeader(t *testing.T) {
	out := EncodeWAV([]int16{1, -1, 32767}, 16000, 1)
	le := binary.LittleEndian
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"riff", string(out[0:4]), "RIFF"},
		{"chunk size", le.Uint32(out[4:8]), uint32(36 + 6)},
		{"wave", string(out[8:12]), "WAVE"},
		{"fmt", string(out[12:16]), "fmt "},
		{"fmt size", le.Uint32(out[16:20]), uint32(16)},
		{"format tag", le.Uint16(out[20:22]), uint16(1)},
		{"channels", le.Uint16(out[22:24]), uint16(1)},
		{"sample rate", le.Uint32(out[24:28]), uint32(16000)},
		{"byte rate", le.Uint32(out[28:32]), uint32(32000)},
		{"block align", le.Uint16(out[32:34]), uint16(2)},
		{"bits", le.Uint16(out[34:36]), uint16(16)},
		{"data", string(out[36:40]), "data"},
		{"data size", le.Uint32(out[40:44]), uint32(6)},
		{"last sample", int16(le.Uint16(out[48:50])), int16(32767)},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if len(out) != 50 {
		t.Errorf("len = %d, want 50", len(out))
	}
}

func TestQuantize(t *testing.T) {
	tests := []struct {
		in   float64
		want int16
	}{
		{0, 0},
		{1, 32767},
		{-1, -32768},
		{0.5, 16383},
		{-0.5, -16384},
		{1.7, 32767},
		{-3, -32768},
		{math.Inf(1), 32767},
		{math.Inf(-1), -32768},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := Quantize(tt.in); got != tt.want {
			t.Errorf("Quantize(%v) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestQuantizeNeverWraps(t *testing.T) {
	for i := -2000; i <= 2000; i++ {
		s := float64(i) / 1000
		q := Quantize(s)
		if s > 0 && q < 0 || s < 0 && q > 0 {
			t.Fatalf("Quantize(%v) = %d wrapped sign", s, q)
		}
	}
}

func TestResample(t *testing.T) {
	src := []float64{0, 1, 2, 3, 4, 5, 6, 7}
	tests := []struct {
		name     string
		from, to int
		want     []float64
	}{
		{"same rate", 8000, 8000, src},
		{"halve", 16000, 8000, []float64{0, 2, 4, 6}},
		{"double", 8000, 16000, []float64{0, 0, 1, 1, 2, 2, 3, 3, 4, 4, 5, 5, 6, 6, 7, 7}},
		{"to nothing", 48000, 1000, []float64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resample(src, tt.from, tt.to)
			if len(got) != len(tt.want) {
				t.Fatalf("len = %d, want %d", len(got), len(tt.want))
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("[%d] = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestPCMDecoderParams(t *testing.T) {
	raw := make([]byte, 8)
	for i, v := range []int16{100, -100, 200, -200} {
		binary.BigEndian.PutUint16(raw[i*2:], uint16(v))
	}
	c := NewConverter(nil)
	out, err := c.ToCanonicalWAV(context.Background(),
		recorder.Clip{Data: raw, MIMEType: "audio/L16; rate=8000; channels=2"},
		Options{SampleRate: 8000})
	if err != nil {
		t.Fatalf("ToCanonicalWAV: %v", err)
	}
	// Two stereo frames, channel 0 kept.
	if len(out.Data) != 44+4 {
		t.Fatalf("len = %d", len(out.Data))
	}
	got := []int16{
		int16(binary.LittleEndian.Uint16(out.Data[44:])),
		int16(binary.LittleEndian.Uint16(out.Data[46:])),
	}
	if got[0] < 99 || got[0] > 100 || got[1] < 199 || got[1] > 200 {
		t.Errorf("samples = %v, want about [100 200]", got)
	}
}

func TestToCanonicalWAVDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		clip recorder.Clip
	}{
		{"empty", recorder.Clip{MIMEType: "audio/wav"}},
		{"garbage wav", recorder.Clip{Data: []byte("not a wav file at all"), MIMEType: "audio/wav"}},
		{"no decoder", recorder.Clip{Data: []byte{0x1a, 0x45, 0xdf, 0xa3, 0, 0}, MIMEType: "audio/webm;codecs=opus"}},
		{"unknown sniff", recorder.Clip{Data: []byte("????????")}},
	}
	c := NewConverter(nil)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ToCanonicalWAV(context.Background(), tt.clip, DefaultOptions)
			if !errors.Is(err, ErrDecode) {
				t.Errorf("err = %v, want ErrDecode", err)
			}
		})
	}
}

func TestFallbackDecoder(t *testing.T) {
	called := ""
	c := NewConverter(nil)
	c.SetFallback(DecoderFunc(func(_ context.Context, data []byte, mimeType string) (*audio.FloatBuffer, error) {
		called = mimeType
		return &audio.FloatBuffer{
			Format: &audio.Format{NumChannels: 1, SampleRate: 32000},
			Data:   []float64{0.1, 0.2, 0.3, 0.4},
		}, nil
	}))
	out, err := c.ToCanonicalWAV(context.Background(), recorder.Clip{Data: []byte("opus"), MIMEType: "audio/webm;codecs=opus"}, DefaultOptions)
	if err != nil {
		t.Fatalf("ToCanonicalWAV: %v", err)
	}
	if called != "audio/webm;codecs=opus" {
		t.Errorf("fallback saw %q", called)
	}
	if len(out.Data) != 44+2*2 {
		t.Errorf("len = %d, want 48", len(out.Data))
	}
}

func TestFallbackErrorIsDecodeError(t *testing.T) {
	c := NewConverter(nil)
	c.Register("audio/mp4", DecoderFunc(func(context.Context, []byte, string) (*audio.FloatBuffer, error) {
		return nil, errors.New("boom")
	}))
	_, err := c.ToCanonicalWAV(context.Background(), recorder.Clip{Data: []byte("x"), MIMEType: "audio/mp4"}, DefaultOptions)
	if !errors.Is(err, ErrDecode) {
		t.Errorf("err = %v, want ErrDecode", err)
	}
}

func TestSniff(t *testing.T) {
	tests := []struct {
		in   []byte
		want string
	}{
		{[]byte("RIFF\x00\x00\x00\x00WAVEfmt "), "audio/wav"},
		{[]byte{0x1a, 0x45, 0xdf, 0xa3, 1}, "audio/webm"},
		{[]byte("\x00\x00\x00\x18ftypM4A "), "audio/mp4"},
		{[]byte("OggS\x00"), "audio/ogg"},
		{[]byte("hi"), ""},
	}
	for _, tt := range tests {
		if got := Sniff(tt.in); got != tt.want {
			t.Errorf("Sniff(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewExecDecoderValidation(t *testing.T) {
	if _, err := NewExecDecoder("", 16000, 1); err == nil {
		t.Error("expected error for empty command")
	}
	if _, err := NewExecDecoder("ffmpeg -i pipe:0", 0, 1); err == nil {
		t.Error("expected error for zero rate")
	}
	if _, err := NewExecDecoder(`ffmpeg -i "unterminated`, 16000, 1); err == nil {
		t.Error("expected parse error")
	}
}
