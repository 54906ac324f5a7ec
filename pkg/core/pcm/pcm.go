// Package pcm converts between float samples, 16-bit little-endian PCM
// frames, and the text-safe transport encoding used on the wire.
package pcm

import (
	"encoding/base64"
	"math"
	"time"

	"github.com/fakeacall/fakeacall/pkg/core"
)

// Frame is raw 16-bit signed little-endian mono PCM.
type Frame []byte

// encodeScale is the float<->int16 scale factor. Both directions use
// 32768; encoding clamps at the positive rail (32767) since +1.0 is not
// representable. Encode and decode must never mix scale factors.
const encodeScale = 32768

// EncodeFrame converts float samples in [-1, 1] to a PCM frame.
// Out-of-range samples are clamped, never wrapped.
func EncodeFrame(samples []float32) Frame {
	out := make(Frame, len(samples)*2)
	for i, s := range samples {
		v := int(math.Round(float64(s) * encodeScale))
		if v > math.MaxInt16 {
			v = math.MaxInt16
		}
		if v < math.MinInt16 {
			v = math.MinInt16
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodeFrame converts a PCM frame back to float samples.
// Returns a framing error when the byte count is odd.
func DecodeFrame(f Frame) ([]float32, error) {
	if len(f)%2 != 0 {
		return nil, core.NewFramingError("pcm frame has odd byte count")
	}
	out := make([]float32, len(f)/2)
	for i := range out {
		s := int16(f[i*2]) | int16(f[i*2+1])<<8
		out[i] = float32(float64(s) / encodeScale)
	}
	return out, nil
}

// ToTransportEncoding serializes a frame for a text message channel.
func ToTransportEncoding(f Frame) string {
	return base64.StdEncoding.EncodeToString(f)
}

// FromTransportEncoding is the exact inverse of ToTransportEncoding.
func FromTransportEncoding(s string) (Frame, error) {
	data, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, core.WrapError(core.KindFraming, "malformed transport encoding", err)
	}
	return Frame(data), nil
}

// Samples returns the number of 16-bit samples in the frame.
func (f Frame) Samples() int { return len(f) / 2 }

// Format specifies PCM audio parameters for one direction of a session.
type Format struct {
	SampleRate    int
	Channels      int
	BitsPerSample int
}

// BytesPerSecond returns the audio byte rate.
func (f Format) BytesPerSecond() int {
	return f.SampleRate * f.Channels * (f.BitsPerSample / 8)
}

// Duration returns the playback duration of the given byte count.
func (f Format) Duration(bytes int) time.Duration {
	bps := f.BytesPerSecond()
	if bps == 0 {
		return 0
	}
	return time.Duration(bytes) * time.Second / time.Duration(bps)
}

// BytesForDuration returns the byte count for the given duration.
func (f Format) BytesForDuration(d time.Duration) int {
	return int(int64(f.BytesPerSecond()) * int64(d) / int64(time.Second))
}

// RMSEnergy computes the root-mean-square energy of a frame,
// normalized to [0, 1].
func RMSEnergy(f Frame) float64 {
	n := f.Samples()
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < len(f)-1; i += 2 {
		s := int16(f[i]) | int16(f[i+1])<<8
		v := float64(s) / encodeScale
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// PeakAmplitude returns the maximum absolute amplitude in the frame,
// normalized to [0, 1].
func PeakAmplitude(f Frame) float64 {
	var maxAbs float64
	for i := 0; i < len(f)-1; i += 2 {
		s := int16(f[i]) | int16(f[i+1])<<8
		if abs := math.Abs(float64(s)); abs > maxAbs {
			maxAbs = abs
		}
	}
	return maxAbs / encodeScale
}
