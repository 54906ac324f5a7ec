package call

import (
	"math"
	"time"

	"github.com/fakeacall/fakeacall/pkg/core/pcm"
)

// Ring tone: alternating high/low sine, the classic two-tone ring.
const (
	ringToneHighHz = 800
	ringToneLowHz  = 400
	ringToneStep   = 500 * time.Millisecond
	ringBurst      = 2 * time.Second
	ringToneAmp    = 0.3
)

// ringTonePCM synthesizes one ring burst of s16le PCM at the given
// format, alternating between the two tones every half second.
func ringTonePCM(format pcm.Format) []byte {
	samples := int(float64(format.SampleRate) * ringBurst.Seconds())
	stepSamples := int(float64(format.SampleRate) * ringToneStep.Seconds())
	if samples <= 0 || stepSamples <= 0 {
		return nil
	}

	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		freq := ringToneHighHz
		if (i/stepSamples)%2 == 1 {
			freq = ringToneLowHz
		}
		t := float64(i) / float64(format.SampleRate)
		v := ringToneAmp * math.Sin(2*math.Pi*float64(freq)*t)
		s := int16(v * 32767)
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}
