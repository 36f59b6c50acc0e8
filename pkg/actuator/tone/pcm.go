package tone

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Format describes the sample rate and channel count of the PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

func (f Format) String() string {
	return fmt.Sprintf("%dHz/%dch", f.SampleRate, f.Channels)
}

// samplesPer returns the number of mono samples in a frame of the given
// length in milliseconds.
func (f Format) samplesPer(ms float64) int {
	return int(math.Round(float64(f.SampleRate) * ms / 1000))
}

// sineMono16 fills a 16-bit little-endian mono buffer with n samples of a sine
// at freq, starting at phase (radians). It returns the buffer and the phase
// at which the next frame must continue so consecutive frames join without a
// click. freq <= 0 yields silence and resets the phase.
func sineMono16(n int, freq float64, sampleRate int, amplitude, phase float64) ([]byte, float64) {
	data := make([]byte, n*2)
	if freq <= 0 {
		return data, 0
	}
	step := 2 * math.Pi * freq / float64(sampleRate)
	for i := range n {
		sample := int16(math.Sin(phase) * amplitude)
		binary.LittleEndian.PutUint16(data[i*2:], uint16(sample))
		phase += step
	}
	return data, math.Mod(phase, 2*math.Pi)
}

// monoToStereo duplicates each int16 mono sample into an L+R pair.
// A trailing odd byte is dropped.
func monoToStereo(pcm []byte) []byte {
	n := len(pcm) / 2
	out := make([]byte, n*4)
	for i := range n {
		lo, hi := pcm[i*2], pcm[i*2+1]
		out[i*4], out[i*4+1] = lo, hi
		out[i*4+2], out[i*4+3] = lo, hi
	}
	return out
}
