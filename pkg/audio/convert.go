package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// Float32ToPCM16 converts mono float samples in [-1, 1] to little-endian
// 16-bit PCM. Out-of-range samples are clamped. Negative values scale by
// 32768 and positive values by 32767 so that both extremes map exactly.
func Float32ToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}
		var v int16
		if s < 0 {
			v = int16(s * 32768)
		} else {
			v = int16(s * 32767)
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(v))
	}
	return out
}

// PCM16ToInt16 decodes little-endian 16-bit PCM into samples. A trailing odd
// byte is ignored.
func PCM16ToInt16(pcm []byte) []int16 {
	out := make([]int16, len(pcm)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return out
}

// Loudness returns the root-mean-square of samples multiplied by gain and
// clamped to [0, 1]. An empty frame is silent.
func Loudness(samples []float32, gain float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	v := math.Sqrt(sum/float64(len(samples))) * gain
	if v > 1 {
		return 1
	}
	if v < 0 || math.IsNaN(v) {
		return 0
	}
	return v
}

// SamplesDuration returns the playback length of n mono samples at rate.
func SamplesDuration(n, rate int) time.Duration {
	if rate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}

// ResampleInt16 resamples mono samples from srcRate to dstRate using linear
// interpolation. Invalid rates return the input unchanged.
func ResampleInt16(in []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(in) == 0 {
		return in
	}
	dstSamples := int(int64(len(in)) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]int16, dstSamples)
	ratio := float64(srcRate) / float64(dstRate)
	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := in[srcIdx]
		s1 := s0
		if srcIdx+1 < len(in) {
			s1 = in[srcIdx+1]
		}
		out[i] = int16(float64(s0)*(1-frac) + float64(s1)*frac)
	}
	return out
}

// Framer accumulates samples of arbitrary length and cuts them into frames of
// exactly Size samples. It is not safe for concurrent use.
type Framer struct {
	Size int
	buf  []float32
}

// Push appends samples and returns every complete frame now available. The
// returned frames do not alias the internal buffer.
func (f *Framer) Push(samples []float32) [][]float32 {
	if f.Size <= 0 {
		return nil
	}
	f.buf = append(f.buf, samples...)
	var frames [][]float32
	for len(f.buf) >= f.Size {
		frame := make([]float32, f.Size)
		copy(frame, f.buf[:f.Size])
		frames = append(frames, frame)
		f.buf = f.buf[f.Size:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return frames
}

// Pending reports how many samples are buffered towards the next frame.
func (f *Framer) Pending() int { return len(f.buf) }
