package capture

import (
	"encoding/binary"
	"math"

	"github.com/go-audio/audio"
)

// DefaultThreshold is the ambient noise floor. Levels at or below it are not speech.
const DefaultThreshold = 0.12

// Classify reports whether a normalised level in [0,1] is speech.
func Classify(level, threshold float64) bool {
	return level > threshold
}

// Level returns the RMS level of mono 16-bit little-endian PCM normalised
// to [0,1]. A trailing odd byte is ignored.
func Level(pcm []byte) float64 {
	if len(pcm) < 2 {
		return 0
	}
	samples := decodePCM16(pcm).AsFloat32Buffer().Data
	var sum float64
	for _, v := range samples {
		sum += float64(v) * float64(v)
	}
	return math.Min(1, math.Sqrt(sum/float64(len(samples))))
}

// decodePCM16 wraps the samples in an IntBuffer tagged as 16-bit so
// go-audio scales them by full scale when converting to floats.
func decodePCM16(pcm []byte) *audio.IntBuffer {
	samples := make([]int, len(pcm)/2)
	for i := range samples {
		samples[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	return &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1},
		Data:           samples,
		SourceBitDepth: 16,
	}
}
