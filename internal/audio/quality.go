package audio

import "encoding/binary"

// Gate holds the quality thresholds a buffered sample must clear before it is
// worth a voiceprint request. The defaults are empirically tuned and vendor-
// and hardware-dependent, so they are configuration, not contract.
type Gate struct {
	// MinAvgAmplitude is the minimum average absolute sample amplitude.
	MinAvgAmplitude float64
	// SignificantAmplitude is the absolute amplitude above which a sample
	// counts as voiced content.
	SignificantAmplitude int
	// MinSignificantRatio is the minimum fraction of samples that must
	// exceed SignificantAmplitude.
	MinSignificantRatio float64
}

// DefaultGate mirrors thresholds calibrated against real sessions: average
// energy 96.58 with 0.40% significant samples recognized successfully.
func DefaultGate() Gate {
	return Gate{
		MinAvgAmplitude:      50.0,
		SignificantAmplitude: 1000,
		MinSignificantRatio:  0.001,
	}
}

// Pass reports whether the 16-bit little-endian mono PCM buffer carries
// enough voice energy to submit for speaker identification.
func (g Gate) Pass(pcm []byte) bool {
	n := len(pcm) / 2
	if n == 0 {
		return false
	}
	var total int64
	significant := 0
	for i := 0; i+1 < len(pcm); i += 2 {
		v := int(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		if v < 0 {
			v = -v
		}
		total += int64(v)
		if v > g.SignificantAmplitude {
			significant++
		}
	}
	avg := float64(total) / float64(n)
	ratio := float64(significant) / float64(n)
	return avg > g.MinAvgAmplitude && ratio > g.MinSignificantRatio
}
