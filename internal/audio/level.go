package audio

import (
	"encoding/binary"
	"math"
)

// SilenceDB is the floor reported when no signal is present
const SilenceDB = -60.0

// DecodePCM16 converts little-endian 16-bit PCM bytes into samples.
// A trailing odd byte is ignored.
func DecodePCM16(data []byte) []int16 {
	n := len(data) / 2
	samples := make([]int16, n)
	for i := 0; i < n; i++ {
		samples[i] = int16(binary.LittleEndian.Uint16(data[2*i:]))
	}
	return samples
}

// AmplitudeDB converts a peak amplitude (0..32767) into dBFS,
// clamped to the silence floor
func AmplitudeDB(amplitude int) float64 {
	if amplitude <= 0 {
		return SilenceDB
	}
	db := 20 * math.Log10(float64(amplitude)/32767.0)
	if db < SilenceDB {
		return SilenceDB
	}
	return db
}

// UnitFromDB maps a dBFS level onto the [0,1] noise scale used by the
// confidence profile: the silence floor maps to 0, full scale to 1
func UnitFromDB(db float64) float64 {
	if db <= SilenceDB {
		return 0
	}
	if db >= 0 {
		return 1
	}
	return (db - SilenceDB) / -SilenceDB
}

// PeakAmplitude returns the largest absolute sample value
func PeakAmplitude(samples []int16) int {
	peak := 0
	for _, s := range samples {
		v := int(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return peak
}
