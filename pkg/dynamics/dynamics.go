// Package dynamics extracts prosody parameters (loudness and speaking rate
// classes) from a raw PCM audio window. The RMS-framing technique is
// adapted from the teacher's RMSVAD.calculateRMS, generalized from a
// streaming speech/silence detector into an offline window classifier.
package dynamics

import (
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Volume is the loudness class of an audio window.
type Volume string

const (
	VolumeWhisper Volume = "whisper"
	VolumeSoft    Volume = "soft"
	VolumeMedium  Volume = "medium"
	VolumeLoud    Volume = "loud"
)

// Rate is the speaking-rate class of an audio window.
type Rate string

const (
	RateVerySlow Rate = "very_slow"
	RateSlow     Rate = "slow"
	RateMedium   Rate = "medium"
	RateFast     Rate = "fast"
	RateVeryFast Rate = "very_fast"
)

// Dynamics is the immutable output of extraction, attached to exactly one
// utterance once produced.
type Dynamics struct {
	Volume     Volume
	DBValue    float64
	Rate       Rate
	WPM        float64
	OnsetCount int
	DetectedAt time.Time
}

// Fallback is returned for invalid input (empty, non-finite samples) per
// spec.md §4.3: medium volume, -15dB, medium rate, 145 wpm, zero onsets.
func Fallback(now time.Time) Dynamics {
	return Dynamics{
		Volume:     VolumeMedium,
		DBValue:    -15,
		Rate:       RateMedium,
		WPM:        145,
		OnsetCount: 0,
		DetectedAt: now,
	}
}

const (
	frameLength    = 2048
	hopLength      = 512
	silenceFloorDB = -100
)

var fallbackExtractions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "relay_dynamics_fallback_total",
	Help: "Total dynamics extractions that fell back to the default profile due to invalid input.",
})

// Extract computes AudioDynamics from a mono or multi-channel 16-bit PCM
// buffer (as float64 samples in [-1, 1]) at the given sample rate and
// channel count. Input covering [0.1, 30] seconds is expected; invalid input
// (empty, non-finite, zero sample rate) yields the fallback profile and
// never panics.
func Extract(samples []float64, sampleRate, channels int, now time.Time) Dynamics {
	mono, ok := downmix(samples, channels)
	if !ok || sampleRate <= 0 || len(mono) == 0 {
		fallbackExtractions.Inc()
		return Fallback(now)
	}
	for _, s := range mono {
		if math.IsNaN(s) || math.IsInf(s, 0) {
			fallbackExtractions.Inc()
			return Fallback(now)
		}
	}

	db := computeLoudnessDB(mono)
	onsetCount := countOnsets(mono, sampleRate)
	durationMinutes := float64(len(mono)) / float64(sampleRate) / 60.0

	var wpm float64
	if durationMinutes > 0 {
		wpm = float64(onsetCount) / durationMinutes
	}

	return Dynamics{
		Volume:     classifyVolume(db),
		DBValue:    db,
		Rate:       classifyRate(wpm),
		WPM:        wpm,
		OnsetCount: onsetCount,
		DetectedAt: now,
	}
}

// downmix averages interleaved multi-channel samples down to mono. Returns
// ok=false for empty input or a channel count that does not evenly divide
// the sample slice.
func downmix(samples []float64, channels int) ([]float64, bool) {
	if len(samples) == 0 {
		return nil, false
	}
	if channels <= 1 {
		return samples, true
	}
	if len(samples)%channels != 0 {
		return nil, false
	}
	frames := len(samples) / channels
	mono := make([]float64, frames)
	for i := 0; i < frames; i++ {
		var sum float64
		for ch := 0; ch < channels; ch++ {
			sum += samples[i*channels+ch]
		}
		mono[i] = sum / float64(channels)
	}
	return mono, true
}

// computeLoudnessDB frames the buffer (frame 2048, hop 512), computes RMS
// per frame the way RMSVAD.calculateRMS does for a single chunk, averages
// across frames, and converts to dB with a -100dB silence floor.
func computeLoudnessDB(mono []float64) float64 {
	var rmsValues []float64
	if len(mono) <= frameLength {
		rmsValues = append(rmsValues, frameRMS(mono))
	} else {
		for start := 0; start+frameLength <= len(mono); start += hopLength {
			rmsValues = append(rmsValues, frameRMS(mono[start:start+frameLength]))
		}
		if len(rmsValues) == 0 {
			rmsValues = append(rmsValues, frameRMS(mono))
		}
	}

	var sum float64
	for _, r := range rmsValues {
		sum += r
	}
	rmsAvg := sum / float64(len(rmsValues))

	if rmsAvg <= 0 {
		return silenceFloorDB
	}
	db := 20 * math.Log10(rmsAvg)
	if db < silenceFloorDB {
		return silenceFloorDB
	}
	return db
}

func frameRMS(frame []float64) float64 {
	if len(frame) == 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += s * s
	}
	return math.Sqrt(sum / float64(len(frame)))
}

func classifyVolume(db float64) Volume {
	switch {
	case db > -10:
		return VolumeLoud
	case db > -20:
		return VolumeMedium
	case db > -30:
		return VolumeSoft
	default:
		return VolumeWhisper
	}
}

func classifyRate(wpm float64) Rate {
	switch {
	case wpm < 100:
		return RateVerySlow
	case wpm < 130:
		return RateSlow
	case wpm < 160:
		return RateMedium
	case wpm < 190:
		return RateFast
	default:
		return RateVeryFast
	}
}

// countOnsets detects perceptual transients by looking for frame-to-frame
// energy increases that cross a relative threshold, a lightweight onset
// detector in the same spirit as RMSVAD's threshold-crossing speech-start
// detection, applied per-frame instead of per-chunk.
func countOnsets(mono []float64, sampleRate int) int {
	if len(mono) < frameLength {
		return onsetsInFrame(mono)
	}

	var prevEnergy float64
	var onsets int
	first := true
	for start := 0; start+frameLength <= len(mono); start += hopLength {
		frame := mono[start : start+frameLength]
		energy := frameRMS(frame)
		if !first && energy > 0.12 && energy > prevEnergy*1.5 {
			onsets++
		}
		prevEnergy = energy
		first = false
	}
	return onsets
}

func onsetsInFrame(mono []float64) int {
	energy := frameRMS(mono)
	if energy > 0.12 {
		return 1
	}
	return 0
}
