package rollout

import "math"

const (
	// targetSilenceRate earns the full silence half of the quality score.
	targetSilenceRate = 0.3
	// brevityCeiling is the mean word count at which brevity scores zero.
	brevityCeiling = 12.0
)

type ArmStats struct {
	Count           int     `json:"count"`
	MeanWords       float64 `json:"mean_words"`
	SilenceRate     float64 `json:"silence_rate"`
	PresenceQuality float64 `json:"presence_quality"`
}

type Comparison struct {
	Baseline    ArmStats `json:"baseline"`
	Constrained ArmStats `json:"constrained"`
}

// Compare aggregates response records per arm.
func Compare(records []Record) Comparison {
	var acc [2]struct {
		count, words, silent int
	}
	for _, rec := range records {
		if rec.Event != EventResponse {
			continue
		}
		i := 0
		if rec.Arm == ArmConstrained {
			i = 1
		}
		acc[i].count++
		acc[i].words += rec.WordCount
		if rec.WasSilence {
			acc[i].silent++
		}
	}
	stats := func(count, words, silent int) ArmStats {
		if count == 0 {
			return ArmStats{}
		}
		s := ArmStats{
			Count:       count,
			MeanWords:   float64(words) / float64(count),
			SilenceRate: float64(silent) / float64(count),
		}
		s.PresenceQuality = PresenceQuality(s.MeanWords, s.SilenceRate)
		return s
	}
	return Comparison{
		Baseline:    stats(acc[0].count, acc[0].words, acc[0].silent),
		Constrained: stats(acc[1].count, acc[1].words, acc[1].silent),
	}
}

// PresenceQuality weighs brevity and silence equally, each in [0,1].
func PresenceQuality(meanWords, silenceRate float64) float64 {
	brevity := math.Max(0, 1-meanWords/brevityCeiling)
	silence := math.Min(silenceRate/targetSilenceRate, 1)
	return 0.5*brevity + 0.5*silence
}

// ReadyForPromotion reports whether the constrained arm has enough samples
// and scores at least as well as the baseline.
func (c Comparison) ReadyForPromotion(minSamples int) bool {
	if c.Constrained.Count < minSamples || c.Constrained.Count == 0 {
		return false
	}
	return c.Constrained.PresenceQuality >= c.Baseline.PresenceQuality
}
