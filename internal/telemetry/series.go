package telemetry

import (
	"sort"
	"time"
)

// Series is the ordered, deduplicated sample sequence for one connector,
// tagged with the transaction the sequence currently belongs to.
//
// Invariant: timestamps are strictly increasing; a sample arriving with an
// existing timestamp replaces the entry instead of appending.
type Series struct {
	ConnectorID   int      `json:"connectorId"`
	TransactionID string   `json:"transactionId,omitempty"`
	Samples       []Sample `json:"samples"`
}

// NewSeries creates an empty series for a connector.
func NewSeries(connectorID int) *Series {
	return &Series{ConnectorID: connectorID}
}

// Last returns the most recent sample, or nil when the series is empty.
func (s *Series) Last() *Sample {
	if len(s.Samples) == 0 {
		return nil
	}
	return &s.Samples[len(s.Samples)-1]
}

// Append upserts a sample by timestamp. The common case is an end append;
// out-of-order arrivals (backfill racing a live push) take a sorted insert,
// and an equal timestamp replaces in place so the later arrival wins.
func (s *Series) Append(sample Sample) {
	if sample.TransactionID != "" {
		s.TransactionID = sample.TransactionID
	}

	n := len(s.Samples)
	if n == 0 || sample.TimestampMs > s.Samples[n-1].TimestampMs {
		s.Samples = append(s.Samples, sample)
		return
	}

	idx := sort.Search(n, func(i int) bool {
		return s.Samples[i].TimestampMs >= sample.TimestampMs
	})
	if idx < n && s.Samples[idx].TimestampMs == sample.TimestampMs {
		s.Samples[idx] = sample
		return
	}

	s.Samples = append(s.Samples, Sample{})
	copy(s.Samples[idx+1:], s.Samples[idx:])
	s.Samples[idx] = sample
}

// Trim drops samples older than latest-window, then caps the remaining
// count by stride downsampling. The first and last point of the filtered
// range always survive so extremes are never interpolated away.
func (s *Series) Trim(window time.Duration, maxPoints int) {
	n := len(s.Samples)
	if n == 0 {
		return
	}

	if window > 0 {
		cutoff := s.Samples[n-1].TimestampMs - window.Milliseconds()
		idx := sort.Search(n, func(i int) bool {
			return s.Samples[i].TimestampMs >= cutoff
		})
		if idx > 0 {
			s.Samples = append(s.Samples[:0], s.Samples[idx:]...)
		}
	}

	s.CapCount(maxPoints)
}

// CapCount stride-downsamples the series to at most maxPoints entries,
// keeping the first and last sample.
func (s *Series) CapCount(maxPoints int) {
	n := len(s.Samples)
	if maxPoints <= 0 || n <= maxPoints {
		return
	}
	if maxPoints == 1 {
		s.Samples = []Sample{s.Samples[n-1]}
		return
	}

	stride := ((n - 1) + (maxPoints - 2)) / (maxPoints - 1)
	kept := s.Samples[:0]
	for i := 0; i < n; i += stride {
		kept = append(kept, s.Samples[i])
	}
	if kept[len(kept)-1].TimestampMs != s.Samples[n-1].TimestampMs {
		kept[len(kept)-1] = s.Samples[n-1]
	}
	s.Samples = kept
}

// Clone returns a deep copy safe to hand to the visualization layer.
func (s *Series) Clone() Series {
	out := Series{ConnectorID: s.ConnectorID, TransactionID: s.TransactionID}
	if len(s.Samples) > 0 {
		out.Samples = make([]Sample, len(s.Samples))
		copy(out.Samples, s.Samples)
	}
	return out
}

// Smooth returns a copy of the samples with power and current replaced by a
// trailing moving average over span points. Presentation only: the retained
// canonical data is never smoothed.
func Smooth(samples []Sample, span int) []Sample {
	out := make([]Sample, len(samples))
	copy(out, samples)
	if span <= 1 {
		return out
	}

	var sumP, sumC float64
	for i := range samples {
		sumP += samples[i].PowerKW
		sumC += samples[i].CurrentA
		width := span
		if i+1 < span {
			width = i + 1
		} else if i >= span {
			sumP -= samples[i-span].PowerKW
			sumC -= samples[i-span].CurrentA
		}
		out[i].PowerKW = roundTo(sumP/float64(width), 2)
		out[i].CurrentA = roundTo(sumC/float64(width), 2)
	}
	return out
}
