package core

import "sort"

// ValidateCandidates scores each candidate as views over its channel average
// and accepts those at or above the threshold. Confidence is the accepted
// fraction of the scored set. Candidates without a usable channel average
// are rejected rather than guessed at.
func ValidateCandidates(candidates []Candidate, threshold float64, maxValidations int) ValidationResults {
	if threshold <= 0 {
		threshold = 2.0
	}
	if maxValidations > 0 && len(candidates) > maxValidations {
		candidates = candidates[:maxValidations]
	}

	res := ValidationResults{}
	var accepted []Evidence
	for _, c := range candidates {
		if c.ChannelAvgViews <= 0 {
			res.Rejected++
			continue
		}
		score := float64(c.Views) / c.ChannelAvgViews
		if score >= threshold {
			res.Validated++
			accepted = append(accepted, Evidence{VideoID: c.VideoID, Title: c.Title, Score: score})
		} else {
			res.Rejected++
		}
	}

	total := res.Validated + res.Rejected
	if total > 0 {
		res.Confidence = float64(res.Validated) / float64(total)
	}

	sort.Slice(accepted, func(i, j int) bool { return accepted[i].Score > accepted[j].Score })
	if len(accepted) > 5 {
		accepted = accepted[:5]
	}
	res.TopEvidence = accepted
	return res
}
