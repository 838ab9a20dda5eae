package regression

import "github.com/tracelens/tracelens/internal/model"

// perNameDurations collects span durations grouped by span name across a
// set of runs of the same workload. Names come back in first-appearance
// order so every downstream aggregate iterates deterministically.
func perNameDurations(traces []model.GoldenTrace) (names []string, durations map[string][]float64) {
	durations = make(map[string][]float64)
	for _, tr := range traces {
		for _, sp := range tr.Spans {
			if _, seen := durations[sp.Name]; !seen {
				names = append(names, sp.Name)
			}
			durations[sp.Name] = append(durations[sp.Name], float64(sp.DurationNs()))
		}
	}
	return names, durations
}

// filterNoise splits span names into stable and noisy sets. A name is noisy
// when its baseline duration variance exceeds sigma times the mean variance
// over all names. Noisy names are excluded from the duration comparison but
// stay visible to the anti-pattern detectors.
func filterNoise(names []string, durations map[string][]float64, sigma float64) (stable, noisy []string) {
	if len(names) == 0 {
		return nil, nil
	}

	variances := make([]float64, len(names))
	var total float64
	for i, name := range names {
		variances[i] = Variance(durations[name])
		total += variances[i]
	}
	meanVar := total / float64(len(names))
	if meanVar == 0 {
		return names, nil
	}

	cutoff := sigma * meanVar
	for i, name := range names {
		if variances[i] > cutoff {
			noisy = append(noisy, name)
		} else {
			stable = append(stable, name)
		}
	}
	return stable, noisy
}

// filteredTotals computes each run's total duration over the stable span
// names only, preserving run order.
func filteredTotals(traces []model.GoldenTrace, stable []string) []float64 {
	keep := make(map[string]struct{}, len(stable))
	for _, name := range stable {
		keep[name] = struct{}{}
	}

	totals := make([]float64, len(traces))
	for i, tr := range traces {
		var sum float64
		for _, sp := range tr.Spans {
			if _, ok := keep[sp.Name]; ok {
				sum += float64(sp.DurationNs())
			}
		}
		totals[i] = sum
	}
	return totals
}
