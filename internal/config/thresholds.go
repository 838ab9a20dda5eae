package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Thresholds tunes the analysis layers. The zero value of every field means
// "use the package default"; a YAML file overrides only what it sets.
type Thresholds struct {
	Graph struct {
		MinGapNs uint64 `yaml:"min_gap_ns"`
	} `yaml:"graph"`

	Antipatterns struct {
		GodProcessDegree int     `yaml:"god_process_degree"`
		TightLoopWindow  int     `yaml:"tight_loop_window"`
		TightLoopCount   int     `yaml:"tight_loop_count"`
		TransferRatio    float64 `yaml:"transfer_ratio"`
	} `yaml:"antipatterns"`

	Regression struct {
		ConfidenceLevel   float64  `yaml:"confidence_level"`
		MinSampleSize     int      `yaml:"min_sample_size"`
		FallbackThreshold float64  `yaml:"fallback_threshold"`
		NoiseSigma        float64  `yaml:"noise_sigma"`
		Justifications    []string `yaml:"justifications"`
	} `yaml:"regression"`
}

// LoadThresholds parses a YAML thresholds file. An empty path yields the
// zero value, deferring every knob to package defaults.
func LoadThresholds(path string) (Thresholds, error) {
	var t Thresholds
	if path == "" {
		return t, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return Thresholds{}, fmt.Errorf("config: read thresholds file: %w", err)
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return Thresholds{}, fmt.Errorf("config: parse thresholds file: %w", err)
	}

	if t.Regression.ConfidenceLevel < 0 || t.Regression.ConfidenceLevel >= 1 {
		return Thresholds{}, fmt.Errorf("config: confidence_level %v outside [0,1)", t.Regression.ConfidenceLevel)
	}
	if t.Antipatterns.TransferRatio < 0 {
		return Thresholds{}, fmt.Errorf("config: transfer_ratio must not be negative")
	}
	return t, nil
}
