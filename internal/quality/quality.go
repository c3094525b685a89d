// Package quality screens captured frames for underexposure and blur before
// any embedding work is spent on them.
package quality

import (
	"fmt"
	"image"
)

// Reason identifies which check rejected a frame.
type Reason string

const (
	ReasonLowLight Reason = "low_light"
	ReasonBlurry   Reason = "blurry"
)

const (
	DefaultMinBrightness = 60.0
	DefaultMinSharpness  = 110.0
)

// Thresholds are compared against the 0-255 gray mean and the Laplacian variance.
type Thresholds struct {
	MinBrightness float64
	MinSharpness  float64
}

// Report carries the measured values. Sharpness is zero when the brightness
// check already failed.
type Report struct {
	Brightness float64 `json:"brightness"`
	Sharpness  float64 `json:"sharpness"`
}

// RejectedError is returned by Gate.Check for frames that fail a check.
type RejectedError struct {
	Reason  Reason
	Message string
	Report  Report
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("quality rejected (%s): %s", e.Reason, e.Message)
}

// Gate applies the brightness check and then the blur check.
type Gate struct {
	thresholds Thresholds
}

// NewGate builds a gate; zero thresholds fall back to the defaults.
func NewGate(t Thresholds) *Gate {
	if t.MinBrightness <= 0 {
		t.MinBrightness = DefaultMinBrightness
	}
	if t.MinSharpness <= 0 {
		t.MinSharpness = DefaultMinSharpness
	}
	return &Gate{thresholds: t}
}

// Thresholds returns the limits the gate enforces.
func (g *Gate) Thresholds() Thresholds {
	return g.thresholds
}

// Check measures img and returns a *RejectedError for the first failing check.
// The frame is converted to gray once and shared by both checks.
func (g *Gate) Check(img image.Image) (Report, error) {
	var report Report

	frame, err := newGrayFrame(img)
	if err != nil {
		return report, fmt.Errorf("converting frame to gray: %w", err)
	}
	defer frame.close()

	report.Brightness = frame.brightness()
	if report.Brightness < g.thresholds.MinBrightness {
		return report, &RejectedError{
			Reason:  ReasonLowLight,
			Message: "Low light. Move to a brighter location.",
			Report:  report,
		}
	}

	report.Sharpness = frame.sharpness()
	if report.Sharpness < g.thresholds.MinSharpness {
		return report, &RejectedError{
			Reason:  ReasonBlurry,
			Message: "Image blurry. Hold still.",
			Report:  report,
		}
	}

	return report, nil
}
