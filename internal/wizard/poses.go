package wizard

import "strings"

// DefaultPoses is the capture order used when nothing is configured.
var DefaultPoses = PoseSequence{"Front", "Left", "Right", "Up", "Down"}

// PoseSequence is the fixed, ordered list of head orientations to capture.
type PoseSequence []string

// Len is the number of captures required.
func (p PoseSequence) Len() int {
	return len(p)
}

// At returns the pose for step, or "" once every pose has been captured.
func (p PoseSequence) At(step int) string {
	if step < 0 || step >= len(p) {
		return ""
	}
	return p[step]
}

func newPoseSequence(names []string) PoseSequence {
	if len(names) == 0 {
		return append(PoseSequence(nil), DefaultPoses...)
	}
	seq := make(PoseSequence, 0, len(names))
	for _, n := range names {
		seq = append(seq, strings.TrimSpace(n))
	}
	return seq
}
