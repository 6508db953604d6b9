package mot

import "github.com/google/uuid"

// TrackSpan is a frame range during which a track was observed
type TrackSpan struct {
	TrackID    uuid.UUID
	CameraID   string
	Class      string
	FirstFrame uint64
	LastFrame  uint64
}

// Overlaps reports whether both spans were active on at least one common frame
func (span TrackSpan) Overlaps(other TrackSpan) bool {
	return span.FirstFrame <= other.LastFrame && other.FirstFrame <= span.LastFrame
}

// Gap returns number of frames between end of earlier span and start of later one.
// Overlapping spans have zero gap.
func (span TrackSpan) Gap(other TrackSpan) uint64 {
	if span.Overlaps(other) {
		return 0
	}
	if span.LastFrame < other.FirstFrame {
		return other.FirstFrame - span.LastFrame
	}
	return span.FirstFrame - other.LastFrame
}

// SameSubjectEligible reports whether two spans could belong to one physical subject.
// Two tracks of one camera visible at the same time are always distinct animals.
// Disjoint spans of identical class qualify when the gap is below maxGap frames.
func SameSubjectEligible(a, b TrackSpan, maxGap uint64) bool {
	if a.TrackID == b.TrackID {
		return false
	}
	if a.CameraID != b.CameraID {
		return false
	}
	if a.Overlaps(b) {
		return false
	}
	if a.Class == "" || a.Class != b.Class {
		return false
	}
	return a.Gap(b) < maxGap
}
