// Package conflict implements the Conflict Resolver (spec §4.7): detection of
// overlapping/contradictory annotations and a set of pluggable resolution
// strategies.
package conflict

import (
	"time"

	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// overlapFraction is the minimum span overlap ratio for two annotations on
// the same text to be flagged as a position-overlap conflict.
const overlapFraction = 0.3

// temporalWindow is the window within which two edits to the same
// annotation are considered a temporal conflict (spec §4.7).
const temporalWindow = 5 * time.Second

// DefaultLabelAdjacency is the configured adjacency list the label-conflict
// kind checks against (spec §4.7): pairs of labels that are known opposites
// on the same span. Replace the package variable to configure a different
// list; Detect always reads the current value.
var DefaultLabelAdjacency = map[string]string{
	"positive":   "negative",
	"negative":   "positive",
	"relevant":   "irrelevant",
	"irrelevant": "relevant",
}

// Detect compares a newly-created-or-updated annotation against the other
// live annotations on the same text and returns every conflict found.
// Temporal conflicts are not detected here — they compare two revisions of
// the SAME annotation, not distinct ones; see DetectTemporal.
func Detect(roomID wire.RoomIDType, subject wire.Annotation, others []wire.Annotation) []wire.Conflict {
	var found []wire.Conflict
	for _, other := range others {
		if other.ID == subject.ID || other.TextID != subject.TextID {
			continue
		}
		if c, ok := detectPair(roomID, subject, other); ok {
			found = append(found, c)
			metrics.ConflictsDetected.WithLabelValues(string(c.Kind), string(c.Severity)).Inc()
		}
	}
	return found
}

// DetectTemporal reports a temporal conflict (spec §4.7): two edits of the
// SAME annotation by distinct editors within temporalWindow. previousEditor
// is who made the annotation's prior revision (previousEditedAt); it may
// differ from the annotation's own AuthorID, since AuthorID never changes
// after creation but any room member may submit an update. An empty
// previousEditor (no prior edit recorded) never conflicts.
func DetectTemporal(roomID wire.RoomIDType, annotationID wire.AnnotationIDType, previousEditedAt, currentEditedAt time.Time, previousEditor, currentEditor wire.UserIDType) (wire.Conflict, bool) {
	if previousEditor == "" || previousEditor == currentEditor {
		return wire.Conflict{}, false
	}
	diff := currentEditedAt.Sub(previousEditedAt)
	if diff < 0 {
		diff = -diff
	}
	if diff > temporalWindow {
		return wire.Conflict{}, false
	}
	c := wire.Conflict{
		ID:          string(annotationID) + ":temporal",
		Kind:        wire.ConflictTemporal,
		Severity:    wire.SeverityMedium,
		AnnotationA: annotationID,
		AnnotationB: annotationID,
		RoomID:      roomID,
		DetectedAt:  time.Now(),
		Status:      wire.ConflictDetected,
	}
	metrics.ConflictsDetected.WithLabelValues(string(c.Kind), string(c.Severity)).Inc()
	return c, true
}

func detectPair(roomID wire.RoomIDType, a, b wire.Annotation) (wire.Conflict, bool) {
	if kind, severity, ok := classify(a, b); ok {
		return wire.Conflict{
			ID:          conflictID(a.ID, b.ID),
			Kind:        kind,
			Severity:    severity,
			AnnotationA: a.ID,
			AnnotationB: b.ID,
			RoomID:      roomID,
			DetectedAt:  time.Now(),
			Status:      wire.ConflictDetected,
		}, true
	}
	return wire.Conflict{}, false
}

func classify(a, b wire.Annotation) (wire.ConflictKind, wire.ConflictSeverity, bool) {
	overlap := spanOverlap(a, b)
	if overlap <= 0 {
		return "", "", false
	}

	if conflictingLabelPair(a.Labels, b.Labels) {
		return wire.ConflictLabel, labelSeverity(a, b), true
	}

	if a.Start == b.Start && a.End == b.End && !labelsEqual(a.Labels, b.Labels) {
		// Identical span, differing label sets: a content conflict (§4.7),
		// always high severity.
		return wire.ConflictContent, wire.SeverityHigh, true
	}

	if ratio := overlapRatio(a, b, overlap); ratio >= overlapFraction {
		return wire.ConflictPositionOverlap, positionSeverity(ratio), true
	}

	return "", "", false
}

// conflictingLabelPair reports whether a and b contain a known opposing
// pair per DefaultLabelAdjacency.
func conflictingLabelPair(a, b []string) bool {
	for _, la := range a {
		opp, ok := DefaultLabelAdjacency[la]
		if !ok {
			continue
		}
		for _, lb := range b {
			if lb == opp {
				return true
			}
		}
	}
	return false
}

func spanOverlap(a, b wire.Annotation) int {
	start := max(a.Start, b.Start)
	end := min(a.End, b.End)
	if end <= start {
		return 0
	}
	return end - start
}

func overlapRatio(a, b wire.Annotation, overlap int) float64 {
	shorter := a.End - a.Start
	if bl := b.End - b.Start; bl < shorter {
		shorter = bl
	}
	if shorter <= 0 {
		return 0
	}
	return float64(overlap) / float64(shorter)
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, l := range a {
		set[l] = struct{}{}
	}
	for _, l := range b {
		if _, ok := set[l]; !ok {
			return false
		}
	}
	return true
}

func labelSeverity(a, b wire.Annotation) wire.ConflictSeverity {
	if len(a.Labels) == 0 || len(b.Labels) == 0 {
		return wire.SeverityLow
	}
	return wire.SeverityMedium
}

func positionSeverity(ratio float64) wire.ConflictSeverity {
	switch {
	case ratio >= 0.9:
		return wire.SeverityHigh
	case ratio >= 0.6:
		return wire.SeverityMedium
	default:
		return wire.SeverityLow
	}
}

func conflictID(a, b wire.AnnotationIDType) string {
	if a < b {
		return string(a) + ":" + string(b)
	}
	return string(b) + ":" + string(a)
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
