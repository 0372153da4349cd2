package conflict

import (
	"time"

	"github.com/annotatehub/collab-server/internal/v1/metrics"
	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// Strategy resolves a detected conflict between two annotations into a
// Resolution (spec §4.7 lists seven strategies).
type Strategy interface {
	Name() string
	Resolve(c wire.Conflict, a, b wire.Annotation) wire.Resolution
}

// Resolve runs strategy against the conflict and records the outcome.
func Resolve(strategy Strategy, c wire.Conflict, a, b wire.Annotation) wire.Resolution {
	res := strategy.Resolve(c, a, b)
	res.Strategy = strategy.Name()
	res.ResolvedAt = time.Now()
	metrics.ConflictsResolved.WithLabelValues(strategy.Name()).Inc()
	return res
}

// LastWriteWins keeps whichever annotation was updated most recently.
type LastWriteWins struct{}

func (LastWriteWins) Name() string { return "last-write-wins" }

func (LastWriteWins) Resolve(_ wire.Conflict, a, b wire.Annotation) wire.Resolution {
	winner := a
	if b.UpdatedAt.After(a.UpdatedAt) {
		winner = b
	}
	return wire.Resolution{WinnerID: winner.ID}
}

// FirstWriteWins keeps whichever annotation was created first.
type FirstWriteWins struct{}

func (FirstWriteWins) Name() string { return "first-write-wins" }

func (FirstWriteWins) Resolve(_ wire.Conflict, a, b wire.Annotation) wire.Resolution {
	winner := a
	if b.CreatedAt.Before(a.CreatedAt) {
		winner = b
	}
	return wire.Resolution{WinnerID: winner.ID}
}

// MergeAnnotations unions the label sets and concatenates notes of both
// annotations into a single merged record spanning their combined range.
type MergeAnnotations struct{}

func (MergeAnnotations) Name() string { return "merge-annotations" }

func (MergeAnnotations) Resolve(_ wire.Conflict, a, b wire.Annotation) wire.Resolution {
	merged := a
	merged.Start = min(a.Start, b.Start)
	merged.End = max(a.End, b.End)
	merged.Labels = unionLabels(a.Labels, b.Labels)
	if a.Notes != "" && b.Notes != "" && a.Notes != b.Notes {
		merged.Notes = a.Notes + " / " + b.Notes
	} else if b.Notes != "" {
		merged.Notes = b.Notes
	}
	merged.UpdatedAt = time.Now()
	return wire.Resolution{Merged: &merged}
}

func unionLabels(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, l := range append(append([]string{}, a...), b...) {
		if _, ok := seen[l]; ok {
			continue
		}
		seen[l] = struct{}{}
		out = append(out, l)
	}
	return out
}

// UserPriority resolves in favor of the author with the higher role rank.
type UserPriority struct {
	RoleOf func(userID wire.UserIDType) wire.RoleType
}

func (UserPriority) Name() string { return "user-priority" }

func (s UserPriority) Resolve(_ wire.Conflict, a, b wire.Annotation) wire.Resolution {
	if s.RoleOf == nil {
		return wire.Resolution{WinnerID: a.ID}
	}
	roleA, roleB := s.RoleOf(a.AuthorID), s.RoleOf(b.AuthorID)
	if roleB.AtLeast(roleA) && roleB != roleA {
		return wire.Resolution{WinnerID: b.ID}
	}
	return wire.Resolution{WinnerID: a.ID}
}

// ConfidenceBased resolves in favor of the annotation with higher confidence,
// falling back to LastWriteWins when neither carries a confidence score.
type ConfidenceBased struct{}

func (ConfidenceBased) Name() string { return "confidence-based" }

func (ConfidenceBased) Resolve(c wire.Conflict, a, b wire.Annotation) wire.Resolution {
	if a.Confidence == nil && b.Confidence == nil {
		return LastWriteWins{}.Resolve(c, a, b)
	}
	if a.Confidence == nil {
		return wire.Resolution{WinnerID: b.ID}
	}
	if b.Confidence == nil {
		return wire.Resolution{WinnerID: a.ID}
	}
	if *b.Confidence > *a.Confidence {
		return wire.Resolution{WinnerID: b.ID}
	}
	return wire.Resolution{WinnerID: a.ID}
}

// ManualResolution defers the decision to a human moderator; it never picks
// a winner on its own.
type ManualResolution struct{}

func (ManualResolution) Name() string { return "manual-resolution" }

func (ManualResolution) Resolve(wire.Conflict, wire.Annotation, wire.Annotation) wire.Resolution {
	return wire.Resolution{RequiresInput: true}
}

// VotingBased resolves by tallying reactions recorded on each annotation;
// Votes is supplied by the caller since vote storage lives outside this package.
type VotingBased struct {
	Votes map[wire.AnnotationIDType]int
}

func (VotingBased) Name() string { return "voting-based" }

func (s VotingBased) Resolve(_ wire.Conflict, a, b wire.Annotation) wire.Resolution {
	if s.Votes[b.ID] > s.Votes[a.ID] {
		return wire.Resolution{WinnerID: b.ID}
	}
	if s.Votes[a.ID] == s.Votes[b.ID] {
		return wire.Resolution{RequiresInput: true}
	}
	return wire.Resolution{WinnerID: a.ID}
}
