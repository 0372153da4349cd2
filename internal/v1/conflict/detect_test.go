package conflict

import (
	"testing"
	"time"

	"github.com/annotatehub/collab-server/internal/v1/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func annotation(id string, start, end int, text string, labels []string, author string, updated time.Time) wire.Annotation {
	return wire.Annotation{
		ID:        wire.AnnotationIDType(id),
		TextID:    "t1",
		AuthorID:  wire.UserIDType(author),
		Start:     start,
		End:       end,
		Text:      text,
		Labels:    labels,
		Status:    wire.AnnotationValidated,
		CreatedAt: updated,
		UpdatedAt: updated,
	}
}

func TestDetect_NoOverlapNoConflict(t *testing.T) {
	now := time.Now()
	a := annotation("a", 0, 5, "hello", []string{"person"}, "alice", now)
	b := annotation("b", 10, 15, "world", []string{"place"}, "bob", now.Add(-time.Hour))
	found := Detect("room1", a, []wire.Annotation{b})
	assert.Empty(t, found)
}

func TestDetect_ContentConflict(t *testing.T) {
	now := time.Now()
	a := annotation("a", 0, 10, "foo", []string{"person"}, "alice", now.Add(-time.Hour))
	b := annotation("b", 0, 10, "bar", []string{"place"}, "bob", now.Add(-time.Hour))
	found := Detect("room1", a, []wire.Annotation{b})
	if assert.Len(t, found, 1) {
		assert.Equal(t, wire.ConflictContent, found[0].Kind)
		assert.Equal(t, wire.SeverityHigh, found[0].Severity)
	}
}

func TestDetect_ContentConflictRequiresIdenticalSpan(t *testing.T) {
	now := time.Now()
	a := annotation("a", 0, 10, "foo", []string{"person"}, "alice", now.Add(-time.Hour))
	b := annotation("b", 5, 15, "bar", []string{"place"}, "bob", now.Add(-time.Hour))
	found := Detect("room1", a, []wire.Annotation{b})
	for _, c := range found {
		assert.NotEqual(t, wire.ConflictContent, c.Kind)
	}
}

func TestDetect_LabelConflict(t *testing.T) {
	now := time.Now()
	a := annotation("a", 0, 10, "same", []string{"positive"}, "alice", now.Add(-time.Hour))
	b := annotation("b", 0, 10, "same", []string{"negative"}, "bob", now.Add(-time.Hour))
	found := Detect("room1", a, []wire.Annotation{b})
	if assert.Len(t, found, 1) {
		assert.Equal(t, wire.ConflictLabel, found[0].Kind)
	}
}

func TestDetect_DifferingLabelsWithoutAdjacencyIsPositionOverlap(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	a := annotation("a", 0, 10, "same", []string{"person"}, "alice", old)
	b := annotation("b", 2, 10, "same", []string{"place"}, "bob", old)
	found := Detect("room1", a, []wire.Annotation{b})
	if assert.Len(t, found, 1) {
		assert.Equal(t, wire.ConflictPositionOverlap, found[0].Kind)
	}
}

func TestDetectTemporal_DistinctEditorsWithinWindow(t *testing.T) {
	now := time.Now()
	c, ok := DetectTemporal("room1", "a", now, now.Add(time.Second), "alice", "bob")
	require.True(t, ok)
	assert.Equal(t, wire.ConflictTemporal, c.Kind)
	assert.Equal(t, wire.AnnotationIDType("a"), c.AnnotationA)
}

func TestDetectTemporal_SameEditorNoConflict(t *testing.T) {
	now := time.Now()
	_, ok := DetectTemporal("room1", "a", now, now.Add(time.Second), "alice", "alice")
	assert.False(t, ok)
}

func TestDetectTemporal_OutsideWindowNoConflict(t *testing.T) {
	now := time.Now()
	_, ok := DetectTemporal("room1", "a", now, now.Add(time.Minute), "alice", "bob")
	assert.False(t, ok)
}

func TestDetectTemporal_NoPriorEditorNoConflict(t *testing.T) {
	now := time.Now()
	_, ok := DetectTemporal("room1", "a", now, now, "", "bob")
	assert.False(t, ok)
}

func TestDetect_PositionOverlapConflict(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	a := annotation("a", 0, 10, "same", []string{"x"}, "alice", old)
	b := annotation("b", 5, 15, "same", []string{"x"}, "bob", old.Add(-time.Minute))
	found := Detect("room1", a, []wire.Annotation{b})
	if assert.Len(t, found, 1) {
		assert.Equal(t, wire.ConflictPositionOverlap, found[0].Kind)
	}
}

func TestDetect_IgnoresDifferentText(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	a := annotation("a", 0, 5, "x", nil, "alice", old)
	b := annotation("b", 0, 5, "x", nil, "bob", old)
	b.TextID = "other-text"
	found := Detect("room1", a, []wire.Annotation{b})
	assert.Empty(t, found)
}

func TestDetect_IgnoresSelf(t *testing.T) {
	a := annotation("a", 0, 5, "x", nil, "alice", time.Now())
	found := Detect("room1", a, []wire.Annotation{a})
	assert.Empty(t, found)
}

func TestConflictID_OrderIndependent(t *testing.T) {
	assert.Equal(t, conflictID("a", "b"), conflictID("b", "a"))
}

func TestLastWriteWins(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	a := annotation("a", 0, 10, "x", nil, "alice", old)
	b := annotation("b", 0, 10, "y", nil, "bob", old.Add(time.Minute))
	res := Resolve(LastWriteWins{}, wire.Conflict{}, a, b)
	assert.Equal(t, wire.AnnotationIDType("b"), res.WinnerID)
	assert.Equal(t, "last-write-wins", res.Strategy)
}

func TestFirstWriteWins(t *testing.T) {
	now := time.Now()
	a := annotation("a", 0, 10, "x", nil, "alice", now)
	a.CreatedAt = now.Add(-time.Hour)
	b := annotation("b", 0, 10, "y", nil, "bob", now)
	b.CreatedAt = now
	res := Resolve(FirstWriteWins{}, wire.Conflict{}, a, b)
	assert.Equal(t, wire.AnnotationIDType("a"), res.WinnerID)
}

func TestMergeAnnotations(t *testing.T) {
	now := time.Now()
	a := annotation("a", 0, 10, "x", []string{"person"}, "alice", now)
	b := annotation("b", 5, 15, "y", []string{"place"}, "bob", now)
	res := Resolve(MergeAnnotations{}, wire.Conflict{}, a, b)
	if assert.NotNil(t, res.Merged) {
		assert.Equal(t, 0, res.Merged.Start)
		assert.Equal(t, 15, res.Merged.End)
		assert.ElementsMatch(t, []string{"person", "place"}, res.Merged.Labels)
	}
}

func TestUserPriority(t *testing.T) {
	now := time.Now()
	a := annotation("a", 0, 10, "x", nil, "alice", now)
	b := annotation("b", 0, 10, "y", nil, "bob", now)
	strategy := UserPriority{RoleOf: func(id wire.UserIDType) wire.RoleType {
		if id == "bob" {
			return wire.RoleModerator
		}
		return wire.RoleUser
	}}
	res := Resolve(strategy, wire.Conflict{}, a, b)
	assert.Equal(t, wire.AnnotationIDType("b"), res.WinnerID)
}

func TestConfidenceBased(t *testing.T) {
	now := time.Now()
	confA, confB := 0.4, 0.9
	a := annotation("a", 0, 10, "x", nil, "alice", now)
	a.Confidence = &confA
	b := annotation("b", 0, 10, "y", nil, "bob", now)
	b.Confidence = &confB
	res := Resolve(ConfidenceBased{}, wire.Conflict{}, a, b)
	assert.Equal(t, wire.AnnotationIDType("b"), res.WinnerID)
}

func TestConfidenceBased_FallsBackToLastWriteWins(t *testing.T) {
	old := time.Now().Add(-time.Hour)
	a := annotation("a", 0, 10, "x", nil, "alice", old)
	b := annotation("b", 0, 10, "y", nil, "bob", old.Add(time.Minute))
	res := Resolve(ConfidenceBased{}, wire.Conflict{}, a, b)
	assert.Equal(t, wire.AnnotationIDType("b"), res.WinnerID)
}

func TestManualResolution_RequiresInput(t *testing.T) {
	a := annotation("a", 0, 10, "x", nil, "alice", time.Now())
	b := annotation("b", 0, 10, "y", nil, "bob", time.Now())
	res := Resolve(ManualResolution{}, wire.Conflict{}, a, b)
	assert.True(t, res.RequiresInput)
	assert.Empty(t, res.WinnerID)
}

func TestVotingBased(t *testing.T) {
	a := annotation("a", 0, 10, "x", nil, "alice", time.Now())
	b := annotation("b", 0, 10, "y", nil, "bob", time.Now())
	strategy := VotingBased{Votes: map[wire.AnnotationIDType]int{"a": 1, "b": 3}}
	res := Resolve(strategy, wire.Conflict{}, a, b)
	assert.Equal(t, wire.AnnotationIDType("b"), res.WinnerID)
}

func TestVotingBased_TieRequiresInput(t *testing.T) {
	a := annotation("a", 0, 10, "x", nil, "alice", time.Now())
	b := annotation("b", 0, 10, "y", nil, "bob", time.Now())
	strategy := VotingBased{Votes: map[wire.AnnotationIDType]int{"a": 2, "b": 2}}
	res := Resolve(strategy, wire.Conflict{}, a, b)
	assert.True(t, res.RequiresInput)
}
