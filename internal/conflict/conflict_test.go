package conflict

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func intp(v int) *int { return &v }

func op(user, field string, base int64) EditOperation {
	return EditOperation{
		ID:          "op_" + user + "_" + field,
		UserID:      user,
		DocType:     "quiz",
		DocID:       "q1",
		Kind:        OpUpdate,
		FieldPath:   field,
		BaseVersion: base,
	}
}

func rangeOp(user, field string, base int64, pos, length int) EditOperation {
	o := op(user, field, base)
	o.Position = intp(pos)
	o.Length = intp(length)
	return o
}

func TestConflictsDifferentFields(t *testing.T) {
	a := op("alice", "title", 3)
	b := op("bob", "description", 3)
	assert.False(t, Conflicts(a, b))
}

func TestConflictsSameUserNeverConflicts(t *testing.T) {
	// Sequential self-edits never conflict, even with divergent base
	// versions and overlapping ranges.
	a := rangeOp("alice", "title", 1, 0, 10)
	b := rangeOp("alice", "title", 5, 2, 4)
	assert.False(t, Conflicts(a, b))
}

func TestConflictsDivergentBaseVersions(t *testing.T) {
	a := op("alice", "title", 3)
	b := op("bob", "title", 4)
	assert.True(t, Conflicts(a, b))
}

func TestConflictsRangeOverlap(t *testing.T) {
	cases := []struct {
		name                   string
		aPos, aLen, bPos, bLen int
		want                   bool
	}{
		{"overlapping middle", 0, 5, 3, 5, true},
		{"disjoint", 0, 3, 5, 3, false},
		{"touching boundaries", 0, 5, 5, 3, false},
		{"contained", 0, 10, 2, 4, true},
		{"identical", 2, 4, 2, 4, true},
		{"zero length inside other", 3, 0, 0, 5, false},
		{"both zero length same position", 3, 0, 3, 0, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := rangeOp("alice", "title", 7, tc.aPos, tc.aLen)
			b := rangeOp("bob", "title", 7, tc.bPos, tc.bLen)
			assert.Equal(t, tc.want, Conflicts(a, b))
		})
	}
}

func TestConflictsSameBaseNoRanges(t *testing.T) {
	a := op("alice", "title", 2)
	b := op("bob", "title", 2)
	assert.False(t, Conflicts(a, b))
}

func TestConflictsSymmetry(t *testing.T) {
	pairs := [][2]EditOperation{
		{op("alice", "title", 1), op("bob", "title", 2)},
		{rangeOp("alice", "body", 4, 0, 5), rangeOp("bob", "body", 4, 3, 5)},
		{rangeOp("alice", "body", 4, 0, 3), rangeOp("bob", "body", 4, 5, 3)},
		{op("alice", "a", 1), op("bob", "b", 1)},
		{rangeOp("carol", "title", 9, 2, 4), op("dave", "title", 9)},
	}
	for _, pair := range pairs {
		assert.Equal(t, Conflicts(pair[0], pair[1]), Conflicts(pair[1], pair[0]))
	}
}

func TestBuildRecord(t *testing.T) {
	ops := []EditOperation{
		op("alice", "title", 3),
		op("bob", "title", 4),
		op("alice", "title", 5),
	}
	ops[0].ID, ops[1].ID, ops[2].ID = "op1", "op2", "op3"

	record := BuildRecord("quiz", "q1", ops)

	require.NotEmpty(t, record.ID)
	assert.Equal(t, StatusDetected, record.Status)
	assert.Equal(t, "quiz", record.DocType)
	assert.Equal(t, "q1", record.DocID)
	assert.Equal(t, []string{"op1", "op2", "op3"}, record.OperationIDs)
	assert.Equal(t, []string{"alice", "bob"}, record.AffectedUsers)
	assert.False(t, record.DetectedAt.IsZero())
	assert.Nil(t, record.Resolution)
}
