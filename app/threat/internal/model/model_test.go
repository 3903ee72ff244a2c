package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

func TestParseCodeType(t *testing.T) {
	for _, ct := range CodeTypes() {
		got, err := ParseCodeType(string(ct))
		require.NoError(t, err)
		assert.Equal(t, ct, got)
	}

	_, err := ParseCodeType("purple")
	assert.Error(t, err)
	_, err = ParseCodeType("RED")
	assert.Error(t, err)
}

func TestTemplates(t *testing.T) {
	red, ok := Template(CodeRed)
	require.True(t, ok)
	assert.Equal(t, "🔴 KOD CZERWONY", red.Title())
	assert.Equal(t, 0xef4444, red.Color)
	assert.Len(t, red.Annotations, 1)

	black, _ := Template(CodeBlack)
	assert.Len(t, black.Annotations, 1)

	green, _ := Template(CodeGreen)
	assert.Empty(t, green.Annotations)

	assert.Equal(t, 4, CodeBlack.Level())
	assert.Equal(t, 0, CodeType("x").Level())
}

func TestStatePatchValidate(t *testing.T) {
	tests := []struct {
		name  string
		patch *StatePatch
		err   error
	}{
		{"nil", nil, ErrEmptyPatch},
		{"empty", &StatePatch{}, ErrEmptyPatch},
		{"id without type", &StatePatch{ActiveMessageID: ptr("1")}, ErrIncompleteActive},
		{"empty id", &StatePatch{ActiveMessageID: ptr(""), ActiveCodeType: ptr(CodeRed)}, ErrIncompleteActive},
		{"unknown type", &StatePatch{ActiveMessageID: ptr("1"), ActiveCodeType: ptr(CodeType("x"))}, ErrIncompleteActive},
		{"set and clear", &StatePatch{ActiveMessageID: ptr("1"), ActiveCodeType: ptr(CodeRed), ClearActive: true}, ErrConflictingPatch},
		{"short code", &StatePatch{AccessCode: ptr("ABC")}, ErrAccessCodeTooShort},
		{"active", &StatePatch{ActiveMessageID: ptr("1"), ActiveCodeType: ptr(CodeRed)}, nil},
		{"clear", &StatePatch{ClearActive: true}, nil},
		{"bump", &StatePatch{AccessCode: ptr("ABCD"), BumpVersion: true}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.patch.Validate()
			if tt.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestServerStateApply(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	s := NewServerState(" chillrp ", t0)
	assert.Equal(t, "CHILLRP", s.AccessCode)
	assert.Equal(t, DefaultChangedBy, s.ChangedBy)
	assert.False(t, s.HasActiveNotice())

	t1 := t0.Add(time.Minute)
	s.Apply(&StatePatch{ActiveMessageID: ptr("999"), ActiveCodeType: ptr(CodeRed), ChangedBy: ptr("bob")}, t1)
	assert.True(t, s.HasActiveNotice())
	assert.Equal(t, CodeRed, s.ActiveCodeType)
	assert.Equal(t, t1, s.LastChanged)

	c := s.Clone()
	s.Apply(&StatePatch{ClearActive: true, AccessCode: ptr("NEWCODE1"), BumpVersion: true}, t1.Add(time.Minute))
	assert.False(t, s.HasActiveNotice())
	assert.Empty(t, s.ActiveCodeType)
	assert.Equal(t, int64(1), s.CodeVersion)
	assert.Equal(t, "999", c.ActiveMessageID)
}
