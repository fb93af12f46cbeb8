package uid

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRandStringRunes(t *testing.T) {
	s := RandStringRunes(48)
	assert.Len(t, s, 48)
	for _, r := range s {
		assert.True(t, (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z'))
	}
}

func TestNewId(t *testing.T) {
	a, b := NewId(), NewId()
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b)
	assert.NotContains(t, a, "/")
}
