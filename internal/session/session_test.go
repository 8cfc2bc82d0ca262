package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatic(t *testing.T) {
	s := NewStatic("")
	assert.False(t, s.Valid())

	s.SignIn("user-1")
	assert.True(t, s.Valid())
	assert.Equal(t, "user-1", s.UserID())

	s.SignOut()
	assert.False(t, s.Valid())
	assert.Equal(t, "user-1", s.UserID())

	assert.True(t, NewStatic("user-2").Valid())
}
