package reply

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCategory(t *testing.T) {
	cases := []struct {
		code Code
		want Category
	}{
		{FileStatusOK, Preliminary},
		{UserLoggedIn, Completion},
		{FileActionPending, Intermediate},
		{ServiceNotAvailable, Transient},
		{SyntaxError, Permanent},
	}
	for _, c := range cases {
		t.Run(c.want.String(), func(t *testing.T) {
			assert.Equal(t, c.want, c.code.Category())
		})
	}
}

func TestEveryCodeHasExactlyOneCategory(t *testing.T) {
	// Every code the table defines must classify to a single, stable category
	// purely from its leading digit, per spec.md's invariant.
	for code := range canonicalText {
		cat := code.Category()
		assert.Contains(t, []Category{Preliminary, Completion, Intermediate, Transient, Permanent}, cat)
	}
}

func TestErrorFormatting(t *testing.T) {
	err := New(BadSequenceOfCommands)
	assert.Equal(t, "503 Bad sequence of commands.", err.Error())
	assert.True(t, err.Is5xx())
	assert.False(t, err.Is4xx())

	err2 := Newf(CantOpenDataConnection, "can't open data connection: %s", "timeout")
	assert.Equal(t, "425 can't open data connection: timeout", err2.Error())
	assert.True(t, err2.Is4xx())
}
