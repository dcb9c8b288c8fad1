package jsonx

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClean_Fenced(t *testing.T) {
	in := "```json\n{\"a\": 1}\n```"
	assert.Equal(t, `{"a": 1}`, Clean(in))

	in = "```\n{\"a\": 1}\n```"
	assert.Equal(t, `{"a": 1}`, Clean(in))
}

func TestClean_SurroundingProse(t *testing.T) {
	in := `Here is the JSON you asked for: {"a": {"b": 2}} — let me know.`
	assert.Equal(t, `{"a": {"b": 2}}`, Clean(in))
}

func TestDecode(t *testing.T) {
	var v struct {
		A int `json:"a"`
	}
	assert.True(t, Decode("```json\n{\"a\": 3}\n```", &v))
	assert.Equal(t, 3, v.A)

	assert.False(t, Decode("not json at all", &v))
	assert.False(t, Decode("", &v))
	// Valid JSON of the wrong shape fails the decode, not the caller.
	assert.False(t, Decode(`{"a": "not a number"}`, &v))
}
