package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const voteSchema = `{
  "type": "object",
  "required": ["vote"],
  "properties": {
    "vote": {"type": "string"},
    "confidence": {"type": "number"}
  }
}`

func TestSchema_Decode(t *testing.T) {
	s, err := CompileSchema("vote", voteSchema)
	require.NoError(t, err)

	var v struct {
		Vote       string  `json:"vote"`
		Confidence float64 `json:"confidence"`
	}
	require.NoError(t, s.Decode("```json\n{\"vote\":\"guilty\",\"confidence\":0.5}\n```", &v))
	assert.Equal(t, "guilty", v.Vote)
	assert.InDelta(t, 0.5, v.Confidence, 1e-9)

	err = s.Decode(`{"confidence":"high"}`, &v)
	assert.ErrorIs(t, err, ErrSchema)

	err = s.Decode(`not json`, &v)
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrSchema)
}

func TestCompileSchema_Invalid(t *testing.T) {
	_, err := CompileSchema("broken", `{"type": 7}`)
	assert.Error(t, err)
	assert.Panics(t, func() { MustCompileSchema("broken", `{`) })
}
