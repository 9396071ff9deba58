package canonicalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]interface{}{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]interface{}{
		"z": map[string]interface{}{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":"bar","y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"offense": "<validation_seeking> & friends",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"offense":"<validation_seeking> & friends"}`, string(b))
}

func TestJCS_StructTagsRespected(t *testing.T) {
	type record struct {
		CaseID     string  `json:"caseId"`
		Confidence float64 `json:"confidence"`
		Skipped    string  `json:"-"`
	}

	b, err := JCS(record{CaseID: "case_1", Confidence: 0.75, Skipped: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"caseId":"case_1","confidence":0.75}`, string(b))
}

func TestCanonicalHash_StableAcrossKeyOrder(t *testing.T) {
	h1, err := CanonicalHash(map[string]int{"a": 1, "b": 2})
	require.NoError(t, err)
	h2, err := CanonicalHash(map[string]int{"b": 2, "a": 1})
	require.NoError(t, err)

	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}
