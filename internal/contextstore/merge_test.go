package contextstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeByShapeLists(t *testing.T) {
	merged, diff, err := mergeByShape([]byte(`[1,2]`), []byte(`[3,4,5]`))
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3,4,5]`, string(merged))
	assert.Equal(t, "+3 items", diff)
}

func TestMergeByShapeEmptyCurrentList(t *testing.T) {
	merged, diff, err := mergeByShape([]byte(`[]`), []byte(`["a"]`))
	require.NoError(t, err)
	assert.JSONEq(t, `["a"]`, string(merged))
	assert.Equal(t, "+1 items", diff)
}

func TestMergeByShapeMaps(t *testing.T) {
	merged, diff, err := mergeByShape(
		[]byte(`{"a":1,"b":2}`),
		[]byte(`{"b":20,"c":3}`),
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1,"b":20,"c":3}`, string(merged))
	// Only genuinely new keys count; overwritten ones do not.
	assert.Equal(t, "+1 keys", diff)
}

func TestMergeByShapeNullCurrentMap(t *testing.T) {
	merged, diff, err := mergeByShape([]byte(`null`), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(merged))
	assert.Equal(t, "+1 keys", diff)
}

func TestMergeByShapeScalarReplaces(t *testing.T) {
	merged, diff, err := mergeByShape([]byte(`"old"`), []byte(`"new"`))
	require.NoError(t, err)
	assert.Equal(t, `"new"`, string(merged))
	assert.Equal(t, "replaced", diff)
}

func TestMergeByShapeMismatchReplaces(t *testing.T) {
	merged, diff, err := mergeByShape([]byte(`[1,2]`), []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":1}`, string(merged))
	assert.Equal(t, "replaced", diff)
}

func TestSummarizeTruncates(t *testing.T) {
	short := `{"k":"v"}`
	assert.Equal(t, short, summarize([]byte(short)))

	long := make([]byte, summaryMaxLen*2)
	for i := range long {
		long[i] = 'x'
	}
	got := summarize(long)
	assert.Len(t, got, summaryMaxLen+3)
	assert.Equal(t, "...", got[summaryMaxLen:])
}
