package runs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseResults_Shapes(t *testing.T) {
	tests := []struct {
		name  string
		raw   string
		shape ResultsShape
		items int
		text  string
	}{
		{name: "missing", raw: ``, shape: ResultsAbsent},
		{name: "null", raw: `null`, shape: ResultsAbsent},
		{name: "empty array", raw: `[]`, shape: ResultsArray},
		{name: "array", raw: `[{"outputType":"blog","content":"Hello"},{"outputType":"social"}]`, shape: ResultsArray, items: 2},
		{name: "array of scalars", raw: `[1, 2]`, shape: ResultsUnrecognized},
		{name: "encoded array", raw: `"[{\"outputType\":\"email\",\"content\":\"Hi\"}]"`, shape: ResultsEncodedArray, items: 1},
		{name: "bare string", raw: `"# My post"`, shape: ResultsBareString, text: "# My post"},
		{name: "string that looks like an array", raw: `"[not json"`, shape: ResultsBareString, text: "[not json"},
		{name: "empty string", raw: `""`, shape: ResultsAbsent},
		{name: "object", raw: `{"outputType":"blog"}`, shape: ResultsUnrecognized},
		{name: "number", raw: `42`, shape: ResultsUnrecognized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			set := ParseResults(json.RawMessage(tt.raw))
			assert.Equal(t, tt.shape, set.Shape, "shape %s", set.Shape)
			assert.Len(t, set.Items, tt.items)
			assert.Equal(t, tt.text, set.Text)
		})
	}
}

func TestResultSet_Inputs_BareStringUsesFallback(t *testing.T) {
	set := ParseResults(json.RawMessage(`"Some content"`))

	inputs := set.Inputs(OutputSocial)
	require.Len(t, inputs, 1)
	assert.Equal(t, OutputSocial, inputs[0].OutputType)
	assert.Equal(t, "Some content", inputs[0].Content)
	assert.JSONEq(t, `{"sources":[]}`, string(inputs[0].Metadata))

	inputs = set.Inputs("")
	require.Len(t, inputs, 1)
	assert.Equal(t, OutputBlog, inputs[0].OutputType)
}

func TestResultSet_Inputs_DefaultsMissingFields(t *testing.T) {
	raw := `[
		{"outputType":"blog"},
		{"outputType":"email","content":"Body","metadata":{"sources":[{"url":"https://example.com","title":"Ex"}],"model":"m1"}},
		{"content":"no type","metadata":null}
	]`
	inputs := ParseResults(json.RawMessage(raw)).Inputs(OutputSocial)
	require.Len(t, inputs, 3)

	assert.Equal(t, "", inputs[0].Content)
	assert.JSONEq(t, `{"sources":[]}`, string(inputs[0].Metadata))

	assert.Equal(t, "Body", inputs[1].Content)
	assert.JSONEq(t, `{"sources":[{"url":"https://example.com","title":"Ex"}],"model":"m1"}`, string(inputs[1].Metadata))

	// Array items keep a missing output type; only bare strings use the fallback.
	assert.Equal(t, OutputType(""), inputs[2].OutputType)
	assert.JSONEq(t, `{"sources":[]}`, string(inputs[2].Metadata))
}

func TestResultSet_Inputs_EmptyForAbsentAndUnrecognized(t *testing.T) {
	assert.Empty(t, ParseResults(nil).Inputs(OutputBlog))
	assert.Empty(t, ParseResults(json.RawMessage(`{"a":1}`)).Inputs(OutputBlog))
}

func TestResultsShape_String(t *testing.T) {
	assert.Equal(t, "absent", ResultsAbsent.String())
	assert.Equal(t, "array", ResultsArray.String())
	assert.Equal(t, "encoded_array", ResultsEncodedArray.String())
	assert.Equal(t, "bare_string", ResultsBareString.String())
	assert.Equal(t, "unrecognized", ResultsUnrecognized.String())
}
