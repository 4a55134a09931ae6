package runs

import (
	"bytes"
	"encoding/json"
)

// ResultsShape identifies which form the callback's results field arrived in.
type ResultsShape int

const (
	// ResultsAbsent means the field was missing or null.
	ResultsAbsent ResultsShape = iota
	// ResultsArray is a JSON array of result objects.
	ResultsArray
	// ResultsEncodedArray is a JSON string whose content decodes to an array.
	ResultsEncodedArray
	// ResultsBareString is a JSON string holding the content itself.
	ResultsBareString
	// ResultsUnrecognized is any other JSON value.
	ResultsUnrecognized
)

func (s ResultsShape) String() string {
	switch s {
	case ResultsAbsent:
		return "absent"
	case ResultsArray:
		return "array"
	case ResultsEncodedArray:
		return "encoded_array"
	case ResultsBareString:
		return "bare_string"
	default:
		return "unrecognized"
	}
}

// CallbackResult is one item of the results array as the engine sends it. Pointers
// distinguish a missing field from an empty one.
type CallbackResult struct {
	OutputType OutputType      `json:"outputType"`
	Content    *string         `json:"content"`
	Metadata   json.RawMessage `json:"metadata"`
}

// ResultSet is the normalized form of the callback's results field.
type ResultSet struct {
	Shape ResultsShape
	Items []CallbackResult
	// Text holds the content when Shape is ResultsBareString.
	Text string
}

// emptyMetadata is stored when a result carries no metadata.
var emptyMetadata = json.RawMessage(`{"sources":[]}`)

// ParseResults classifies raw and decodes it. Array items that are not objects make
// the whole array unrecognized.
func ParseResults(raw json.RawMessage) ResultSet {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ResultSet{Shape: ResultsAbsent}
	}

	switch trimmed[0] {
	case '[':
		var items []CallbackResult
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return ResultSet{Shape: ResultsUnrecognized}
		}
		return ResultSet{Shape: ResultsArray, Items: items}
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return ResultSet{Shape: ResultsUnrecognized}
		}
		var items []CallbackResult
		if inner := bytes.TrimSpace([]byte(text)); len(inner) > 0 && inner[0] == '[' {
			if err := json.Unmarshal(inner, &items); err == nil {
				return ResultSet{Shape: ResultsEncodedArray, Items: items}
			}
		}
		if text == "" {
			return ResultSet{Shape: ResultsAbsent}
		}
		return ResultSet{Shape: ResultsBareString, Text: text}
	default:
		return ResultSet{Shape: ResultsUnrecognized}
	}
}

// Inputs converts the set into rows to persist. fallback is the output type used for
// a bare string result.
func (rs ResultSet) Inputs(fallback OutputType) []ResultInput {
	switch rs.Shape {
	case ResultsBareString:
		if fallback == "" {
			fallback = OutputBlog
		}
		return []ResultInput{{
			OutputType: fallback,
			Content:    rs.Text,
			Metadata:   emptyMetadata,
		}}
	case ResultsArray, ResultsEncodedArray:
		inputs := make([]ResultInput, 0, len(rs.Items))
		for _, item := range rs.Items {
			in := ResultInput{
				OutputType: item.OutputType,
				Metadata:   item.Metadata,
			}
			if item.Content != nil {
				in.Content = *item.Content
			}
			if m := bytes.TrimSpace(item.Metadata); len(m) == 0 || bytes.Equal(m, []byte("null")) {
				in.Metadata = emptyMetadata
			}
			inputs = append(inputs, in)
		}
		return inputs
	default:
		return nil
	}
}
