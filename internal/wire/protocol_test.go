package wire

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultEncodeDecodeRoundTrip(t *testing.T) {
	r := Result{Target: "web1", Command: "echo hello", Status: StatusSuccess, Output: "hello\n"}
	encoded := r.Encode()
	assert.True(t, strings.HasSuffix(encoded, "\n"))

	decoded := ParseResult(strings.TrimRight(encoded, "\n"))
	assert.Equal(t, "web1", decoded.Target)
	assert.Equal(t, "echo hello", decoded.Command)
	assert.Equal(t, StatusSuccess, decoded.Status)
	assert.Equal(t, "hello\n", decoded.Output) // trailing newline travels as the record terminator
}

func TestResultEncodeStripsInteriorNewlines(t *testing.T) {
	r := Result{Target: "a", Command: "b", Status: StatusSuccess, Output: "line1\nline2\nline3"}
	encoded := r.Encode()
	assert.Equal(t, 1, strings.Count(encoded, "\n"))
}

func TestResultEncodeTruncatesOversizedOutput(t *testing.T) {
	huge := strings.Repeat("x", BufferSize*2)
	r := Result{Target: "a", Command: "b", Status: StatusSuccess, Output: huge}
	encoded := r.Encode()
	require.True(t, strings.HasSuffix(encoded, "\n"))
	assert.LessOrEqual(t, len(encoded), BufferSize)
}

func TestParseResultPadsShortRecords(t *testing.T) {
	r := ParseResult("web1\techo hi")
	assert.Equal(t, "web1", r.Target)
	assert.Equal(t, "echo hi", r.Command)
	assert.Equal(t, "", r.Status)
	assert.Equal(t, "", r.Output)
}

func TestParseResultFoldsExtraFieldsIntoOutput(t *testing.T) {
	r := ParseResult("web1\techo\tSUCCESS\tfoo\tbar")
	assert.Equal(t, "foo\tbar\n", r.Output)
}

func TestReaderSplitsConcatenatedRecordsAndSkipsEmpty(t *testing.T) {
	input := "one\n\ntwo\nthree\n"
	reader := NewReader(strings.NewReader(input))

	var got []string
	for i := 0; i < 3; i++ {
		rec, err := reader.ReadRecord()
		require.NoError(t, err)
		got = append(got, rec)
	}
	assert.Equal(t, []string{"one", "two", "three"}, got)
}

func TestFieldAndLine(t *testing.T) {
	assert.Equal(t, "name\tweb1\n", Field("name", "web1"))
	assert.Equal(t, "// READY //\n", Line(Ready))
}
