package decompose

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"aide.dev/aide/kernel/primitive"
)

func TestParseLine(t *testing.T) {
	it := ParseLine([]byte(`{"type":"entity.create","payload":{"id":"tasks","parent":"root","display":"section"}}`))
	require.Nil(t, it.ParseErr)
	require.NotNil(t, it.Primitive)
	require.Equal(t, primitive.EntityCreate, it.Primitive.Name)

	it = ParseLine([]byte(`{"type":"voice","payload":{"text":"working on it"}}`))
	require.Equal(t, "working on it", it.Voice)

	it = ParseLine([]byte(`{"type":"batch.start"}`))
	require.True(t, it.BatchStart)

	it = ParseLine([]byte(`{"type":"escalate","payload":{"tier":"L4","reason":"layout change"}}`))
	require.NotNil(t, it.Escalate)
	require.Equal(t, "L4", it.Escalate.Tier)
}

func TestParseLineErrors(t *testing.T) {
	it := ParseLine([]byte(`{"type":"entity.explode","payload":{}}`))
	require.NotNil(t, it.ParseErr)
	require.Equal(t, primitive.CodeUnknownPrimitive, it.ParseErr.Code)

	it = ParseLine([]byte(`not json at all`))
	require.NotNil(t, it.ParseErr)
	require.Equal(t, primitive.CodeBadPayload, it.ParseErr.Code)

	// Structurally invalid payloads fail with the primitive's own code.
	it = ParseLine([]byte(`{"type":"entity.create","payload":{"id":"BAD ID","display":"card"}}`))
	require.NotNil(t, it.ParseErr)
	require.Equal(t, primitive.CodeIDInvalid, it.ParseErr.Code)
}

func TestParseLines(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"batch.start"}`,
		``,
		`{"type":"entity.create","payload":{"id":"a","parent":"root","display":"card"}}`,
		`   `,
		`{"type":"garbage"}`,
		`{"type":"batch.end"}`,
	}, "\n")

	items, err := ParseLines(strings.NewReader(input))
	require.NoError(t, err)
	require.Len(t, items, 4, "blank lines are skipped, bad lines are kept as parse errors")
	require.True(t, items[0].BatchStart)
	require.NotNil(t, items[1].Primitive)
	require.NotNil(t, items[2].ParseErr)
	require.True(t, items[3].BatchEnd)
}
