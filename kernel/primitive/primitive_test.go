package primitive

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"aide.dev/aide/kernel/page"
)

func decodeErr(t *testing.T, name string, payload string) *Error {
	t.Helper()
	_, perr := Decode(name, json.RawMessage(payload))
	require.NotNil(t, perr, "payload %s for %s must be rejected", payload, name)
	return perr
}

func TestDecodeCreate(t *testing.T) {
	v, perr := Decode(EntityCreate, MustPayload(CreateEntity{
		ID: "beds", Display: page.DisplaySection,
	}))
	require.Nil(t, perr)
	p := v.(CreateEntity)
	require.Equal(t, page.RootID, p.Parent, "empty parent defaults to the root")

	require.Equal(t, CodeIDInvalid, decodeErr(t, EntityCreate, `{"id":"Beds","display":"section"}`).Code)
	require.Equal(t, CodeIDInvalid, decodeErr(t, EntityCreate, `{"id":"root","display":"section"}`).Code)
	require.Equal(t, CodeUnknownDisplay, decodeErr(t, EntityCreate, `{"id":"beds","display":"hologram"}`).Code)
	require.Equal(t, CodeReservedKey, decodeErr(t, EntityCreate, `{"id":"beds","display":"card","props":{"_secret":"x"}}`).Code)
}

func TestDecodeUnknownPrimitive(t *testing.T) {
	require.Equal(t, CodeUnknownPrimitive, decodeErr(t, "entity.explode", `{}`).Code)
}

func TestDecodeRequiredFields(t *testing.T) {
	require.Equal(t, CodeBadPayload, decodeErr(t, EntityUpdate, `{}`).Code)
	require.Equal(t, CodeBadPayload, decodeErr(t, EntityRemove, `{}`).Code)
	require.Equal(t, CodeRootImmutable, decodeErr(t, EntityRemove, `{"ref":"root"}`).Code)
	require.Equal(t, CodeRootImmutable, decodeErr(t, EntityMove, `{"ref":"root"}`).Code)
	require.Equal(t, CodeBadPayload, decodeErr(t, EntityReorder, `{"ref":"beds"}`).Code)
	require.Equal(t, CodeBadPayload, decodeErr(t, RelSet, `{"from":"a","to":"b"}`).Code)
	require.Equal(t, CodeUnknownCardinality, decodeErr(t, RelSet, `{"from":"a","to":"b","type":"t","cardinality":"some"}`).Code)
	require.Equal(t, CodeNoteRequired, decodeErr(t, MetaAnnotate, `{"note":"   "}`).Code)
	require.Equal(t, CodeUnknownRule, decodeErr(t, MetaConstrain, `{"id":"c1","rule":"sometimes"}`).Code)
	require.Equal(t, CodeBadPayload, decodeErr(t, Escalate, `{}`).Code)
	require.Equal(t, CodeBadPayload, decodeErr(t, Clarify, `{}`).Code)
}

func TestDecodeMoveDefaults(t *testing.T) {
	v, perr := Decode(EntityMove, json.RawMessage(`{"ref":"beds"}`))
	require.Nil(t, perr)
	p := v.(MoveEntity)
	require.Equal(t, page.RootID, p.Parent)
	require.Equal(t, -1, p.Position, "absent position appends")
}

func TestDecodeMetaSetVisibility(t *testing.T) {
	_, perr := Decode(MetaSet, json.RawMessage(`{"visibility":"public"}`))
	require.Nil(t, perr)
	require.Equal(t, CodeBadPayload, decodeErr(t, MetaSet, `{"visibility":"hidden"}`).Code)
}

func TestDecodeEmptyPayload(t *testing.T) {
	_, perr := Decode(BatchStart, nil)
	require.Nil(t, perr)
}

func TestCheckPropsNesting(t *testing.T) {
	// One level of mapping is fine.
	_, perr := Decode(EntityUpdate, MustPayload(UpdateEntity{
		Ref:   "beds",
		Props: page.Props{"meta": page.MapValue(map[string]page.Value{"k": page.String("v")})},
	}))
	require.Nil(t, perr)

	// Lists of lists are not.
	perr = decodeErr(t, EntityUpdate, `{"ref":"beds","props":{"grid":[[1,2]]}}`)
	require.Equal(t, CodeBadPayload, perr.Code)

	// Mappings nest at most one level.
	perr = decodeErr(t, EntityUpdate, `{"ref":"beds","props":{"a":{"b":{"c":1}}}}`)
	require.Equal(t, CodeBadPayload, perr.Code)

	// Reserved keys are rejected inside mappings too.
	perr = decodeErr(t, EntityUpdate, `{"ref":"beds","props":{"a":{"_b":1}}}`)
	require.Equal(t, CodeReservedKey, perr.Code)
}

func TestRegistry(t *testing.T) {
	require.True(t, Known(EntityCreate))
	require.False(t, Known("entity.explode"))
	require.True(t, IsSignal(Voice))
	require.True(t, IsSignal(BatchEnd))
	require.False(t, IsSignal(EntityCreate))

	d, ok := Lookup(RelSet)
	require.True(t, ok)
	require.True(t, d.Mutating)
	require.Len(t, Names(), 17)
}

func TestErrorFormatting(t *testing.T) {
	err := NewError(CodeParentNotFound, "parent %q not found", "ghost")
	require.Equal(t, CodeParentNotFound, err.Code)
	require.Contains(t, err.Error(), "PARENT_NOT_FOUND")
	require.Contains(t, err.Message, `"ghost"`)

	wrapped := WrapError(CodeBadPayload, err, "while applying")
	require.Equal(t, CodeBadPayload, wrapped.Code)
	require.ErrorIs(t, wrapped, err)
	require.Equal(t, CodeBadPayload, CodeOf(wrapped))
	require.Equal(t, Code(""), CodeOf(nil))
}
