package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValue_Equal(t *testing.T) {
	now := time.Now()

	assert.True(t, String("a").Equal(String("a")))
	assert.False(t, String("a").Equal(String("b")))
	assert.False(t, String("1").Equal(Number(1)))
	assert.True(t, Number(1.5).Equal(Number(1.5)))
	assert.True(t, Boolean(true).Equal(Boolean(true)))
	assert.True(t, Null().Equal(Null()))

	// Times compare by instant regardless of location.
	east := now.In(time.FixedZone("east", 3*3600))
	assert.True(t, Timestamp(now).Equal(Timestamp(east)))
}

func TestValue_JSONRoundTrip(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	doc := Document{
		"name":      String("excavator-40t"),
		"amount":    Number(125000),
		"active":    Boolean(true),
		"ship_date": Timestamp(ts),
		"notes":     Null(),
	}

	data, err := EncodeDocument(doc)
	require.NoError(t, err)

	got, err := DecodeDocument(data)
	require.NoError(t, err)
	assert.True(t, doc.Equal(got))
	assert.Equal(t, KindTime, got["ship_date"].Kind)
}

func TestValue_UnmarshalRejectsNested(t *testing.T) {
	var d Document
	err := json.Unmarshal([]byte(`{"specs": {"weight": 40}}`), &d)
	assert.Error(t, err)

	err = json.Unmarshal([]byte(`{"tags": ["a", "b"]}`), &d)
	assert.Error(t, err)
}

func TestMerge_OverlayWins(t *testing.T) {
	base := Document{
		"amount": Number(100),
		"stage":  String("proposed"),
		"site":   String("yard-7"),
	}
	overlay := Document{
		"amount": Number(150),
		"stage":  String("quoted"),
	}

	merged := Merge(base, overlay)

	assert.True(t, Number(150).Equal(merged["amount"]))
	assert.True(t, String("quoted").Equal(merged["stage"]))
	assert.True(t, String("yard-7").Equal(merged["site"]))
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	base := Document{"amount": Number(100)}
	overlay := Document{"amount": Number(150)}

	_ = Merge(base, overlay)

	assert.True(t, Number(100).Equal(base["amount"]))
	assert.True(t, Number(150).Equal(overlay["amount"]))
}

func TestMerge_Idempotent(t *testing.T) {
	base := Document{"amount": Number(100), "site": String("yard-7")}
	overlay := Document{"amount": Number(150)}

	once := Merge(base, overlay)
	twice := Merge(once, overlay)
	assert.True(t, once.Equal(twice))
}

func TestMerge_EmptyOverlay(t *testing.T) {
	base := Document{"amount": Number(100)}
	merged := Merge(base, Document{})
	assert.True(t, base.Equal(merged))
}

func TestMerge_NullOverlayValueWins(t *testing.T) {
	base := Document{"notes": String("old")}
	overlay := Document{"notes": Null()}

	merged := Merge(base, overlay)
	assert.Equal(t, KindNull, merged["notes"].Kind)
}

func TestDocument_Keys(t *testing.T) {
	d := Document{"b": Number(2), "a": Number(1), "c": Number(3)}
	assert.Equal(t, []string{"a", "b", "c"}, d.Keys())
}

func TestDecodeDocument_Empty(t *testing.T) {
	d, err := DecodeDocument(nil)
	require.NoError(t, err)
	assert.NotNil(t, d)
	assert.Empty(t, d)
}
