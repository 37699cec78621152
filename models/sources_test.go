package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSources(t *testing.T) {
	tests := []struct {
		name string
		in   interface{}
		want SourceList
	}{
		{"nil", nil, nil},
		{"empty string", "", nil},
		{"comma string", "fb_2024, google ,fb_2024", SourceList{"fb_2024", "google"}},
		{"semicolon string", "a;b|c", SourceList{"a", "b", "c"}},
		{"json array string", `["x","y"]`, SourceList{"x", "y"}},
		{"postgres literal", `{x,"y"}`, SourceList{"x", "y"}},
		{"native list", []interface{}{"x", nil, "y"}, SourceList{"x", "y"}},
		{"string slice", []string{" a ", ""}, SourceList{"a"}},
		{"bytes", []byte("p,q"), SourceList{"p", "q"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseSources(tt.in))
		})
	}
}

func TestSourceListUnmarshalBothShapes(t *testing.T) {
	var a, b Agent
	require.NoError(t, json.Unmarshal([]byte(`{"id":"1","allowed_sources":"s1,s2"}`), &a))
	require.NoError(t, json.Unmarshal([]byte(`{"id":"2","allowed_sources":["s1","s2"]}`), &b))

	assert.Equal(t, SourceList{"s1", "s2"}, a.AllowedSources)
	assert.Equal(t, a.AllowedSources, b.AllowedSources)
	assert.True(t, b.AllowedSources.Contains("s2"))
	assert.False(t, b.AllowedSources.Contains("s3"))
}

func TestSourceListValue(t *testing.T) {
	v, err := SourceList{"a", "b"}.Value()
	require.NoError(t, err)
	assert.Equal(t, "a,b", v)

	v, err = SourceList(nil).Value()
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestNormalizeLabel(t *testing.T) {
	assert.Equal(t, "upsale", NormalizeLabel("Up Sale"))
	assert.Equal(t, "upsale", NormalizeLabel("up_sale"))
	assert.Equal(t, "callback", NormalizeLabel("Call-Back"))
}

func TestStatusPatchClearsCallback(t *testing.T) {
	at := time.Now()
	lead := Lead{Status: StatusCallBack, CallbackTime: &at}

	StatusPatch("No Answer").Apply(&lead)
	assert.Equal(t, "No Answer", lead.Status)
	assert.Nil(t, lead.CallbackTime)

	p := StatusPatch(StatusCallBack)
	assert.False(t, p.ClearCallback)
	assert.Equal(t, map[string]interface{}{"status": StatusCallBack}, p.Columns())
}

func TestAssignPatch(t *testing.T) {
	agent := "agent-1"
	lead := Lead{}

	AssignPatch(&agent).Apply(&lead)
	require.NotNil(t, lead.AssignedTo)
	assert.Equal(t, agent, *lead.AssignedTo)

	unassign := AssignPatch(nil)
	unassign.Apply(&lead)
	assert.Nil(t, lead.AssignedTo)
	assert.Equal(t, map[string]interface{}{"assigned_to": nil}, unassign.Columns())
}
