package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlattenItemKeepsTopLevelFieldsAndFlattensNested(t *testing.T) {
	raw := map[string]any{
		"id":    "T1",
		"title": "x",
		"fields": map[string]any{
			"summary": "do the thing",
		},
	}

	out := FlattenItem(raw)
	require.Equal(t, "T1", out["id"])
	require.Equal(t, "x", out["title"])
	require.Equal(t, "do the thing", out["fields.summary"])
}

func TestFlattenItemHandlesScalarRoot(t *testing.T) {
	out := FlattenItem("just-a-string")
	require.Empty(t, out)
}
