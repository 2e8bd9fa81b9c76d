package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

func TestExternalListExtractsIDs(t *testing.T) {
	ext, err := NewExternal("tickets", `echo '[{"id":"T1","title":"x"},{"id":"T2","title":"y"}]'`, "true", time.Millisecond, nil)
	require.NoError(t, err)

	items, err := ext.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "T1", items[0].ID)
	require.Equal(t, "T2", items[1].ID)
}

func TestExternalListFailsOnNonArrayOutput(t *testing.T) {
	ext, err := NewExternal("tickets", `echo '{"not":"an array"}'`, "true", time.Millisecond, nil)
	require.NoError(t, err)

	_, err = ext.List(context.Background())
	require.Error(t, err)
	tagged, ok := ojerrors.As(err)
	require.True(t, ok)
	require.Equal(t, ojerrors.TagExternalListFailed, tagged.Tag)
}

func TestExternalListFailsOnNonzeroExit(t *testing.T) {
	ext, err := NewExternal("tickets", `exit 1`, "true", time.Millisecond, nil)
	require.NoError(t, err)

	_, err = ext.List(context.Background())
	require.Error(t, err)
}

func TestExternalTakeSkipsOnNonzeroExit(t *testing.T) {
	ext, err := NewExternal("tickets", "true", "exit 1", time.Millisecond, nil)
	require.NoError(t, err)

	claimed, err := ext.Take(context.Background(), "T1")
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestExternalTakeSucceedsOnZeroExit(t *testing.T) {
	ext, err := NewExternal("tickets", "true", "true", time.Millisecond, nil)
	require.NoError(t, err)

	claimed, err := ext.Take(context.Background(), "T1")
	require.NoError(t, err)
	require.True(t, claimed)
}
