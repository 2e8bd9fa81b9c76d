package interp

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

func TestResolveNamespacedTokens(t *testing.T) {
	scope := Scope{
		Args:      map[string]any{"env": "prod"},
		Locals:    map[string]any{"tag": "v1.2.3"},
		Workspace: map[string]any{"nonce": "abcd1234"},
		Const:     map[string]any{"region": "us-east-1"},
		Item:      map[string]any{"id": "T1"},
		InvokeDir: "/work/job-42",
	}

	out, err := Resolve("deploy --env=${args.env} --tag=${local.tag} --region=${const.region}", scope)
	require.NoError(t, err)
	require.Equal(t, "deploy --env=prod --tag=v1.2.3 --region=us-east-1", out)

	out, err = Resolve("cd ${invoke.dir} && echo ${item.id} ${workspace.nonce}", scope)
	require.NoError(t, err)
	require.Equal(t, "cd /work/job-42 && echo T1 abcd1234", out)
}

func TestResolveVarFallsBackThroughNamespaces(t *testing.T) {
	scope := Scope{
		Vars:   map[string]any{"name": "from-vars"},
		Locals: map[string]any{"name": "from-locals"},
	}
	out, err := Resolve("${var.name}", scope)
	require.NoError(t, err)
	require.Equal(t, "from-vars", out)

	scope2 := Scope{Locals: map[string]any{"name": "from-locals"}}
	out2, err := Resolve("${var.name}", scope2)
	require.NoError(t, err)
	require.Equal(t, "from-locals", out2)
}

func TestResolveMissingNameFailsUnresolved(t *testing.T) {
	_, err := Resolve("echo ${args.missing}", Scope{})
	require.Error(t, err)
	tagged, ok := ojerrors.As(err)
	require.True(t, ok)
	require.Equal(t, ojerrors.TagUnresolvedVariable, tagged.Tag)
}

func TestResolveShellEscapesUnlessRaw(t *testing.T) {
	scope := Scope{Args: map[string]any{"msg": "hello; rm -rf /"}}

	escaped, err := Resolve("echo ${args.msg}", scope)
	require.NoError(t, err)
	require.NotEqual(t, "echo hello; rm -rf /", escaped)

	scope2 := Scope{Vars: map[string]any{"flag": "--force"}}
	raw, err := Resolve("echo ${raw(var.flag)}", scope2)
	require.NoError(t, err)
	require.Equal(t, "echo --force", raw)
}
