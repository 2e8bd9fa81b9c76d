// Package interp implements the `${...}` variable interpolation grammar
// from spec.md §4.4: var/local/workspace/const/args/item namespaces, the
// invoke.dir special, and raw(expr) for unescaped expression results.
// Interpolation is applied lazily, at the moment a shell body or notify
// message is about to execute, so a step never pays for resolving
// variables it never reaches.
package interp

import (
	"fmt"
	"regexp"
	"strings"

	"al.essio.dev/pkg/shellescape"
	"github.com/expr-lang/expr"
	"github.com/spf13/cast"

	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

// Scope holds every namespace a template may reference. Nil maps are
// treated as empty; callers only need to populate the namespaces that
// apply to the current execution context (e.g. a queue-driven job sets
// Item, a step invocation always sets InvokeDir).
type Scope struct {
	Args      map[string]any
	Vars      map[string]any
	Locals    map[string]any
	Workspace map[string]any
	Const     map[string]any
	Item      map[string]any
	InvokeDir string
}

var tokenPattern = regexp.MustCompile(`\$\{([^}]*)\}`)

// Resolve expands every ${...} reference in body against scope. A
// reference to a name that cannot be found in its namespace (or, for
// `${var.X}`, anywhere in the fallback chain) fails the whole
// interpolation with unresolved_variable, matching spec.md's "missing
// names fail the step" rule.
func Resolve(body string, scope Scope) (string, error) {
	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(body, func(match string) string {
		if firstErr != nil {
			return match
		}
		inner := tokenPattern.FindStringSubmatch(match)[1]
		val, raw, err := resolveToken(strings.TrimSpace(inner), scope)
		if err != nil {
			firstErr = err
			return match
		}
		if raw {
			return val
		}
		return shellescape.Quote(val)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// resolveToken resolves the contents of one ${...} token (without the
// braces) and reports whether the result should skip shell-escaping.
func resolveToken(token string, scope Scope) (value string, raw bool, err error) {
	switch {
	case strings.HasPrefix(token, "raw(") && strings.HasSuffix(token, ")"):
		exprSrc := strings.TrimSuffix(strings.TrimPrefix(token, "raw("), ")")
		v, err := evalRaw(exprSrc, scope)
		if err != nil {
			return "", false, err
		}
		return v, true, nil

	case token == "invoke.dir":
		return scope.InvokeDir, false, nil

	case strings.HasPrefix(token, "args."):
		return lookup(scope.Args, strings.TrimPrefix(token, "args."), token)

	case strings.HasPrefix(token, "local."):
		return lookup(scope.Locals, strings.TrimPrefix(token, "local."), token)

	case strings.HasPrefix(token, "workspace."):
		name := strings.TrimPrefix(token, "workspace.")
		if name == "nonce" {
			if v, ok := scope.Workspace["nonce"]; ok {
				return cast.ToString(v), false, nil
			}
		}
		return lookup(scope.Workspace, name, token)

	case strings.HasPrefix(token, "const."):
		return lookup(scope.Const, strings.TrimPrefix(token, "const."), token)

	case strings.HasPrefix(token, "item."):
		return lookup(scope.Item, strings.TrimPrefix(token, "item."), token)

	case strings.HasPrefix(token, "var."):
		name := strings.TrimPrefix(token, "var.")
		// Generic namespace: resolution order is args -> vars -> locals
		// -> workspace -> const -> invoke, per spec.md §4.4.
		for _, ns := range []map[string]any{scope.Args, scope.Vars, scope.Locals, scope.Workspace, scope.Const} {
			if v, ok := ns[name]; ok {
				return cast.ToString(v), false, nil
			}
		}
		if name == "invoke.dir" {
			return scope.InvokeDir, false, nil
		}
		return "", false, unresolved(token)

	default:
		return "", false, unresolved(token)
	}
}

func lookup(ns map[string]any, name, token string) (string, bool, error) {
	v, ok := ns[name]
	if !ok {
		return "", false, unresolved(token)
	}
	return cast.ToString(v), false, nil
}

func evalRaw(src string, scope Scope) (string, error) {
	env := map[string]any{
		"args":      scope.Args,
		"var":       scope.Vars,
		"local":     scope.Locals,
		"workspace": scope.Workspace,
		"const":     scope.Const,
		"item":      scope.Item,
	}
	program, err := expr.Compile(src, expr.Env(env))
	if err != nil {
		return "", ojerrors.New(ojerrors.TagUnresolvedVariable, fmt.Sprintf("interp: raw(%s): %v", src, err))
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return "", ojerrors.New(ojerrors.TagUnresolvedVariable, fmt.Sprintf("interp: raw(%s): %v", src, err))
	}
	return cast.ToString(out), nil
}

func unresolved(token string) error {
	return ojerrors.New(ojerrors.TagUnresolvedVariable, fmt.Sprintf("interp: unresolved variable ${%s}", token))
}
