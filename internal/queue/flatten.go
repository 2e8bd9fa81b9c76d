package queue

import (
	"fmt"
	"strings"

	"github.com/itchyny/gojq"
)

// flattenQuery enumerates every scalar leaf path in a decoded JSON value,
// so nested external-queue payloads (`.fields.summary`, `.data[0].key`)
// can back `${item.X}` without the runbook author needing flat payloads
// (spec §4.4).
var flattenQuery = mustCompileQuery(`[paths(scalars) as $p | {p: $p, v: getpath($p)}]`)

func mustCompileQuery(src string) *gojq.Code {
	q, err := gojq.Parse(src)
	if err != nil {
		panic(fmt.Sprintf("queue: compile flatten query: %v", err))
	}
	code, err := gojq.Compile(q)
	if err != nil {
		panic(fmt.Sprintf("queue: compile flatten query: %v", err))
	}
	return code
}

// FlattenItem turns a decoded JSON value into the flat map[string]any
// interp.Scope.Item expects: every top-level field keeps its bare name
// (`item.id`, `item.title`), and every deeper scalar is additionally
// reachable by its dot-joined path (`item.fields.summary`).
func FlattenItem(raw any) map[string]any {
	out := map[string]any{}
	if m, ok := raw.(map[string]any); ok {
		for k, v := range m {
			out[k] = v
		}
	}

	iter := flattenQuery.Run(raw)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if _, isErr := v.(error); isErr {
			continue
		}
		entry, ok := v.(map[string]any)
		if !ok {
			continue
		}
		path, _ := entry["p"].([]any)
		if len(path) <= 1 {
			continue // already captured verbatim above
		}
		parts := make([]string, len(path))
		for i, seg := range path {
			parts[i] = fmt.Sprintf("%v", seg)
		}
		out[strings.Join(parts, ".")] = entry["v"]
	}
	return out
}
