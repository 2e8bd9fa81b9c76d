package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"time"

	"github.com/itchyny/gojq"
	"golang.org/x/time/rate"

	"github.com/groblegark/oddjobs/internal/clock"
	"github.com/groblegark/oddjobs/pkg/ojerrors"
)

// ExternalItem is one candidate item surfaced by an external queue's
// `list` command, keyed by its decoded `.id` field.
type ExternalItem struct {
	ID  string
	Raw any
}

// External polls a `list` shell command every Poll interval and claims
// items via a `take` shell command, per spec.md §4.4. Items are not
// durable: a daemon restart mid-flight may see `take` reclaim the same
// item on the next poll, which is the documented contract.
type External struct {
	Name        string
	ListCommand string
	TakeCommand string
	Poll        time.Duration
	Clock       clock.Clock

	idQuery *gojq.Code
	limiter *rate.Limiter
}

// NewExternal compiles the `.id` extraction query once and prepares a
// rate limiter bounding how often List may actually shell out, so a
// misconfigured poll interval of zero can't spin the host.
func NewExternal(name, listCmd, takeCmd string, poll time.Duration, clk clock.Clock) (*External, error) {
	if poll <= 0 {
		poll = 10 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	query, err := gojq.Parse(".id")
	if err != nil {
		return nil, fmt.Errorf("queue: compile id query: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("queue: compile id query: %w", err)
	}
	return &External{
		Name: name, ListCommand: listCmd, TakeCommand: takeCmd, Poll: poll, Clock: clk,
		idQuery: code,
		limiter: rate.NewLimiter(rate.Every(poll), 1),
	}, nil
}

// List runs the declared `list` command and returns each JSON array
// element as a candidate item. A non-JSON-array result or non-zero exit
// is reported as external_list_failed.
func (e *External) List(ctx context.Context) ([]ExternalItem, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", e.ListCommand)
	out, err := cmd.Output()
	if err != nil {
		return nil, ojerrors.Wrap(ojerrors.TagExternalListFailed, err)
	}

	var raw []any
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, ojerrors.New(ojerrors.TagExternalListFailed, fmt.Sprintf("list output is not a JSON array: %v", err))
	}

	items := make([]ExternalItem, 0, len(raw))
	for _, elem := range raw {
		id, err := e.extractID(elem)
		if err != nil {
			return nil, ojerrors.Wrap(ojerrors.TagExternalListFailed, err)
		}
		items = append(items, ExternalItem{ID: id, Raw: elem})
	}
	return items, nil
}

func (e *External) extractID(elem any) (string, error) {
	iter := e.idQuery.Run(elem)
	v, ok := iter.Next()
	if !ok {
		return "", fmt.Errorf("queue: %s: item has no .id", e.Name)
	}
	if err, ok := v.(error); ok {
		return "", err
	}
	switch id := v.(type) {
	case string:
		return id, nil
	case float64:
		return fmt.Sprintf("%v", id), nil
	default:
		return "", fmt.Errorf("queue: %s: .id is not a scalar", e.Name)
	}
}

// Take runs the declared `take` command for itemID. A non-zero exit
// means the item was already claimed elsewhere this round and should be
// skipped, not treated as a fatal error.
func (e *External) Take(ctx context.Context, itemID string) (claimed bool, err error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", e.TakeCommand)
	cmd.Env = append(cmd.Environ(), "ITEM_ID="+itemID)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
