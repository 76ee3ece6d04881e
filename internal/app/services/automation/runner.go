package automation

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dop251/goja"

	"github.com/daygent/daygent/internal/app/domain/automation"
	"github.com/daygent/daygent/internal/app/domain/issue"
)

const (
	maxScriptSize = 64 << 10
	scriptTimeout = 5 * time.Second
	maxActions    = 10

	actionComment = "comment"
	actionLabel   = "label"
)

// action is a follow-up queued by a script, applied only after the
// script returns without error.
type action struct {
	kind  string
	value string
}

// execute runs a rule's script against an event. The script sees the
// triggering event as `event`, the issue snapshot as `issue`, a
// console.log that feeds the run output, and addComment/setLabel
// helpers that queue actions. A watchdog interrupts scripts that run
// past the context deadline, or scriptTimeout when there is none.
func execute(ctx context.Context, rule automation.Rule, ev issue.Event, is issue.Issue) (string, []action, error) {
	if len(rule.Source) > maxScriptSize {
		return "", nil, fmt.Errorf("source exceeds maximum size of %d bytes", maxScriptSize)
	}

	vm := goja.New()

	timeout := scriptTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-time.After(timeout):
			vm.Interrupt("execution timeout")
		case <-done:
		}
	}()
	defer close(done)

	evObj, err := toJSObject(ev)
	if err != nil {
		return "", nil, fmt.Errorf("encode event: %w", err)
	}
	isObj, err := toJSObject(is)
	if err != nil {
		return "", nil, fmt.Errorf("encode issue: %w", err)
	}
	if err := vm.Set("event", evObj); err != nil {
		return "", nil, fmt.Errorf("set event: %w", err)
	}
	if err := vm.Set("issue", isObj); err != nil {
		return "", nil, fmt.Errorf("set issue: %w", err)
	}

	var logs []string
	console := vm.NewObject()
	console.Set("log", func(args ...interface{}) {
		logs = append(logs, fmt.Sprint(args...))
	})
	vm.Set("console", console)

	var actions []action
	queue := func(kind string) func(string) {
		return func(value string) {
			value = strings.TrimSpace(value)
			if value == "" || len(actions) >= maxActions {
				return
			}
			actions = append(actions, action{kind: kind, value: value})
		}
	}
	vm.Set("addComment", queue(actionComment))
	vm.Set("setLabel", queue(actionLabel))

	if _, err := vm.RunString(rule.Source); err != nil {
		return strings.Join(logs, "\n"), nil, fmt.Errorf("script error: %w", err)
	}
	return strings.Join(logs, "\n"), actions, nil
}

// toJSObject converts a value through its JSON form so scripts see the
// same field names as the HTTP API.
func toJSObject(v interface{}) (map[string]interface{}, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}
