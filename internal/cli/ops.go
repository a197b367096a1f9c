package cli

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/stojanov/taskrun/pkg/engine"
	"github.com/stojanov/taskrun/pkg/models"
)

// RegisterBuiltins installs the operations workflow files can reference
// without any embedding program: echo, sleep, shell and fail.
func RegisterBuiltins(registry *engine.OperationRegistry) error {
	ops := map[string]engine.Operation{
		"echo":  echoOp,
		"sleep": sleepOp,
		"shell": shellOp,
		"fail":  failOp,
	}
	for name, op := range ops {
		if err := registry.Register(name, op); err != nil {
			return err
		}
	}
	return nil
}

func echoOp(ctx context.Context, params models.Params) (models.Result, error) {
	return fmt.Sprint(params["message"]), nil
}

func sleepOp(ctx context.Context, params models.Params) (models.Result, error) {
	d, err := paramDuration(params, "duration")
	if err != nil {
		return nil, err
	}
	select {
	case <-time.After(d):
		return fmt.Sprintf("slept %s", d), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shellOp(ctx context.Context, params models.Params) (models.Result, error) {
	command, _ := params["command"].(string)
	if command == "" {
		return nil, errors.New("shell operation requires a 'command' parameter")
	}
	out, err := exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
	if err != nil {
		return nil, errors.Wrapf(err, "command failed: %s", strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func failOp(ctx context.Context, params models.Params) (models.Result, error) {
	message, _ := params["message"].(string)
	if message == "" {
		message = "task failed on purpose"
	}
	return nil, errors.New(message)
}

func paramDuration(params models.Params, key string) (time.Duration, error) {
	switch v := params[key].(type) {
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return 0, errors.Wrapf(err, "invalid %s", key)
		}
		return d, nil
	case int:
		return time.Duration(v) * time.Second, nil
	case float64:
		return time.Duration(v * float64(time.Second)), nil
	default:
		return 0, errors.Errorf("missing or invalid '%s' parameter", key)
	}
}
