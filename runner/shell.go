package runner

import (
	"context"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"time"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/stagee/errors"
)

// TokenEnv carries the idempotency token to shell commands.
const TokenEnv = "STAGEE_IDEMPOTENCY_TOKEN"

// ShellRunner runs a command without a shell. The command line is split with
// POSIX quoting rules, placeholders are expanded per argument, and target
// metadata is exported as STAGEE_TARGET_* variables.
type ShellRunner struct {
	// BaseEnv defaults to the process environment.
	BaseEnv []string
}

// Run implements Runner. A non-zero exit is an error carrying the exit code.
func (s *ShellRunner) Run(ctx context.Context, inv Invocation) (Result, error) {
	if inv.Step.Shell == nil {
		return Result{}, errors.AssertionFailedf("shell step %d has no body", inv.StepIndex)
	}
	args, err := shellquote.Split(inv.Step.Shell.Command)
	if err != nil {
		return Result{}, errors.Wrap(err, "failed to parse command")
	}
	if len(args) == 0 {
		return Result{}, errors.New("empty command")
	}
	for i := range args {
		args[i] = inv.Expand(args[i])
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Env = s.environ(inv)
	cmd.WaitDelay = 2 * time.Second
	out := &capped{limit: MaxOutputBytes}
	cmd.Stdout = out
	cmd.Stderr = out

	err = cmd.Run()
	res := Result{Output: out.String()}
	if cmd.ProcessState != nil {
		code := cmd.ProcessState.ExitCode()
		res.ExitCode = &code
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && ctx.Err() == nil {
			return res, errors.Newf("command exited with status %d", exitErr.ExitCode())
		}
		return res, errors.Wrapf(err, "command %s failed", args[0])
	}
	return res, nil
}

func (s *ShellRunner) environ(inv Invocation) []string {
	env := s.BaseEnv
	if env == nil {
		env = os.Environ()
	}
	env = append([]string{}, env...)

	if t := inv.Target; t != nil {
		env = append(env, "STAGEE_TARGET_REF="+t.Ref, "STAGEE_TARGET_HOST="+t.Host)
		if t.Port != 0 {
			env = append(env, "STAGEE_TARGET_PORT="+strconv.Itoa(t.Port))
		}
		env = appendSorted(env, t.Env, nil)
	}
	env = appendSorted(env, inv.Step.Shell.Env, inv.Expand)
	env = append(env,
		"STAGEE_EXECUTION_ID="+inv.ExecutionID,
		"STAGEE_STEP_INDEX="+strconv.Itoa(inv.StepIndex),
		TokenEnv+"="+inv.IdempotencyToken(),
	)
	return env
}

func appendSorted(env []string, vars map[string]string, expand func(string) string) []string {
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := vars[k]
		if expand != nil {
			v = expand(v)
		}
		env = append(env, k+"="+v)
	}
	return env
}
