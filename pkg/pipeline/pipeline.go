// Package pipeline runs one provider definition end to end: validate the
// command, execute it, transform the output and normalize the result.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tokenmeter/tokenmeter/pkg/command"
	"github.com/tokenmeter/tokenmeter/pkg/executor"
	"github.com/tokenmeter/tokenmeter/pkg/model"
	"github.com/tokenmeter/tokenmeter/pkg/sandbox"
)

// ReasonInvalidJSON is reported when the fetch output is not JSON.
const ReasonInvalidJSON = "invalidJson"

// Executor runs a validated command.
type Executor interface {
	Run(ctx context.Context, spec executor.Spec) ([]byte, error)
}

// Evaluator runs a transform script over a JSON document.
type Evaluator interface {
	Evaluate(ctx context.Context, script string, input []byte) (json.RawMessage, error)
}

// Options configure a Runner.
type Options struct {
	Policy          command.Policy
	MaxScriptLength int
	// Now supplies the date used when a result omits one.
	Now func() time.Time
}

// Runner executes provider pipelines. It is safe for concurrent use; runs
// share no state.
type Runner struct {
	exec      Executor
	eval      Evaluator
	policy    command.Policy
	maxScript int
	now       func() time.Time
	logger    *slog.Logger
}

// New creates a Runner.
func New(exec Executor, eval Evaluator, opts Options, logger *slog.Logger) *Runner {
	if len(opts.Policy.AllowedPrograms) == 0 {
		opts.Policy = command.DefaultPolicy()
	}
	if opts.MaxScriptLength <= 0 {
		opts.MaxScriptLength = sandbox.DefaultLimits.MaxScriptLength
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Runner{
		exec:      exec,
		eval:      eval,
		policy:    opts.Policy,
		maxScript: opts.MaxScriptLength,
		now:       opts.Now,
		logger:    logger,
	}
}

// Run executes p. Disabled providers are skipped without validation.
func (r *Runner) Run(ctx context.Context, p model.Provider) model.ExecutionResult {
	if !p.Enabled {
		return model.Skipped(p.ID)
	}
	return r.execute(ctx, p, false)
}

// Test executes p regardless of its enabled flag and attaches the raw
// transform output to the result.
func (r *Runner) Test(ctx context.Context, p model.Provider) model.ExecutionResult {
	return r.execute(ctx, p, true)
}

func (r *Runner) execute(ctx context.Context, p model.Provider, keepRaw bool) (res model.ExecutionResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("pipeline panic recovered", "provider", p.ID, "panic", fmt.Sprint(rec))
			res = model.Failed(p.ID, model.StageTransforming, string(sandbox.ReasonScriptError), "internal error while running provider")
		}
	}()

	cmd, err := r.validate(p)
	if err != nil {
		return r.fail(p.ID, model.StageValidating, err)
	}

	out, err := r.exec.Run(ctx, executor.Spec{Argv: cmd.Expand(p.Env), Env: p.Env})
	if err != nil {
		return r.fail(p.ID, model.StageFetching, err)
	}
	if !json.Valid(out) {
		return r.fail(p.ID, model.StageFetching, &stageError{reason: ReasonInvalidJSON, msg: "command output is not valid JSON"})
	}

	raw, err := r.eval.Evaluate(ctx, p.TransformScript, out)
	if err != nil {
		return r.fail(p.ID, model.StageTransforming, err)
	}
	shape, err := sandbox.DecodeResult(raw)
	if err != nil {
		res = r.fail(p.ID, model.StageTransforming, err)
		if keepRaw {
			res.Raw = raw
		}
		return res
	}

	record, quota, err := normalize(shape, r.now())
	if err != nil {
		res = r.fail(p.ID, model.StageNormalizing, err)
	} else {
		res = model.Success(p.ID, []model.UsageRecord{record}, quota)
		r.logger.Info("provider fetched", "provider", p.ID, "records", len(res.Records))
	}
	if keepRaw {
		res.Raw = raw
	}
	return res
}

func (r *Runner) validate(p model.Provider) (*command.Command, error) {
	if err := command.ValidateProviderID(p.ID); err != nil {
		return nil, err
	}
	if err := command.ValidateEnv(p.Env); err != nil {
		return nil, err
	}
	if err := command.ValidateScript(p.TransformScript, r.maxScript); err != nil {
		return nil, err
	}
	return command.Validate(p.FetchCommand, p.Env, r.policy)
}

func (r *Runner) fail(id string, stage model.Stage, err error) model.ExecutionResult {
	reason, msg := classify(err)
	attrs := []any{"provider", id, "stage", stage, "reason", reason}
	var execErr *executor.Error
	if errors.As(err, &execErr) && execErr.Stderr != "" {
		attrs = append(attrs, "stderr", execErr.Stderr)
	}
	r.logger.Warn("provider run failed", attrs...)
	return model.Failed(id, stage, reason, msg)
}

// stageError is a pipeline-level failure not raised by a component.
type stageError struct {
	reason string
	msg    string
}

func (e *stageError) Error() string { return e.msg }

func classify(err error) (reason, msg string) {
	var (
		rejection *command.RejectionError
		execErr   *executor.Error
		sbErr     *sandbox.Error
		stageErr  *stageError
	)
	switch {
	case errors.As(err, &rejection):
		return string(rejection.Reason), rejection.Error()
	case errors.As(err, &execErr):
		return string(execErr.Reason), execErr.Error()
	case errors.As(err, &sbErr):
		return string(sbErr.Reason), sbErr.Error()
	case errors.As(err, &stageErr):
		return stageErr.reason, stageErr.msg
	}
	return "internal", err.Error()
}
