package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/coordination"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow/parallel"
)

// maxRateLimitWaits bounds how often one step waits on a rate-limit hint.
const maxRateLimitWaits = 32

// maxIntentDescription is the longest intent description published to the
// coordination ledger.
const maxIntentDescription = 200

// conventionalOutputKeys are tried, in order, for the first declared output
// when the handler result has no key of that name.
var conventionalOutputKeys = []string{"response", "stdout"}

// orchestrationTypes run inside the engine even when handler calls are
// isolated in worker processes.
var orchestrationTypes = map[string]bool{
	StepTypeParallel:   true,
	StepTypeCheckpoint: true,
	StepTypeFanOut:     true,
	StepTypeFanIn:      true,
	StepTypeMapReduce:  true,
}

// runStep drives one step through pending → running → success | failed |
// skipped.
func (e *Executor) runStep(ctx context.Context, r *run, step *StepSpec) (sr *StepResult) {
	sr = &StepResult{StepID: step.ID, Status: StepPending, StartedAt: e.now()}

	ctx, span := e.tracer.Start(ctx, "workflow.step", trace.WithAttributes(
		attribute.String("step.id", step.ID),
		attribute.String("step.type", step.Type)))
	logger := r.logger.With(zap.String("step_id", step.ID), zap.String("step_type", step.Type))
	defer func() {
		sr.Duration = e.now().Sub(sr.StartedAt)
		span.SetAttributes(
			attribute.String("step.status", string(sr.Status)),
			attribute.Int("step.retries", sr.Retries),
			attribute.Int("step.tokens", sr.Tokens))
		if sr.Status == StepFailed {
			span.RecordError(sr.Err)
			span.SetStatus(codes.Error, sr.Error)
		}
		span.End()
		e.metrics.RecordStep(step.Type, string(sr.Status), sr.Duration, sr.Retries)
	}()

	if !step.Condition.Evaluate(r.ectx) {
		sr.Status = StepSkipped
		logger.Debug("condition not met, step skipped")
		return sr
	}

	h, ok := e.registry.Lookup(step.Type)
	if !ok {
		failStep(sr, types.NewError(types.ErrUnknownStepType, "Unknown step type: "+step.Type).WithStep(step.ID))
		return sr
	}
	if err := r.checkBudget(step); err != nil {
		failStep(sr, err)
		logger.Warn("step rejected by token budget", zap.String("reason", strings.Join(err.Details, ", ")))
		return sr
	}

	cb := e.breakers.GetOrCreate(step.Type)
	if err := cb.Allow(); err != nil {
		failStep(sr, err)
		logger.Warn("circuit breaker rejected step", zap.Error(err))
		return sr
	}

	sr.Status = StepRunning
	logger.Debug("step running")
	out, retries, err := e.attempt(ctx, r, step, h, logger)
	sr.Retries = retries
	if err != nil {
		if ctx.Err() == nil {
			cb.RecordFailure()
		}
		failStep(sr, err)
		return sr
	}

	cb.RecordSuccess()
	sr.Status = StepSuccess
	sr.Output = out
	sr.Tokens = tokensUsed(out)
	logger.Debug("step succeeded", zap.Int("retries", retries), zap.Int("tokens", sr.Tokens))
	return sr
}

func failStep(sr *StepResult, err error) {
	sr.Status = StepFailed
	sr.Err = err
	if te, ok := types.AsError(err); ok && te.Code == types.ErrStepExecution && te.Cause != nil {
		sr.Error = te.Cause.Error()
	} else {
		sr.Error = err.Error()
	}
}

// attempt runs the retry loop. It returns the output of the successful
// attempt, or the last error, together with attempts made minus one.
func (e *Executor) attempt(ctx context.Context, r *run, step *StepSpec, h Handler, logger *zap.Logger) (map[string]any, int, error) {
	failures, waits := 0, 0
	for {
		out, err := e.stagedAttempt(ctx, r, step, h)
		if err == nil {
			return out, failures, nil
		}
		if ctx.Err() != nil {
			return nil, failures, err
		}

		// 限流不消耗重试次数
		if wait, ok := types.RetryAfterOf(err); ok && waits < maxRateLimitWaits {
			waits++
			logger.Info("step rate limited, waiting", zap.Duration("retry_after", wait))
			if serr := e.sleep(ctx, wait); serr != nil {
				return nil, failures, err
			}
			continue
		}

		if failures >= step.MaxRetries {
			logger.Warn("step failed", zap.Int("attempts", failures+1), zap.Error(err))
			return nil, failures, err
		}
		delay := e.retry.Delay(failures)
		logger.Warn("step attempt failed, retrying",
			zap.Int("attempt", failures+1),
			zap.Int("max_retries", step.MaxRetries),
			zap.Duration("backoff", delay),
			zap.Error(err))
		if serr := e.sleep(ctx, delay); serr != nil {
			return nil, failures, err
		}
		failures++
	}
}

// stagedAttempt runs one attempt, inside a checkpoint stage when the run
// is persisted. A failed attempt commits nothing.
func (e *Executor) stagedAttempt(ctx context.Context, r *run, step *StepSpec, h Handler) (map[string]any, error) {
	cp := e.checkpointer
	if cp == nil || r.workflowID == "" || r.nested {
		return e.timedAttempt(ctx, r, step, h)
	}

	var out map[string]any
	err := cp.Stage(ctx, r.workflowID, step.ID, step.Params, func(rec *StageRecord) error {
		start := e.now()
		o, err := e.timedAttempt(ctx, r, step, h)
		if err != nil {
			return err
		}
		rec.Status = StepSuccess
		rec.Output = o
		rec.Tokens = tokensUsed(o)
		rec.Duration = e.now().Sub(start)
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// timedAttempt applies the per-attempt timeout.
func (e *Executor) timedAttempt(ctx context.Context, r *run, step *StepSpec, h Handler) (map[string]any, error) {
	timeout := step.Timeout()
	attemptCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	out, err := e.invoke(attemptCtx, r, step, h)
	if err != nil && timeout > 0 && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		return nil, types.NewTimeoutError(step.ID, timeout).WithCause(err)
	}
	if err != nil {
		if _, typed := types.AsError(err); !typed {
			err = types.NewStepExecutionError(step.ID, err)
		}
	}
	return out, err
}

// invoke calls the handler in-process or in a worker process.
func (e *Executor) invoke(ctx context.Context, r *run, step *StepSpec, h Handler) (map[string]any, error) {
	if r.isolate && !orchestrationTypes[step.Type] {
		call, err := isolatedCall(step, r.ectx, r.workflowID)
		if err != nil {
			return nil, err
		}
		return e.process.Invoke(ctx, step.ID, call)
	}
	return callHandler(ctx, h, step, r.ectx)
}

// callHandler returns when the handler does or when ctx ends, whichever
// comes first.
func callHandler(ctx context.Context, h Handler, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	type outcome struct {
		out map[string]any
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		var o outcome
		defer func() {
			if rec := recover(); rec != nil {
				o = outcome{err: fmt.Errorf("handler for step %s panicked: %v", step.ID, rec)}
			}
			ch <- o
		}()
		o.out, o.err = h.Execute(ctx, step, ectx)
	}()

	select {
	case o := <-ch:
		return o.out, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// =============================================================================
// Budget
// =============================================================================

// estimateTokens reads params.estimated_tokens, falling back to the
// estimator for prompt steps and then to DefaultEstimatedTokens.
func (e *Executor) estimateTokens(step *StepSpec) int {
	if v, ok := step.Params["estimated_tokens"]; ok {
		return toInt(v, DefaultEstimatedTokens)
	}
	if e.estimator != nil {
		if prompt, ok := step.Params["prompt"].(string); ok && prompt != "" {
			return e.estimator.EstimateTokens(prompt)
		}
	}
	return DefaultEstimatedTokens
}

// checkBudget rejects a dispatch that would exceed the run ceiling or the
// rolling daily ceiling.
func (r *run) checkBudget(step *StepSpec) *types.Error {
	est := r.e.estimateTokens(step)

	r.mu.Lock()
	used := r.tokens
	r.mu.Unlock()
	if limit := r.wf.TokenBudget; limit > 0 && used+est > limit {
		r.e.metrics.RecordBudgetRejection("run")
		return types.NewBudgetExceededError(step.ID, "Token budget exceeded").
			WithDetails(fmt.Sprintf("scope=run used=%d estimated=%d limit=%d", used, est, limit))
	}
	if b := r.e.budget; b != nil && !b.CanAllocate(est) {
		r.e.metrics.RecordBudgetRejection("daily")
		return types.NewBudgetExceededError(step.ID, "Token budget exceeded").
			WithDetails(fmt.Sprintf("scope=daily estimated=%d limit=%d", est, b.DailyLimit()))
	}
	return nil
}

// =============================================================================
// Outputs and metadata
// =============================================================================

// mapOutputs picks the declared outputs from a handler result. Only the
// first declared output falls back to the conventional keys.
func mapOutputs(step *StepSpec, out map[string]any) map[string]any {
	mapped := make(map[string]any, len(step.Outputs))
	for i, name := range step.Outputs {
		if v, ok := out[name]; ok {
			mapped[name] = v
			continue
		}
		if i != 0 {
			continue
		}
		for _, key := range conventionalOutputKeys {
			if v, ok := out[key]; ok {
				mapped[name] = v
				break
			}
		}
	}
	return mapped
}

func intentFor(step *StepSpec) coordination.Intent {
	role := stringParam(step.Params, "role", step.Type)
	desc := stringParam(step.Params, "prompt", "")
	if desc == "" {
		desc = stringParam(step.Params, "command", "")
	}
	if desc == "" {
		desc = "Execute " + step.ID
	}
	return coordination.Intent{
		StepID:      step.ID,
		Role:        role,
		Description: truncateRunes(desc, maxIntentDescription),
		Provides:    append([]string(nil), step.Outputs...),
		Requires:    append([]string(nil), step.DependsOn...),
		Tags:        []string{step.Type},
	}
}

func taskMetadata(reg *Registry, step *StepSpec) map[string]string {
	md := map[string]string{"step_type": step.Type}
	if p := stringParam(step.Params, "provider", ""); p != "" {
		md["provider"] = p
	}
	if h, ok := reg.Lookup(step.Type); ok {
		md["handler"] = handlerName(h)
	}
	return md
}

// isProviderStep reports whether a step calls an external provider that
// has its own admission bucket.
func isProviderStep(reg *Registry, step *StepSpec) bool {
	t := parallel.Task{
		ID:       step.ID,
		Provider: stringParam(step.Params, "provider", ""),
		Metadata: taskMetadata(reg, step),
	}
	return parallel.InferProvider(&t) != parallel.DefaultProvider
}

func stringParam(params map[string]any, key, def string) string {
	if s, ok := params[key].(string); ok && s != "" {
		return s
	}
	return def
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

// durationMs is the millisecond form used in handler outputs.
func durationMs(d time.Duration) int64 { return d.Milliseconds() }
