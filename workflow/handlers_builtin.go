package workflow

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/coordination"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow/parallel"
)

// 编排步骤默认值
const (
	DefaultParallelWorkers   = 4
	DefaultFanOutConcurrency = 5
	defaultConcatSeparator   = "\n"
	aggregateItemSeparator   = "\n---\n"
	defaultAggregatePrompt   = "Aggregate the following results:\n\n${items}"
)

// Fan-in aggregation modes handled without a step handler.
const (
	AggregateConcat = "concat"
	AggregateList   = "list"
	AggregateMerge  = "merge"
)

// builtins holds the orchestration handlers. They run their sub-steps with
// the executor's retry, budget and isolation rules.
type builtins struct {
	e *Executor
}

func registerBuiltins(reg *Registry, e *Executor) {
	b := &builtins{e: e}
	reg.registerIfAbsent(StepTypeShell, NewShellHandler(e.logger))
	reg.registerIfAbsent(StepTypePassthrough, HandlerFunc(passthrough))
	reg.registerIfAbsent(StepTypeCheckpoint, HandlerFunc(b.checkpoint))
	reg.registerIfAbsent(StepTypeParallel, HandlerFunc(b.parallel))
	reg.registerIfAbsent(StepTypeFanOut, HandlerFunc(b.fanOut))
	reg.registerIfAbsent(StepTypeFanIn, HandlerFunc(b.fanIn))
	reg.registerIfAbsent(StepTypeMapReduce, HandlerFunc(b.mapReduce))
}

// passthrough copies params.values to the output. String values may
// reference the context with ${name}.
func passthrough(_ context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	out := make(map[string]any)
	values, _ := step.Params["values"].(map[string]any)
	if len(values) == 0 {
		return out, nil
	}
	snapshot := ectx.Snapshot()
	for k, v := range values {
		out[k] = expandValue(v, snapshot)
	}
	return out, nil
}

func (b *builtins) checkpoint(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	out := map[string]any{"checkpoint": step.ID}
	marker, ok := b.e.checkpointer.(CheckpointMarker)
	info, _ := RunInfoFromContext(ctx)
	if !ok || info.WorkflowID == "" {
		return out, nil
	}
	id, err := marker.Mark(ctx, info.WorkflowID, stringParam(step.Params, "name", step.ID), ectx.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("mark checkpoint %s: %w", step.ID, err)
	}
	out["checkpoint_id"] = id
	return out, nil
}

// =============================================================================
// parallel
// =============================================================================

func (b *builtins) parallel(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	start := b.e.now()
	raw, err := toList(step.Params["steps"])
	if err != nil {
		return nil, fmt.Errorf("parallel step %s: steps: %w", step.ID, err)
	}
	subs := make([]StepSpec, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("parallel step %s: sub-step %d is not a mapping", step.ID, i)
		}
		sub, err := decodeSubStep(m)
		if err != nil {
			return nil, fmt.Errorf("parallel step %s: %w", step.ID, err)
		}
		subs = append(subs, sub)
	}

	out := map[string]any{
		"parallel_results": map[string]any{},
		"tokens_used":      0,
		"successful":       []string{},
		"failed":           []string{},
		"cancelled":        []string{},
		"duration_ms":      int64(0),
		"total_retries":    0,
	}
	if len(subs) == 0 {
		return out, nil
	}

	strategy, isolate := b.strategyFor(ctx, step, subs)
	opts := parallel.Options{
		Concurrency: toInt(step.Param("max_workers"), DefaultParallelWorkers),
		FailFast:    toBool(step.Param("fail_fast"), false),
	}

	// 组内依赖可见前置子步骤的声明输出
	var mu sync.Mutex
	produced := make(map[string]any)
	contextFor := func(int) *ExecutionContext {
		child := NewExecutionContext(ectx.Snapshot())
		mu.Lock()
		child.Merge(produced)
		mu.Unlock()
		return child
	}
	onSuccess := func(i int, o map[string]any) {
		mu.Lock()
		for k, v := range mapOutputs(&subs[i], o) {
			produced[k] = v
		}
		mu.Unlock()
	}

	results, retries, err := b.runSubSteps(ctx, strategy, isolate, subs, opts, contextFor, onSuccess)
	if err != nil {
		return nil, fmt.Errorf("parallel step %s: %w", step.ID, err)
	}

	summary := parallel.Summarize(results)
	perStep := make(map[string]any, len(results))
	tokens := 0
	var firstErr string
	for _, res := range results {
		if res.Status == parallel.TaskSuccess {
			perStep[res.ID] = res.Output
			tokens += tokensUsed(res.Output)
			continue
		}
		perStep[res.ID] = map[string]any{"status": string(res.Status), "error": res.Error}
		if res.Status == parallel.TaskFailed && firstErr == "" {
			firstErr = fmt.Sprintf("%s: %s", res.ID, res.Error)
		}
	}
	if opts.FailFast && firstErr != "" {
		return nil, fmt.Errorf("Parallel step failed: %s", firstErr)
	}

	for k, v := range produced {
		out[k] = v
	}
	out["parallel_results"] = perStep
	out["tokens_used"] = tokens
	out["successful"] = summary.Successful
	out["failed"] = summary.Failed
	out["cancelled"] = summary.Cancelled
	out["duration_ms"] = durationMs(b.e.now().Sub(start))
	out["total_retries"] = retries

	b.logger(ctx).Debug("parallel step finished",
		zap.String("step_id", step.ID),
		zap.String("strategy", strategy.Name()),
		zap.Int("successful", len(summary.Successful)),
		zap.Int("failed", len(summary.Failed)),
		zap.Int("cancelled", len(summary.Cancelled)))
	return out, nil
}

// =============================================================================
// fan_out / fan_in / map_reduce
// =============================================================================

func (b *builtins) fanOut(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	start := b.e.now()
	items, err := resolveItems(step.Params["items"], ectx, false)
	if err != nil {
		return nil, fmt.Errorf("fan_out step %s: %w", step.ID, err)
	}
	template, ok := firstMap(step.Params, "step_template", "step")
	if !ok {
		return nil, fmt.Errorf("fan_out step %s: missing 'step_template' parameter", step.ID)
	}

	out := map[string]any{
		"results":          []any{},
		"detailed_results": []map[string]any{},
		"errors":           []map[string]any{},
		"successful":       0,
		"failed":           0,
		"cancelled":        0,
		"tokens_used":      0,
		"duration_ms":      int64(0),
	}
	if len(items) == 0 {
		return out, nil
	}

	snapshot := ectx.Snapshot()
	subs := make([]StepSpec, len(items))
	for i, item := range items {
		vars := make(map[string]any, len(snapshot)+2)
		for k, v := range snapshot {
			vars[k] = v
		}
		vars["item"] = item
		vars["index"] = i
		sub, err := instantiateTemplate(template, fmt.Sprintf("%s_item_%d", step.ID, i), vars)
		if err != nil {
			return nil, fmt.Errorf("fan_out step %s: %w", step.ID, err)
		}
		subs[i] = sub
	}

	strategy, isolate := b.strategyFor(ctx, step, subs)
	opts := parallel.Options{
		Concurrency: toInt(step.Param("max_concurrent"), DefaultFanOutConcurrency),
		FailFast:    toBool(step.Param("fail_fast"), false),
	}
	contextFor := func(i int) *ExecutionContext {
		child := NewExecutionContext(snapshot)
		child.Set("item", items[i])
		child.Set("index", i)
		return child
	}

	results, _, err := b.runSubSteps(ctx, strategy, isolate, subs, opts, contextFor, nil)
	if err != nil {
		return nil, fmt.Errorf("fan_out step %s: %w", step.ID, err)
	}

	ordered := make([]any, 0, len(results))
	detailed := make([]map[string]any, 0, len(results))
	var errs []map[string]any
	successful, failed, cancelled, tokens := 0, 0, 0, 0
	for i, res := range results {
		entry := map[string]any{"index": i, "item": items[i], "status": string(res.Status)}
		switch res.Status {
		case parallel.TaskSuccess:
			successful++
			tokens += tokensUsed(res.Output)
			entry["output"] = res.Output
			if resp, ok := res.Output["response"]; ok {
				ordered = append(ordered, resp)
			} else {
				ordered = append(ordered, res.Output)
			}
		case parallel.TaskFailed:
			failed++
			entry["error"] = res.Error
			errs = append(errs, map[string]any{"index": i, "item": items[i], "error": res.Error})
		case parallel.TaskCancelled:
			cancelled++
			entry["error"] = res.Error
		}
		detailed = append(detailed, entry)
	}

	out["results"] = ordered
	out["detailed_results"] = detailed
	if toBool(step.Param("collect_errors"), true) && errs != nil {
		out["errors"] = errs
	}
	out["successful"] = successful
	out["failed"] = failed
	out["cancelled"] = cancelled
	out["tokens_used"] = tokens
	out["duration_ms"] = durationMs(b.e.now().Sub(start))
	return out, nil
}

func (b *builtins) fanIn(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	input := step.Params["input"]
	if input == nil {
		input = step.Params["inputs"]
	}
	items, err := resolveItems(input, ectx, true)
	if err != nil {
		return nil, fmt.Errorf("fan_in step %s: %w", step.ID, err)
	}
	mode := stringParam(step.Params, "aggregation", stringParam(step.Params, "mode", AggregateConcat))

	out := map[string]any{"aggregation_type": mode, "item_count": len(items), "tokens_used": 0}
	var result any
	switch mode {
	case AggregateConcat:
		result = joinItems(items, stringParam(step.Params, "separator", defaultConcatSeparator))
	case AggregateList:
		result = items
	case AggregateMerge:
		merged := make(map[string]any)
		for i, item := range items {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("fan_in step %s: merge item %d is %T, not a mapping", step.ID, i, item)
			}
			for k, v := range m {
				merged[k] = v
			}
		}
		result = merged
	default:
		res, tokens, err := b.aggregateWithHandler(ctx, step, ectx, mode, items)
		if err != nil {
			return nil, err
		}
		result = res
		out["tokens_used"] = tokens
	}
	out["response"] = result
	out["result"] = result
	return out, nil
}

// aggregateWithHandler hands the items to a registered step type, usually
// an AI step, through params.aggregate_prompt.
func (b *builtins) aggregateWithHandler(ctx context.Context, step *StepSpec, ectx *ExecutionContext, stepType string, items []any) (any, int, error) {
	if _, ok := b.e.registry.Lookup(stepType); !ok {
		return nil, 0, fmt.Errorf("fan_in step %s: unknown aggregation %q", step.ID, stepType)
	}
	prompt := stringParam(step.Params, "aggregate_prompt", defaultAggregatePrompt)
	prompt = strings.ReplaceAll(prompt, "${items}", joinItems(items, aggregateItemSeparator))
	prompt = substituteVars(prompt, ectx.Snapshot(), nil)

	params := map[string]any{"prompt": prompt}
	for _, key := range []string{"role", "model", "max_tokens", "provider", "estimated_tokens"} {
		if v, ok := step.Params[key]; ok {
			params[key] = v
		}
	}
	agg := StepSpec{
		ID:             step.ID + "_aggregate",
		Type:           stepType,
		Params:         params,
		OnFailure:      OnFailureAbort,
		MaxRetries:     toInt(step.Param("aggregate_retries"), DefaultMaxRetries),
		TimeoutSeconds: step.TimeoutSeconds,
	}
	r := b.subRun(ctx, ectx, false)
	out, _, err := b.runSubStep(ctx, r, &agg)
	if err != nil {
		return nil, 0, fmt.Errorf("fan_in step %s: aggregation failed: %w", step.ID, err)
	}
	if resp, ok := out["response"]; ok {
		return resp, tokensUsed(out), nil
	}
	return out, tokensUsed(out), nil
}

func (b *builtins) mapReduce(ctx context.Context, step *StepSpec, ectx *ExecutionContext) (map[string]any, error) {
	start := b.e.now()
	mapTemplate, ok := firstMap(step.Params, "map_step", "map")
	if !ok {
		return nil, fmt.Errorf("map_reduce step %s: missing 'map_step' parameter", step.ID)
	}
	reduce, _ := firstMap(step.Params, "reduce_step", "reduce")

	failFast := toBool(step.Param("fail_fast"), false)
	mapSpec := &StepSpec{
		ID:             step.ID + "_map",
		Type:           StepTypeFanOut,
		TimeoutSeconds: step.TimeoutSeconds,
		Params: map[string]any{
			"items":          step.Params["items"],
			"step_template":  mapTemplate,
			"max_concurrent": toInt(step.Param("max_concurrent"), DefaultFanOutConcurrency),
			"fail_fast":      failFast,
			"collect_errors": true,
		},
	}
	if s, ok := step.Params["strategy"]; ok {
		mapSpec.Params["strategy"] = s
	}
	mapOut, err := b.fanOut(ctx, mapSpec, ectx)
	if err != nil {
		return nil, fmt.Errorf("map phase failed: %w", err)
	}
	mapResults, _ := mapOut["results"].([]any)
	mapFailed, _ := mapOut["failed"].(int)
	tokens, _ := mapOut["tokens_used"].(int)

	if mapFailed > 0 && failFast {
		return map[string]any{
			"response":    nil,
			"result":      nil,
			"map_results": mapResults,
			"map_errors":  mapOut["errors"],
			"phase":       "map_failed",
			"tokens_used": tokens,
			"duration_ms": durationMs(b.e.now().Sub(start)),
		}, nil
	}

	fanInParams := make(map[string]any)
	if rp, ok := reduce["params"].(map[string]any); ok {
		for k, v := range rp {
			fanInParams[k] = v
		}
	}
	if prompt, ok := fanInParams["prompt"].(string); ok {
		fanInParams["aggregate_prompt"] = strings.ReplaceAll(prompt, "${map_results}", "${items}")
		delete(fanInParams, "prompt")
	}
	fanInParams["input"] = mapResults
	fanInParams["aggregation"] = stringParam(reduce, "type", AggregateConcat)

	reduceOut, err := b.fanIn(ctx, &StepSpec{
		ID:             step.ID + "_reduce",
		Type:           StepTypeFanIn,
		TimeoutSeconds: step.TimeoutSeconds,
		Params:         fanInParams,
	}, ectx)
	if err != nil {
		return nil, fmt.Errorf("reduce phase failed: %w", err)
	}
	reduceTokens, _ := reduceOut["tokens_used"].(int)

	return map[string]any{
		"response":       reduceOut["result"],
		"result":         reduceOut["result"],
		"map_results":    mapResults,
		"mapped":         mapResults,
		"map_successful": mapOut["successful"],
		"map_failed":     mapFailed,
		"tokens_used":    tokens + reduceTokens,
		"duration_ms":    durationMs(b.e.now().Sub(start)),
	}, nil
}

// =============================================================================
// Sub-step execution
// =============================================================================

// subRun is the run nested sub-steps execute in. It shares the parent's
// identity and isolation but is never staged in the checkpointer.
func (b *builtins) subRun(ctx context.Context, ectx *ExecutionContext, isolate bool) *run {
	r := &run{
		e:       b.e,
		wf:      &Definition{},
		ectx:    ectx,
		coord:   coordination.Noop{},
		isolate: isolate,
		nested:  true,
		logger:  b.e.logger,
		done:    map[string]bool{},
	}
	if parent := runFromContext(ctx); parent != nil {
		r.wf = parent.wf
		r.workflowID = parent.workflowID
		r.isolate = isolate || parent.isolate
		r.logger = parent.logger
	}
	return r
}

// runSubStep applies condition, budget and retries to one sub-step. Its
// tokens are reported through the parent's tokens_used.
func (b *builtins) runSubStep(ctx context.Context, r *run, step *StepSpec) (map[string]any, int, error) {
	if !step.Condition.Evaluate(r.ectx) {
		return map[string]any{"skipped": true}, 0, nil
	}
	h, ok := b.e.registry.Lookup(step.Type)
	if !ok {
		return nil, 0, types.NewError(types.ErrUnknownStepType, "Unknown step type: "+step.Type).WithStep(step.ID)
	}
	if bt := b.e.budget; bt != nil && !bt.CanAllocate(b.e.estimateTokens(step)) {
		b.e.metrics.RecordBudgetRejection("daily")
		return nil, 0, types.NewBudgetExceededError(step.ID, fmt.Sprintf("Budget exceeded for sub-step '%s'", step.ID))
	}
	return b.e.attempt(ctx, r, step, h, r.logger.With(zap.String("sub_step_id", step.ID)))
}

func (b *builtins) runSubSteps(
	ctx context.Context,
	strategy parallel.Strategy,
	isolate bool,
	subs []StepSpec,
	opts parallel.Options,
	contextFor func(i int) *ExecutionContext,
	onSuccess func(i int, out map[string]any),
) ([]parallel.TaskResult, int, error) {
	var retries atomic.Int64
	tasks := make([]parallel.Task, len(subs))
	for i := range subs {
		sub := &subs[i]
		tasks[i] = parallel.Task{
			ID:        sub.ID,
			DependsOn: []string(sub.DependsOn),
			Provider:  stringParam(sub.Params, "provider", ""),
			Metadata:  taskMetadata(b.e.registry, sub),
			Run: func(ctx context.Context) (map[string]any, error) {
				r := b.subRun(ctx, contextFor(i), isolate)
				out, n, err := b.runSubStep(ctx, r, sub)
				retries.Add(int64(n))
				if err != nil {
					return nil, err
				}
				if onSuccess != nil {
					onSuccess(i, out)
				}
				return out, nil
			},
		}
	}
	results, err := strategy.RunGroup(ctx, tasks, opts)
	return results, int(retries.Load()), err
}

// strategyFor picks how an orchestration step runs its sub-steps. Steps
// that call providers go through the rate-limited executor unless
// params.rate_limit is false.
func (b *builtins) strategyFor(ctx context.Context, step *StepSpec, subs []StepSpec) (parallel.Strategy, bool) {
	name := stringParam(step.Params, "strategy", "")
	switch name {
	case "threading":
		name = parallel.NamePool
	case "asyncio":
		name = parallel.NameCooperative
	}
	isolate := name == parallel.NameProcess
	if parent := runFromContext(ctx); parent != nil && parent.isolate {
		isolate = true
	}

	providers := false
	for i := range subs {
		if isProviderStep(b.e.registry, &subs[i]) {
			providers = true
			break
		}
	}
	if toBool(step.Param("rate_limit"), providers) {
		return b.rateLimitedFor(step), isolate
	}

	if name == "" || name == parallel.NameProcess {
		name = parallel.NameCooperative
	}
	s, err := parallel.New(name, b.e.logger)
	if err != nil {
		b.logger(ctx).Warn("unknown sub-step strategy, using cooperative",
			zap.String("step_id", step.ID), zap.String("strategy", name))
		return parallel.NewCooperativeStrategy(b.e.logger), isolate
	}
	return s, isolate
}

// rateLimitedFor returns the shared rate-limited executor, or a private one
// when the step overrides the provider limits.
func (b *builtins) rateLimitedFor(step *StepSpec) parallel.Strategy {
	limits := make(map[string]int)
	if m, ok := step.Params["provider_limits"].(map[string]any); ok {
		for name, v := range m {
			if n := toInt(v, 0); n > 0 {
				limits[name] = n
			}
		}
	}
	if n := toInt(step.Param("anthropic_concurrent"), 0); n > 0 {
		limits["anthropic"] = n
	}
	if n := toInt(step.Param("openai_concurrent"), 0); n > 0 {
		limits["openai"] = n
	}
	global := toInt(step.Param("global_limit"), 0)
	if len(limits) == 0 && global <= 0 {
		return b.e.rateLimited
	}
	return parallel.NewRateLimitedExecutor(parallel.RateLimitConfig{
		ProviderLimits: limits,
		GlobalLimit:    global,
	}, b.e.logger, parallel.WithGateMetrics(b.e.metrics))
}

func (b *builtins) logger(ctx context.Context) *zap.Logger {
	if r := runFromContext(ctx); r != nil {
		return r.logger
	}
	return b.e.logger
}

// =============================================================================
// Helpers
// =============================================================================

// decodeSubStep accepts a top-level "provider" key as a shorthand for
// params.provider.
func decodeSubStep(m map[string]any) (StepSpec, error) {
	step, err := DecodeStep(m)
	if err != nil {
		return StepSpec{}, err
	}
	if step.ID == "" {
		return StepSpec{}, errors.New("sub-step without id")
	}
	if step.Type == "" {
		return StepSpec{}, fmt.Errorf("sub-step %s has no type", step.ID)
	}
	if p, ok := m["provider"].(string); ok && p != "" {
		if _, set := step.Params["provider"]; !set {
			step.Params["provider"] = p
		}
	}
	return step, nil
}

// instantiateTemplate builds one fan-out sub-step. Top-level string params
// are expanded against vars, which carry the item and its index.
func instantiateTemplate(template map[string]any, id string, vars map[string]any) (StepSpec, error) {
	spec := make(map[string]any, len(template)+1)
	for k, v := range template {
		spec[k] = v
	}
	if params, ok := template["params"].(map[string]any); ok {
		expanded := make(map[string]any, len(params))
		for k, v := range params {
			expanded[k] = expandValue(v, vars)
		}
		spec["params"] = expanded
	}
	spec["id"] = id
	delete(spec, "depends_on")
	if _, ok := spec["type"]; !ok {
		return StepSpec{}, fmt.Errorf("step template has no type")
	}
	return decodeSubStep(spec)
}

// expandValue substitutes ${name} references in strings. A string that is
// exactly one reference keeps the referenced value's type.
func expandValue(v any, vars map[string]any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if m := varPattern.FindStringSubmatch(s); m != nil && m[0] == s {
		if val, found := lookupPath(vars, m[1]); found {
			return val
		}
		return s
	}
	return substituteVars(s, vars, nil)
}

// resolveItems reads a list parameter given inline, as "${name}" or as a
// bare context key. With wrapScalar a single non-list value becomes a
// one-item list.
func resolveItems(v any, ectx *ExecutionContext, wrapScalar bool) ([]any, error) {
	if v == nil {
		return nil, errors.New("missing 'items' parameter")
	}
	if s, ok := v.(string); ok {
		key := s
		if m := varPattern.FindStringSubmatch(s); m != nil && m[0] == s {
			key = m[1]
		}
		val, found := ectx.Lookup(key)
		if !found {
			return nil, fmt.Errorf("items reference %q not found in context", key)
		}
		v = val
	} else if list, err := toList(v); err == nil {
		// 列表元素可以是 ${name} 引用
		snapshot := ectx.Snapshot()
		out := make([]any, len(list))
		for i, item := range list {
			out[i] = expandValue(item, snapshot)
		}
		return out, nil
	}

	list, err := toList(v)
	if err == nil {
		return list, nil
	}
	if wrapScalar {
		return []any{v}, nil
	}
	return nil, err
}

// toList converts any slice to []any.
func toList(v any) ([]any, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case []any:
		return t, nil
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, nil
}

func firstMap(params map[string]any, keys ...string) (map[string]any, bool) {
	for _, k := range keys {
		if m, ok := params[k].(map[string]any); ok {
			return m, true
		}
	}
	return nil, false
}

func joinItems(items []any, sep string) string {
	parts := make([]string, len(items))
	for i, item := range items {
		parts[i] = stringify(item)
	}
	return strings.Join(parts, sep)
}
