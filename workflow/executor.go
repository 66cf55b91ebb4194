package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/flowrun/coordination"
	"github.com/BaSui01/flowrun/internal/metrics"
	"github.com/BaSui01/flowrun/types"
	"github.com/BaSui01/flowrun/workflow/parallel"
)

const instrumentationName = "github.com/BaSui01/flowrun/workflow"

// errWorkflowTimeout is the cancellation cause of the run-level deadline.
var errWorkflowTimeout = errors.New("workflow timeout")

// ErrorCallback is notified once per step that exhausted its retries.
type ErrorCallback func(stepID, workflowID string, err error)

// Executor runs workflow definitions. Run state lives in the per-run
// runner, so one Executor may serve many runs at once as long as any
// coordinator set with WithCoordinator is only used by one of them.
type Executor struct {
	registry     *Registry
	checkpointer Checkpointer
	budget       BudgetTracker
	estimator    TokenEstimator
	strategy     parallel.Strategy
	rateLimited  *parallel.RateLimitedExecutor
	process      *parallel.ProcessStrategy
	processCmd   parallel.CommandFactory
	coordinator  coordination.Coordinator
	newCoord     func() coordination.Coordinator
	breakerCfg   CircuitBreakerConfig
	breakers     *CircuitBreakerRegistry
	retry        RetryPolicy
	onError      ErrorCallback
	metrics      *metrics.Collector
	tracer       trace.Tracer
	logger       *zap.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithCheckpointer persists every step stage and enables Resume.
func WithCheckpointer(cp Checkpointer) ExecutorOption {
	return func(e *Executor) { e.checkpointer = cp }
}

// WithBudget adds the rolling (daily) token ceiling.
func WithBudget(b BudgetTracker) ExecutorOption {
	return func(e *Executor) { e.budget = b }
}

// WithEstimator estimates a step's tokens from its prompt when the step
// declares no estimated_tokens.
func WithEstimator(est TokenEstimator) ExecutorOption {
	return func(e *Executor) { e.estimator = est }
}

// WithStrategy forces one group strategy for every run, overriding
// settings.strategy.
func WithStrategy(s parallel.Strategy) ExecutorOption {
	return func(e *Executor) { e.strategy = s }
}

// WithRateLimitedExecutor replaces the executor used for groups that call
// external providers.
func WithRateLimitedExecutor(rl *parallel.RateLimitedExecutor) ExecutorOption {
	return func(e *Executor) { e.rateLimited = rl }
}

// WithProcessCommand sets how worker processes are started for the
// process strategy.
func WithProcessCommand(factory parallel.CommandFactory) ExecutorOption {
	return func(e *Executor) { e.processCmd = factory }
}

// WithCoordinator sets the stability gate used when a workflow enables
// coordination. Without it each such run gets its own IntentLedger.
// The instance is shared and reset between groups, so concurrent
// coordinated runs must use WithCoordinatorFactory instead.
func WithCoordinator(c coordination.Coordinator) ExecutorOption {
	return func(e *Executor) { e.coordinator = c }
}

// WithCoordinatorFactory builds a fresh coordinator for every coordinated
// run. It takes precedence over WithCoordinator.
func WithCoordinatorFactory(factory func() coordination.Coordinator) ExecutorOption {
	return func(e *Executor) { e.newCoord = factory }
}

// WithCircuitBreaker configures the per step type breakers.
func WithCircuitBreaker(cfg CircuitBreakerConfig) ExecutorOption {
	return func(e *Executor) { e.breakerCfg = cfg }
}

// WithRetryPolicy replaces the retry backoff.
func WithRetryPolicy(p RetryPolicy) ExecutorOption {
	return func(e *Executor) { e.retry = p }
}

// WithErrorCallback registers a failure hook.
func WithErrorCallback(fn ErrorCallback) ExecutorOption {
	return func(e *Executor) { e.onError = fn }
}

// WithMetrics records run, step and group metrics.
func WithMetrics(c *metrics.Collector) ExecutorOption {
	return func(e *Executor) { e.metrics = c }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// NewExecutor creates an executor over reg. Built-in step handlers are
// added for every built-in type reg does not already define.
func NewExecutor(reg *Registry, opts ...ExecutorOption) *Executor {
	if reg == nil {
		reg = NewRegistry()
	}
	e := &Executor{
		registry:    reg,
		coordinator: coordination.Noop{},
		breakerCfg:  DefaultCircuitBreakerConfig(),
		retry:       DefaultRetryPolicy(),
		sleep:       sleepContext,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.With(zap.String("component", "workflow_executor"))
	e.tracer = otel.Tracer(instrumentationName)

	e.breakers = NewCircuitBreakerRegistry(e.breakerCfg, func(key string, _, to CircuitState) {
		e.metrics.RecordCircuitState(key, int(to))
	}, e.logger)
	if e.rateLimited == nil {
		e.rateLimited = parallel.NewRateLimitedExecutor(parallel.RateLimitConfig{}, e.logger,
			parallel.WithGateMetrics(e.metrics))
	}
	e.process = parallel.NewProcessStrategy(e.processCmd, e.logger)

	registerBuiltins(reg, e)
	return e
}

// Registry returns the handler registry.
func (e *Executor) Registry() *Registry { return e.registry }

// Breakers exposes the circuit breakers by step type.
func (e *Executor) Breakers() *CircuitBreakerRegistry { return e.breakers }

// Execute runs wf from its first step.
func (e *Executor) Execute(ctx context.Context, wf *Definition, inputs map[string]any) *ExecutionResult {
	return e.execute(ctx, wf, inputs, resumePoint{})
}

// Resume continues a stored run at fromStep. Steps declared before it are
// treated as done; their committed outputs are restored from the
// checkpointer when it can replay stages. An unknown fromStep restarts at
// the first step.
func (e *Executor) Resume(ctx context.Context, wf *Definition, workflowID, fromStep string, inputs map[string]any) *ExecutionResult {
	return e.execute(ctx, wf, inputs, resumePoint{workflowID: workflowID, fromStep: fromStep})
}

type resumePoint struct {
	workflowID string
	fromStep   string
}

// =============================================================================
// Run lifecycle
// =============================================================================

// run is the state of one execution.
type run struct {
	e          *Executor
	wf         *Definition
	workflowID string
	ectx       *ExecutionContext
	result     *ExecutionResult
	coord      coordination.Coordinator
	isolate    bool
	// nested 为 true 时是编排步骤内部的子步骤，不写入 checkpoint
	nested     bool
	logger     *zap.Logger

	mu      sync.Mutex
	tokens  int
	skipped bool
	done    map[string]bool
}

func (e *Executor) execute(ctx context.Context, wf *Definition, inputs map[string]any, rp resumePoint) *ExecutionResult {
	name := ""
	if wf != nil {
		name = wf.Name
	}
	result := newExecutionResult(name, e.now())

	if err := ValidateDefinition(wf, e.registry); err != nil {
		return e.rejectRun(result, err)
	}
	values, err := resolveInputs(wf, inputs)
	if err != nil {
		return e.rejectRun(result, err)
	}

	start := wf.StepIndex(rp.fromStep)
	satisfied := make(map[string]bool, start)
	for _, step := range wf.Steps[:start] {
		satisfied[step.ID] = true
	}
	graph, err := buildGraph(wf.Steps[start:], satisfied)
	if err != nil {
		return e.rejectRun(result, err)
	}
	groups, err := graph.Groups()
	if err != nil {
		return e.rejectRun(result, err)
	}

	if timeout := wf.Timeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, timeout, errWorkflowTimeout)
		defer cancel()
	}
	ctx, span := e.tracer.Start(ctx, "workflow.run", trace.WithAttributes(
		attribute.String("workflow.name", wf.Name),
		attribute.String("workflow.version", wf.Version),
		attribute.Bool("workflow.auto_parallel", wf.Settings.AutoParallel),
		attribute.Int("workflow.steps", len(wf.Steps)),
	))
	defer span.End()

	r := &run{
		e:       e,
		wf:      wf,
		ectx:    NewExecutionContext(values),
		result:  result,
		coord:   e.coordinatorFor(wf),
		isolate: wf.Settings.Strategy == StrategyProcess,
		logger:  e.logger.With(zap.String("workflow", wf.Name)),
		done:    satisfied,
	}
	if err := r.begin(ctx, rp, start); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.rejectRun(result, err)
	}
	span.SetAttributes(attribute.String("workflow.id", r.workflowID))
	ctx = withRun(withRunInfo(ctx, RunInfo{WorkflowID: r.workflowID, WorkflowName: wf.Name}), r)

	r.logger.Info("workflow started",
		zap.String("workflow_id", r.workflowID),
		zap.Int("steps", len(wf.Steps)-start),
		zap.Int("groups", len(groups)),
		zap.Bool("auto_parallel", wf.Settings.AutoParallel),
		zap.String("resume_from", rp.fromStep))

	if wf.Settings.AutoParallel {
		r.runGrouped(ctx, groups)
	} else {
		order, err := sequentialOrder(wf.Steps[start:], graph)
		if err != nil {
			result.fail(ExecutionFailed, err)
		} else {
			r.runSequential(ctx, order)
		}
	}

	r.finish(ctx)
	if result.Status == ExecutionFailed {
		span.SetStatus(codes.Error, result.Error)
	}
	span.SetAttributes(
		attribute.String("workflow.status", string(result.Status)),
		attribute.Int("workflow.tokens", result.TotalTokens))
	return result
}

// rejectRun ends a run that never started.
func (e *Executor) rejectRun(result *ExecutionResult, err error) *ExecutionResult {
	result.fail(ExecutionFailed, err)
	result.CompletedAt = e.now()
	e.metrics.RecordRun(result.WorkflowName, string(result.Status), result.Duration(), 0)
	e.logger.Warn("workflow rejected before execution",
		zap.String("workflow", result.WorkflowName),
		zap.Error(err))
	return result
}

func (e *Executor) coordinatorFor(wf *Definition) coordination.Coordinator {
	if !wf.Settings.CoordinationEnabled {
		return coordination.Noop{}
	}
	if e.newCoord != nil {
		if c := e.newCoord(); c != nil && c.Enabled() {
			return c
		}
	}
	if e.coordinator != nil && e.coordinator.Enabled() {
		return e.coordinator
	}
	return coordination.NewIntentLedger(e.logger)
}

// resolveInputs applies input defaults and rejects missing required inputs.
func resolveInputs(wf *Definition, inputs map[string]any) (map[string]any, error) {
	values := make(map[string]any, len(inputs)+len(wf.Inputs))
	for k, v := range inputs {
		values[k] = v
	}
	for _, name := range sortedKeys(wf.Inputs) {
		spec := wf.Inputs[name]
		if _, ok := values[name]; ok {
			continue
		}
		if spec.Default != nil {
			values[name] = spec.Default
			continue
		}
		if spec.Required {
			return nil, types.NewError(types.ErrMissingInput, "Missing required input: "+name)
		}
	}
	return values, nil
}

// sequentialOrder keeps declaration order unless a step depends on a
// later one, in which case the topological order is used.
func sequentialOrder(steps []StepSpec, g *DependencyGraph) ([]string, error) {
	pos := make(map[string]int, len(steps))
	for i := range steps {
		pos[steps[i].ID] = i
	}
	for i := range steps {
		for _, dep := range g.Dependencies(steps[i].ID) {
			if pos[dep] > i {
				return g.TopologicalOrder()
			}
		}
	}
	order := make([]string, len(steps))
	for i := range steps {
		order[i] = steps[i].ID
	}
	return order, nil
}

// begin opens the run in the checkpointer, or reattaches to a stored run
// and restores the outputs of steps before start.
func (r *run) begin(ctx context.Context, rp resumePoint, start int) error {
	cp := r.e.checkpointer
	if rp.workflowID != "" {
		r.workflowID = rp.workflowID
		if loader, ok := cp.(StageLoader); ok {
			return r.restore(ctx, loader, start)
		}
		return nil
	}
	if cp == nil {
		return nil
	}
	id, err := cp.StartWorkflow(ctx, r.wf.Name, map[string]any{
		"version": r.wf.Version,
		"inputs":  r.ectx.Snapshot(),
	})
	if err != nil {
		return fmt.Errorf("start workflow checkpoint: %w", err)
	}
	r.workflowID = id
	return nil
}

func (r *run) restore(ctx context.Context, loader StageLoader, start int) error {
	stages, err := loader.LoadStages(ctx, r.workflowID)
	if err != nil {
		return fmt.Errorf("load checkpoint stages: %w", err)
	}
	before := make(map[string]*StepSpec, start)
	for i := 0; i < start; i++ {
		before[r.wf.Steps[i].ID] = &r.wf.Steps[i]
	}

	restored := 0
	for _, st := range stages {
		step, ok := before[st.StepID]
		if !ok || st.Status != StepSuccess {
			continue
		}
		r.ectx.Merge(mapOutputs(step, st.Output))
		r.tokens += st.Tokens
		restored++
	}
	r.logger.Info("restored checkpoint stages",
		zap.String("workflow_id", r.workflowID),
		zap.Int("stages", restored))
	return nil
}

func (r *run) runSequential(ctx context.Context, order []string) {
	for _, id := range order {
		step, _ := r.wf.Step(id)
		if ctx.Err() != nil {
			r.interrupted(ctx, step)
			return
		}
		sr := r.e.runStep(ctx, r, step)
		if !r.settle(ctx, step, sr) {
			return
		}
	}
}

func (r *run) runGrouped(ctx context.Context, groups []ParallelGroup) {
	for _, grp := range groups {
		steps := make([]*StepSpec, len(grp.StepIDs))
		for i, id := range grp.StepIDs {
			steps[i], _ = r.wf.Step(id)
		}
		if ctx.Err() != nil {
			r.interrupted(ctx, steps[0])
			return
		}

		var results []*StepResult
		if len(steps) == 1 {
			results = []*StepResult{r.e.runStep(ctx, r, steps[0])}
		} else {
			results = r.runGroup(ctx, grp, steps)
		}

		// 组边界：全部结果按声明顺序合并后才进入下一组
		proceed := true
		for i, step := range steps {
			if !r.settle(ctx, step, results[i]) {
				proceed = false
			}
		}
		if !proceed {
			return
		}
	}
}

// runGroup runs the members of one multi-step group concurrently.
func (r *run) runGroup(ctx context.Context, grp ParallelGroup, steps []*StepSpec) []*StepResult {
	e := r.e
	strategy := r.groupStrategy(steps)
	e.metrics.RecordGroup(strategy.Name(), len(steps))

	ctx, span := e.tracer.Start(ctx, "workflow.group", trace.WithAttributes(
		attribute.Int("group.index", grp.Index),
		attribute.Int("group.size", len(steps)),
		attribute.String("group.strategy", strategy.Name())))
	defer span.End()

	if r.coord.Enabled() {
		for _, step := range steps {
			r.coord.Publish(intentFor(step))
		}
	}

	results := make([]*StepResult, len(steps))
	tasks := make([]parallel.Task, len(steps))
	for i, step := range steps {
		tasks[i] = parallel.Task{
			ID:       step.ID,
			Provider: stringParam(step.Params, "provider", ""),
			Metadata: taskMetadata(e.registry, step),
			Run: func(ctx context.Context) (map[string]any, error) {
				sr := e.runStep(ctx, r, step)
				results[i] = sr
				if sr.Status == StepFailed {
					return nil, sr.Err
				}
				return sr.Output, nil
			},
		}
	}

	r.logger.Debug("running parallel group",
		zap.Int("group", grp.Index),
		zap.Strings("steps", grp.StepIDs),
		zap.String("strategy", strategy.Name()))

	taskResults, err := strategy.RunGroup(ctx, tasks, parallel.Options{Concurrency: r.wf.Settings.MaxParallelWorkers})
	for i, step := range steps {
		if results[i] != nil {
			continue
		}
		// 未启动的任务（分组错误或运行被取消）
		cause := err
		if cause == nil && taskResults != nil {
			cause = taskResults[i].Err
		}
		if cause == nil {
			cause = types.NewError(types.ErrCancelled, "step was not started")
		}
		results[i] = &StepResult{
			StepID:    step.ID,
			Status:    StepFailed,
			StartedAt: e.now(),
			Err:       cause,
			Error:     cause.Error(),
		}
	}

	if r.coord.Enabled() {
		report := r.coord.CheckStability(ctx, coordination.GateOptions{
			MinStability: r.wf.Settings.CoordinationMinStability,
			MaxPasses:    r.wf.Settings.CoordinationMaxPasses,
			Satisfied:    r.satisfied(),
		})
		r.result.addCoordination(report)
		e.metrics.RecordCoordination(report.Converged, report.Passes)
		if !report.Converged {
			r.logger.Warn("parallel group did not converge",
				zap.Int("group", grp.Index),
				zap.Float64("min_stability", report.MinStability),
				zap.Strings("conflicts", report.UnresolvedConflicts),
				zap.Int("passes", report.Passes))
		}
		r.coord.Reset()
	}
	return results
}

// groupStrategy picks the rate-limited executor for groups that call an
// external provider, and the configured strategy otherwise.
func (r *run) groupStrategy(steps []*StepSpec) parallel.Strategy {
	e := r.e
	if e.strategy != nil {
		return e.strategy
	}
	for _, step := range steps {
		if isProviderStep(e.registry, step) {
			return e.rateLimited
		}
	}
	name := r.wf.Settings.Strategy
	if name == StrategyProcess {
		// 进程隔离在每次 handler 调用时进行，组内调度仍由协作式策略完成
		name = StrategyCooperative
	}
	s, err := parallel.New(name, e.logger)
	if err != nil {
		return parallel.NewCooperativeStrategy(e.logger)
	}
	return s
}

// settle merges one step result into the run. It returns false when the
// run must not dispatch further steps.
func (r *run) settle(ctx context.Context, step *StepSpec, sr *StepResult) bool {
	r.result.record(sr)
	r.recordUsage(step, sr)

	switch sr.Status {
	case StepSuccess:
		r.ectx.Merge(mapOutputs(step, sr.Output))
		r.markDone(step.ID)
		return true
	case StepSkipped:
		r.markDone(step.ID)
		return true
	}

	if types.IsCode(sr.Err, types.ErrBudgetExceeded) {
		r.result.fail(ExecutionFailed, sr.Err)
		return false
	}
	if ctx.Err() != nil {
		r.interrupted(ctx, step)
		return false
	}
	r.e.notifyError(step.ID, r.workflowID, sr.Err)

	switch step.OnFailure {
	case OnFailureSkip:
		r.mu.Lock()
		r.skipped = true
		r.mu.Unlock()
		r.logger.Warn("step failed, skipping", zap.String("step_id", step.ID), zap.String("error", sr.Error))
		return true
	case OnFailureRetry:
		r.logger.Warn("step failed, run paused for resume", zap.String("step_id", step.ID), zap.String("error", sr.Error))
		r.result.pause(step.ID, &StepFailedError{StepID: step.ID, Message: sr.Error, Err: sr.Err})
		return false
	default:
		r.logger.Error("step failed, aborting run", zap.String("step_id", step.ID), zap.String("error", sr.Error))
		r.result.fail(ExecutionFailed, &StepFailedError{StepID: step.ID, Message: sr.Error, Err: sr.Err})
		return false
	}
}

// interrupted records why a run stopped early because its context ended.
func (r *run) interrupted(ctx context.Context, next *StepSpec) {
	if errors.Is(context.Cause(ctx), errWorkflowTimeout) {
		r.result.fail(ExecutionFailed, types.NewError(types.ErrTimeout,
			fmt.Sprintf("workflow %q timed out after %s", r.wf.Name, r.wf.Timeout())))
		return
	}
	r.result.pause(next.ID, types.NewError(types.ErrCancelled, "workflow cancelled").WithCause(context.Cause(ctx)))
}

func (r *run) recordUsage(step *StepSpec, sr *StepResult) {
	if sr.Tokens <= 0 {
		return
	}
	r.mu.Lock()
	r.tokens += sr.Tokens
	r.mu.Unlock()
	if r.e.budget != nil {
		r.e.budget.RecordUsage(step.ID, sr.Tokens)
	}
}

func (r *run) markDone(id string) {
	r.mu.Lock()
	r.done[id] = true
	r.mu.Unlock()
}

// satisfied lists finished step ids and every context key.
func (r *run) satisfied() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.done))
	for id := range r.done {
		out = append(out, id)
	}
	r.mu.Unlock()
	for k := range r.ectx.Snapshot() {
		out = append(out, k)
	}
	return out
}

// finish sets the final status, collects outputs and closes the run in
// the checkpointer.
func (r *run) finish(ctx context.Context) {
	e, result := r.e, r.result
	if !result.failed() {
		r.mu.Lock()
		if r.skipped {
			result.Status = ExecutionPartial
		} else {
			result.Status = ExecutionSuccess
		}
		r.mu.Unlock()
	}

	for _, name := range r.wf.Outputs {
		if v, ok := r.ectx.Get(name); ok {
			result.Outputs[name] = v
		}
	}
	result.WorkflowID = r.workflowID
	result.CompletedAt = e.now()

	if cp := e.checkpointer; cp != nil && r.workflowID != "" {
		// 运行可能已超时，收尾写入不受其影响
		closeCtx := context.WithoutCancel(ctx)
		var err error
		switch result.Status {
		case ExecutionSuccess, ExecutionPartial:
			err = cp.CompleteWorkflow(closeCtx, r.workflowID)
		default:
			err = cp.FailWorkflow(closeCtx, r.workflowID, result.Error)
		}
		if err != nil {
			r.logger.Warn("failed to close workflow checkpoint", zap.String("workflow_id", r.workflowID), zap.Error(err))
		}
	}

	e.metrics.RecordRun(r.wf.Name, string(result.Status), result.Duration(), result.TotalTokens)
	r.logger.Info("workflow finished",
		zap.String("workflow_id", r.workflowID),
		zap.String("status", string(result.Status)),
		zap.Int("steps", len(result.Steps)),
		zap.Int("tokens", result.TotalTokens),
		zap.Duration("duration", result.Duration()),
		zap.String("resume_from", result.ResumeFrom),
		zap.String("error", result.Error))
}

func (e *Executor) notifyError(stepID, workflowID string, err error) {
	if e.onError == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			e.logger.Warn("error callback panicked", zap.String("step_id", stepID), zap.Any("panic", rec))
		}
	}()
	e.onError(stepID, workflowID, err)
}

// =============================================================================
// Run info
// =============================================================================

// RunInfo identifies the run a handler is executing in.
type RunInfo struct {
	WorkflowID   string
	WorkflowName string
}

type runInfoKey struct{}

type runKey struct{}

func withRun(ctx context.Context, r *run) context.Context {
	return context.WithValue(ctx, runKey{}, r)
}

func runFromContext(ctx context.Context) *run {
	r, _ := ctx.Value(runKey{}).(*run)
	return r
}

func withRunInfo(ctx context.Context, info RunInfo) context.Context {
	return context.WithValue(ctx, runInfoKey{}, info)
}

// RunInfoFromContext returns the RunInfo of the current run.
func RunInfoFromContext(ctx context.Context) (RunInfo, bool) {
	info, ok := ctx.Value(runInfoKey{}).(RunInfo)
	return info, ok
}
