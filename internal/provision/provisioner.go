// Package provision runs the end-to-end install of the BLE framework onto a
// device's system partition.
//
// A run is a fixed sequence of steps. Each step is a hard gate: the first
// failure stops the run, and cleanup (purging the staging directory and
// remounting the system partition read-only) runs exactly once whatever the
// outcome.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/manchtools/power-manage/provisioner/internal/assets"
	"github.com/manchtools/power-manage/provisioner/internal/confpatch"
	"github.com/manchtools/power-manage/provisioner/internal/executor"
	"github.com/manchtools/power-manage/provisioner/internal/installer"
	"github.com/manchtools/power-manage/provisioner/internal/logsink"
	"github.com/manchtools/power-manage/provisioner/internal/perm"
	"github.com/manchtools/power-manage/provisioner/internal/validate"
	"github.com/manchtools/power-manage/provisioner/internal/wrapper"
)

// Step names, in execution order.
const (
	StepResolveStaging        = "resolve-staging"
	StepInstallFramework      = "install-framework"
	StepInstallTools          = "install-tools"
	StepInstallConfigTemplate = "install-config-template"
	StepPatchConfig           = "patch-config"
	StepFixConfigPermissions  = "fix-config-permissions"
	StepInstallPermissions    = "install-permissions"
	StepInstallLauncher       = "install-launcher"
	StepPatchWrapper          = "patch-wrapper"
	StepValidateLauncher      = "validate-launcher"
)

// Steps lists every step in execution order.
var Steps = []string{
	StepResolveStaging,
	StepInstallFramework,
	StepInstallTools,
	StepInstallConfigTemplate,
	StepPatchConfig,
	StepFixConfigPermissions,
	StepInstallPermissions,
	StepInstallLauncher,
	StepPatchWrapper,
	StepValidateLauncher,
}

// Run and step statuses recorded in the journal.
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusSkipped   = "skipped"
)

// ErrRunInProgress is returned when Run is called while another run of the
// same Provisioner is active.
var ErrRunInProgress = errors.New("provisioning run already in progress")

// StepError reports the step a run stopped at.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Lifecycle is the host the provisioner reports completion to.
type Lifecycle interface {
	// NotifyValuesUpdated tells the host the installed state changed.
	NotifyValuesUpdated()
	// RequestReboot asks the host to restart the device.
	RequestReboot(ctx context.Context) error
}

// Journal persists run history. Journal errors are logged and never fail a run.
type Journal interface {
	BeginRun(runID string, startedAt time.Time) error
	RecordStep(runID, step, status, errText string, duration time.Duration) error
	AppendLog(runID, line string) error
	FinishRun(runID string, finishedAt time.Time, status, failedStep, errText string) error
}

// StepResult is the outcome of one executed step.
type StepResult struct {
	Step     string
	Status   string
	Duration time.Duration
}

// Result summarizes a successful run.
type Result struct {
	RunID          string
	StartedAt      time.Time
	FinishedAt     time.Time
	Steps          []StepResult
	ConfigChanged  bool
	WrapperPatched bool
	Rebooted       bool
}

// Options configures a Provisioner.
type Options struct {
	Layout           Layout
	Staging          string      `validate:"required,abspath"`
	NativeLibDir     string      `validate:"required"`
	FrameworkVersion string      `validate:"excludesall=/"`
	ToolMode         os.FileMode `validate:"filemode"`
	// Reboot requests a device reboot after a successful run.
	Reboot bool
}

// Provisioner runs provisioning.
type Provisioner struct {
	exec      executor.Privileged
	assets    assets.Provider
	sink      logsink.Sink
	lifecycle Lifecycle
	journal   Journal
	logger    *slog.Logger
	opts      Options

	running atomic.Bool
	now     func() time.Time
}

// New creates a Provisioner. journal may be nil.
func New(exec executor.Privileged, provider assets.Provider, sink logsink.Sink, lifecycle Lifecycle, journal Journal, opts Options, logger *slog.Logger) (*Provisioner, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.ToolMode == 0 {
		opts.ToolMode = DefaultToolMode
	}
	if err := validate.Struct(opts); err != nil {
		return nil, &executor.OpError{Kind: executor.KindValidation, Op: "validate options", Err: err}
	}
	for _, t := range NewPlan(opts.Layout, opts.FrameworkVersion).Targets() {
		if err := validate.Struct(t); err != nil {
			return nil, &executor.OpError{Kind: executor.KindValidation, Op: "validate target", Path: t.Destination, Err: err}
		}
	}
	return &Provisioner{
		exec:      exec,
		assets:    provider,
		sink:      sink,
		lifecycle: lifecycle,
		journal:   journal,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
	}, nil
}

// run holds the state of a single Run call.
type run struct {
	id      string
	staging string
	sink    logsink.Sink
	result  *Result

	bracket   *perm.Bracket
	setter    *perm.Setter
	installer *installer.Installer
	config    *confpatch.Patcher
	wrapper   *wrapper.Patcher
}

// Run executes every step in order and returns on the first failure with a
// *StepError. The staging directory is purged and the system partition is
// remounted read-only before Run returns, and before any reboot request.
func (p *Provisioner) Run(ctx context.Context) (*Result, error) {
	if !p.running.CompareAndSwap(false, true) {
		return nil, ErrRunInProgress
	}
	defer p.running.Store(false)

	r := &run{
		id:     ulid.Make().String(),
		result: &Result{StartedAt: p.now()},
	}
	r.result.RunID = r.id
	r.sink = p.sink
	if p.journal != nil {
		r.sink = logsink.Multi{p.sink, &journalSink{journal: p.journal, runID: r.id, logger: p.logger}}
	}
	r.sink.Clear()

	logger := p.logger.With("run_id", r.id)
	logger.Info("provisioning started", "mount_point", p.opts.Layout.MountPoint, "staging", p.opts.Staging)
	p.journalCall(logger, "begin run", func() error { return p.journal.BeginRun(r.id, r.result.StartedAt) })

	cleaned := false
	cleanup := func() {
		if cleaned {
			return
		}
		cleaned = true
		p.cleanup(context.WithoutCancel(ctx), logger, r)
	}
	defer cleanup()

	failedStep, err := p.runSteps(ctx, logger, r)
	if err != nil {
		cleanup()
		r.result.FinishedAt = p.now()
		logger.Error("provisioning failed", "step", failedStep, "error", err)
		p.journalCall(logger, "finish run", func() error {
			return p.journal.FinishRun(r.id, r.result.FinishedAt, StatusFailed, failedStep, err.Error())
		})
		return nil, &StepError{Step: failedStep, Err: err}
	}

	r.sink.Append("Installation done")
	r.sink.Append("It's better if you restart your cellphone")
	if p.lifecycle != nil {
		p.lifecycle.NotifyValuesUpdated()
	}

	cleanup()
	r.result.FinishedAt = p.now()
	p.journalCall(logger, "finish run", func() error {
		return p.journal.FinishRun(r.id, r.result.FinishedAt, StatusSucceeded, "", "")
	})
	logger.Info("provisioning finished",
		"config_changed", r.result.ConfigChanged,
		"wrapper_patched", r.result.WrapperPatched,
		"duration", r.result.FinishedAt.Sub(r.result.StartedAt),
	)

	if p.opts.Reboot && p.lifecycle != nil {
		if err := p.lifecycle.RequestReboot(ctx); err != nil {
			logger.Warn("reboot request failed", "error", err)
		} else {
			r.result.Rebooted = true
		}
	}
	return r.result, nil
}

// runSteps executes the step sequence and returns the failing step name.
func (p *Provisioner) runSteps(ctx context.Context, logger *slog.Logger, r *run) (string, error) {
	steps := []struct {
		name string
		fn   func(context.Context, *run) (bool, error)
	}{
		{StepResolveStaging, p.resolveStaging},
		{StepInstallFramework, p.installFramework},
		{StepInstallTools, p.installTools},
		{StepInstallConfigTemplate, p.installConfigTemplate},
		{StepPatchConfig, p.patchConfig},
		{StepFixConfigPermissions, p.fixConfigPermissions},
		{StepInstallPermissions, p.installPermissions},
		{StepInstallLauncher, p.installLauncher},
		{StepPatchWrapper, p.patchWrapper},
		{StepValidateLauncher, p.validateLauncher},
	}

	for _, step := range steps {
		if err := ctx.Err(); err != nil {
			p.recordStep(logger, r, step.name, StatusFailed, err, 0)
			return step.name, err
		}

		start := p.now()
		skipped, err := step.fn(ctx, r)
		elapsed := p.now().Sub(start)
		if err != nil {
			p.recordStep(logger, r, step.name, StatusFailed, err, elapsed)
			return step.name, err
		}

		status := StatusSucceeded
		if skipped {
			status = StatusSkipped
		}
		p.recordStep(logger, r, step.name, status, nil, elapsed)
	}
	return "", nil
}

func (p *Provisioner) recordStep(logger *slog.Logger, r *run, step, status string, err error, elapsed time.Duration) {
	errText := ""
	if err != nil {
		errText = err.Error()
	}
	r.result.Steps = append(r.result.Steps, StepResult{Step: step, Status: status, Duration: elapsed})
	logger.Debug("step finished", "step", step, "status", status, "duration", elapsed, "error", errText)
	p.journalCall(logger, "record step", func() error {
		return p.journal.RecordStep(r.id, step, status, errText, elapsed)
	})
}

func (p *Provisioner) journalCall(logger *slog.Logger, what string, fn func() error) {
	if p.journal == nil {
		return
	}
	if err := fn(); err != nil {
		logger.Warn("journal "+what+" failed", "error", err)
	}
}

// cleanup purges the staging directory contents and remounts the system
// partition read-only. Failures are logged only.
func (p *Provisioner) cleanup(ctx context.Context, logger *slog.Logger, r *run) {
	if r.staging != "" {
		if err := executor.PurgeDir(ctx, p.exec, r.staging); err != nil {
			logger.Warn("failed to purge staging directory", "staging", r.staging, "error", err)
		}
	}
	if err := p.exec.Remount(ctx, p.opts.Layout.MountPoint, executor.ReadOnly); err != nil {
		logger.Warn("failed to remount read-only", "mount_point", p.opts.Layout.MountPoint, "error", err)
	}
	logger.Debug("cleanup done", "staging", r.staging)
}

// ===== Steps =====

func (p *Provisioner) resolveStaging(ctx context.Context, r *run) (bool, error) {
	if err := os.MkdirAll(p.opts.Staging, 0o700); err != nil {
		r.sink.Append("failed to get canonical path")
		return false, &executor.OpError{Kind: executor.KindAsset, Op: "create staging directory", Path: p.opts.Staging, Err: err}
	}
	staging, err := filepath.EvalSymlinks(p.opts.Staging)
	if err == nil {
		staging, err = filepath.Abs(staging)
	}
	if err != nil {
		r.sink.Append("failed to get canonical path")
		return false, &executor.OpError{Kind: executor.KindAsset, Op: "resolve staging directory", Path: p.opts.Staging, Err: err}
	}
	r.staging = staging

	r.bracket = perm.NewBracket(p.exec, p.opts.Layout.MountPoint, r.sink, p.logger)
	r.setter = perm.NewSetter(p.exec, r.bracket, r.sink, p.logger)
	r.installer = installer.New(p.assets, r.setter, r.sink, p.opts.NativeLibDir, p.logger)
	r.config = confpatch.NewPatcher(r.setter, staging, r.sink, p.logger)
	r.wrapper = wrapper.NewPatcher(p.exec, p.assets, r.setter, r.sink, p.opts.Layout.Daemon, p.logger)
	return false, nil
}

func (p *Provisioner) plan() Plan {
	return NewPlan(p.opts.Layout, p.opts.FrameworkVersion)
}

func (p *Provisioner) installFramework(ctx context.Context, r *run) (bool, error) {
	if err := r.installer.Install(ctx, p.plan().Framework); err != nil {
		return false, err
	}
	r.sink.Append("Installed framework")
	return false, nil
}

func (p *Provisioner) installTools(ctx context.Context, r *run) (bool, error) {
	for _, name := range Tools {
		if err := r.installer.InstallNative(ctx, name, p.opts.Layout.Tool(name), p.opts.ToolMode); err != nil {
			return false, err
		}
	}
	return false, nil
}

func (p *Provisioner) installConfigTemplate(ctx context.Context, r *run) (bool, error) {
	if p.exec.Exists(ctx, p.opts.Layout.ConfigFile) {
		return true, nil
	}
	if err := r.installer.Install(ctx, p.plan().ConfigTemplate); err != nil {
		return false, err
	}
	return false, nil
}

func (p *Provisioner) patchConfig(ctx context.Context, r *run) (bool, error) {
	changed, err := r.config.EnsureDirective(ctx, p.opts.Layout.ConfigFile, DirectiveKey, DirectiveValue)
	if err != nil {
		return false, err
	}
	r.result.ConfigChanged = changed
	return !changed, nil
}

func (p *Provisioner) fixConfigPermissions(ctx context.Context, r *run) (bool, error) {
	path := p.opts.Layout.ConfigFile
	name := filepath.Base(path)
	if err := r.setter.SetMode(ctx, path, configMode); err != nil {
		r.sink.Append("Failed to set " + name + " permissions")
		return false, err
	}
	if err := r.setter.SetOwner(ctx, path, perm.Root); err != nil {
		r.sink.Append("Failed to change owner")
		return false, err
	}
	r.sink.Append("Fixed " + name + " permissions")
	r.sink.Append("Updated " + name)
	return false, nil
}

func (p *Provisioner) installPermissions(ctx context.Context, r *run) (bool, error) {
	if err := r.installer.Install(ctx, p.plan().PermissionManifest); err != nil {
		return false, err
	}
	r.sink.Append("Installed permission")
	return false, nil
}

func (p *Provisioner) installLauncher(ctx context.Context, r *run) (bool, error) {
	if err := r.installer.Install(ctx, p.plan().Launcher); err != nil {
		return false, err
	}
	r.sink.Append("Installed btle-framework launcher")
	return false, nil
}

func (p *Provisioner) patchWrapper(ctx context.Context, r *run) (bool, error) {
	patched, err := r.wrapper.Ensure(ctx)
	if err != nil {
		return false, err
	}
	r.result.WrapperPatched = patched
	return !patched, nil
}

func (p *Provisioner) validateLauncher(ctx context.Context, r *run) (bool, error) {
	launcher := p.opts.Layout.Launcher
	out, err := p.exec.Run(ctx, launcher, "--version")
	if err != nil {
		r.sink.Append("WARN: failed to update dalvik cache")
		return false, &executor.OpError{Kind: executor.KindValidation, Op: "probe", Path: launcher, Err: err}
	}
	if !out.Success() {
		r.sink.Append("WARN: failed to update dalvik cache")
		return false, &executor.OpError{Kind: executor.KindValidation, Op: "probe", Path: launcher, ExitCode: out.ExitCode}
	}
	return false, nil
}

// journalSink copies progress lines into the run journal.
type journalSink struct {
	journal Journal
	runID   string
	logger  *slog.Logger
}

func (s *journalSink) Clear() {}

func (s *journalSink) Append(msg string) {
	if err := s.journal.AppendLog(s.runID, msg); err != nil {
		s.logger.Warn("journal append log failed", "run_id", s.runID, "error", err)
	}
}
