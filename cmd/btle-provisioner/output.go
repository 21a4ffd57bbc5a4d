package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/manchtools/power-manage/provisioner/internal/confpatch"
	"github.com/manchtools/power-manage/provisioner/internal/installer"
	"github.com/manchtools/power-manage/provisioner/internal/perm"
	"github.com/manchtools/power-manage/provisioner/internal/provision"
	"github.com/manchtools/power-manage/provisioner/internal/store"
	"github.com/manchtools/power-manage/provisioner/internal/validate"
)

// printPlan writes the install order as a table.
func printPlan(out io.Writer, layout provision.Layout, frameworkVersion string, toolMode os.FileMode) error {
	plan := provision.NewPlan(layout, frameworkVersion)
	for _, t := range plan.Targets() {
		if err := validate.Struct(t); err != nil {
			return fmt.Errorf("target %s: %w", t.Destination, err)
		}
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSOURCE\tDESTINATION\tMODE\tOWNER")
	fmt.Fprintln(w, "----\t------\t-----------\t----\t-----")

	row := func(step, source, dest string, mode os.FileMode, owner string) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%04o\t%s\n", step, source, dest, mode, owner)
	}
	target := func(step string, t installer.Target) {
		owner := "-"
		if t.Owner != nil {
			owner = t.Owner.String()
		}
		row(step, string(t.Asset)+" as "+t.StagingName, t.Destination, t.Mode, owner)
	}

	target(provision.StepInstallFramework, plan.Framework)
	for _, tool := range provision.Tools {
		row(provision.StepInstallTools, "lib"+tool+".so", layout.Tool(tool), toolMode, perm.Root.String())
	}
	target(provision.StepInstallConfigTemplate+" (if absent)", plan.ConfigTemplate)
	fmt.Fprintf(w, "%s\t%s\t%s\t%04o\t%s\n", provision.StepPatchConfig,
		confpatch.Directive(provision.DirectiveKey, provision.DirectiveValue), layout.ConfigFile, 0o444, perm.Root.String())
	target(provision.StepInstallPermissions, plan.PermissionManifest)
	target(provision.StepInstallLauncher, plan.Launcher)
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", provision.StepPatchWrapper, "wrapper", layout.Daemon, "0755", "inherited")
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", provision.StepValidateLauncher, layout.Launcher+" --version", "-", "-", "-")
	return w.Flush()
}

// printConfPreview describes the directive plan for content and the lines
// that would change.
func printConfPreview(out io.Writer, path string, content []byte) {
	plan := confpatch.PlanDirective(content, provision.DirectiveKey, provision.DirectiveValue)
	directive := confpatch.Directive(provision.DirectiveKey, provision.DirectiveValue)

	switch plan.Action {
	case confpatch.ActionNone:
		fmt.Fprintf(out, "%s: %s already set on line %d, no change\n", path, directive, plan.Line+1)
		return
	case confpatch.ActionReplace:
		fmt.Fprintf(out, "%s: line %d sets %s = %s\n", path, plan.Line+1, provision.DirectiveKey, plan.Current)
	case confpatch.ActionAppend:
		fmt.Fprintf(out, "%s: %s not found, appending\n", path, provision.DirectiveKey)
	}

	before := strings.Split(strings.TrimSuffix(string(content), "\n"), "\n")
	after := strings.Split(strings.TrimSuffix(string(confpatch.Render(content, plan, provision.DirectiveKey, provision.DirectiveValue)), "\n"), "\n")
	if len(content) == 0 {
		before = nil
	}
	if plan.Action == confpatch.ActionReplace {
		fmt.Fprintf(out, "-%s\n", before[plan.Line])
		fmt.Fprintf(out, "+%s\n", after[plan.Line])
		return
	}
	fmt.Fprintf(out, "+%s\n", after[len(after)-1])
}

func printSummary(out io.Writer, result *provision.Result) {
	fmt.Fprintf(out, "\nRun %s finished in %s\n", result.RunID, result.FinishedAt.Sub(result.StartedAt).Round(time.Millisecond))
	fmt.Fprintf(out, "  config changed:  %t\n", result.ConfigChanged)
	fmt.Fprintf(out, "  wrapper patched: %t\n", result.WrapperPatched)
	fmt.Fprintf(out, "  reboot requested: %t\n", result.Rebooted)
}

func printRuns(out io.Writer, runs []*store.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "RUN ID\tSTARTED\tDURATION\tSTATUS\tFAILED STEP")
	for _, r := range runs {
		duration := "-"
		if r.FinishedAt != nil {
			duration = r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		failed := r.FailedStep
		if failed == "" {
			failed = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.StartedAt.Local().Format(time.DateTime), duration, r.Status, failed)
	}
	w.Flush()
}

func printRun(out io.Writer, r *store.Run) {
	fmt.Fprintf(out, "Run:     %s\n", r.ID)
	fmt.Fprintf(out, "Started: %s\n", r.StartedAt.Local().Format(time.DateTime))
	if r.FinishedAt != nil {
		fmt.Fprintf(out, "Finished: %s\n", r.FinishedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(out, "Status:  %s\n", r.Status)
	if r.Error != "" {
		fmt.Fprintf(out, "Error:   %s: %s\n", r.FailedStep, r.Error)
	}

	fmt.Fprintln(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STEP\tSTATUS\tDURATION\tERROR")
	for _, s := range r.Steps {
		fmt.Fprintf(w, "%s\t%s\t%dms\t%s\n", s.Name, s.Status, s.DurationMs, s.Error)
	}
	w.Flush()

	if len(r.Log) > 0 {
		fmt.Fprintln(out, "\nLog:")
		for _, line := range r.Log {
			fmt.Fprintf(out, "  %s\n", line)
		}
	}
}
