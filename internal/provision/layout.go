package provision

import (
	"os"
	"path/filepath"

	"github.com/manchtools/power-manage/provisioner/internal/assets"
	"github.com/manchtools/power-manage/provisioner/internal/installer"
	"github.com/manchtools/power-manage/provisioner/internal/perm"
)

// Layout holds the system paths the provisioner writes to.
type Layout struct {
	MountPoint         string
	Framework          string
	ConfigFile         string
	PermissionManifest string
	Launcher           string
	Daemon             string
	ToolDir            string
}

// DefaultLayout returns the paths of a stock device.
func DefaultLayout() Layout {
	return Layout{
		MountPoint:         "/system",
		Framework:          "/system/framework/btle-framework.jar",
		ConfigFile:         "/system/etc/bluetooth/main.conf",
		PermissionManifest: "/system/etc/permissions/com.manuelnaranjo.broadcom.bt.le.xml",
		Launcher:           "/system/bin/btle-framework",
		Daemon:             "/system/bin/netd",
		ToolDir:            "/system/bin",
	}
}

// Under relocates every path of l below root. An empty root or "/" returns
// l unchanged.
func (l Layout) Under(root string) Layout {
	if root == "" || filepath.Clean(root) == "/" {
		return l
	}
	join := func(p string) string { return filepath.Join(root, p) }
	return Layout{
		MountPoint:         join(l.MountPoint),
		Framework:          join(l.Framework),
		ConfigFile:         join(l.ConfigFile),
		PermissionManifest: join(l.PermissionManifest),
		Launcher:           join(l.Launcher),
		Daemon:             join(l.Daemon),
		ToolDir:            join(l.ToolDir),
	}
}

// Tool returns the install path of a command-line tool.
func (l Layout) Tool(name string) string {
	return filepath.Join(l.ToolDir, name)
}

// Tools are the command-line tools installed from native libraries.
var Tools = []string{"gatttool-btle", "hcitool-btle"}

// Config directive the provisioner enforces.
const (
	DirectiveKey   = "EnableLE"
	DirectiveValue = "true"
)

const (
	DefaultToolMode os.FileMode = 0o755
	configMode      os.FileMode = 0o444
)

// FrameworkStagingName returns the staged file name of the framework jar.
func FrameworkStagingName(version string) string {
	if version == "" {
		return "btle-framework.jar"
	}
	return "btle-framework-" + version + ".jar"
}

// Plan is the ordered list of bundled files a run installs.
type Plan struct {
	Framework          installer.Target
	ConfigTemplate     installer.Target
	PermissionManifest installer.Target
	Launcher           installer.Target
}

// Targets returns the plan's targets in install order. The config template
// is only installed when no configuration exists yet.
func (p Plan) Targets() []installer.Target {
	return []installer.Target{p.Framework, p.ConfigTemplate, p.PermissionManifest, p.Launcher}
}

// NewPlan builds the install plan for layout.
func NewPlan(layout Layout, frameworkVersion string) Plan {
	root := perm.Root
	return Plan{
		Framework: installer.Target{
			Asset:       assets.Framework,
			StagingName: FrameworkStagingName(frameworkVersion),
			Destination: layout.Framework,
			Mode:        0o644,
		},
		ConfigTemplate: installer.Target{
			Asset:       assets.ConfigTemplate,
			StagingName: filepath.Base(layout.ConfigFile),
			Destination: layout.ConfigFile,
			Mode:        configMode,
			Owner:       &root,
		},
		PermissionManifest: installer.Target{
			Asset:       assets.PermissionManifest,
			StagingName: "com.manuelnaranjo.android.bluetooth.le.xml",
			Destination: layout.PermissionManifest,
			Mode:        0o644,
		},
		Launcher: installer.Target{
			Asset:       assets.LauncherScript,
			StagingName: filepath.Base(layout.Launcher),
			Destination: layout.Launcher,
			Mode:        0o755,
		},
	}
}
