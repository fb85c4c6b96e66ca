package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"oneui/internal/shared/logger"
)

// Mode identifies the active runtime source.
type Mode string

const (
	ModeContainer Mode = "container"
	ModeService   Mode = "service"
	ModeLocal     Mode = "local"
)

// ContainerDetails is the probe result for the container source.
type ContainerDetails struct {
	Available bool   `json:"available"`
	Exists    bool   `json:"exists"`
	Running   bool   `json:"running"`
	State     string `json:"state"`
	StartedAt string `json:"startedAt,omitempty"`
}

// ServiceDetails is the probe result for the service-manager source.
type ServiceDetails struct {
	Available bool   `json:"available"`
	Running   bool   `json:"running"`
	State     string `json:"state"`
}

// ProcessDetails is the probe result for the local-process source.
type ProcessDetails struct {
	Available bool `json:"available"`
	Running   bool `json:"running"`
	PID       int  `json:"pid,omitempty"`
}

// Status is the merged inspection outcome.
type Status struct {
	Mode           Mode             `json:"mode"`
	Running        bool             `json:"running"`
	State          string           `json:"state"`
	DeploymentHint string           `json:"deploymentHint,omitempty"`
	HintMismatch   bool             `json:"hintMismatch"`
	Container      ContainerDetails `json:"container"`
	Service        ServiceDetails   `json:"service"`
	Process        ProcessDetails   `json:"process"`
}

// Options configures the inspector probes.
type Options struct {
	ContainerName  string
	ServiceName    string
	PIDFile        string
	BinaryName     string // substring expected in the ps command output
	DeploymentHint string // container, service, local, or empty for auto
}

// Inspector probes the three runtime sources and selects the active one.
type Inspector struct {
	opts   Options
	runner Runner
	logger logger.Interface
}

func NewInspector(opts Options, runner Runner, log logger.Interface) *Inspector {
	if opts.BinaryName == "" {
		opts.BinaryName = "xray"
	}
	return &Inspector{opts: opts, runner: runner, logger: log.Named("runtime")}
}

// Inspect probes all sources concurrently and picks the winner by the
// deployment-hint priority order: the first source reporting running or
// existing wins, falling back to local.
func (i *Inspector) Inspect(ctx context.Context) Status {
	var status Status
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); status.Container = i.probeContainer(ctx) }()
	go func() { defer wg.Done(); status.Service = i.probeService(ctx) }()
	go func() { defer wg.Done(); status.Process = i.probeProcess(ctx) }()
	wg.Wait()

	status.DeploymentHint = i.opts.DeploymentHint
	for _, mode := range priorityOrder(i.opts.DeploymentHint) {
		if i.sourceActive(mode, &status) {
			status.Mode = mode
			break
		}
	}
	if status.Mode == "" {
		status.Mode = ModeLocal
	}
	if hint := Mode(i.opts.DeploymentHint); hint != "" && hint != status.Mode {
		status.HintMismatch = true
	}

	switch status.Mode {
	case ModeContainer:
		status.Running = status.Container.Running
		status.State = status.Container.State
	case ModeService:
		status.Running = status.Service.Running
		status.State = status.Service.State
	case ModeLocal:
		status.Running = status.Process.Running
		if status.Process.Running {
			status.State = "running"
		} else {
			status.State = "stopped"
		}
	}
	return status
}

func priorityOrder(hint string) []Mode {
	switch Mode(hint) {
	case ModeContainer:
		return []Mode{ModeContainer, ModeService, ModeLocal}
	case ModeService:
		return []Mode{ModeService, ModeContainer, ModeLocal}
	case ModeLocal:
		return []Mode{ModeLocal, ModeContainer, ModeService}
	default:
		return []Mode{ModeContainer, ModeService, ModeLocal}
	}
}

func (i *Inspector) sourceActive(mode Mode, s *Status) bool {
	switch mode {
	case ModeContainer:
		return s.Container.Running || s.Container.Exists
	case ModeService:
		return s.Service.Running
	case ModeLocal:
		return s.Process.Running
	}
	return false
}

func (i *Inspector) probeContainer(ctx context.Context) ContainerDetails {
	if i.opts.ContainerName == "" {
		return ContainerDetails{}
	}
	res, err := i.runner.Run(ctx, "docker", "inspect",
		"--format", "{{json .State}}", i.opts.ContainerName)
	if err != nil {
		return ContainerDetails{}
	}
	details := ContainerDetails{Available: true}
	if res.ExitCode != 0 {
		// Daemon reachable but the container does not exist.
		return details
	}
	details.Exists = true

	var state struct {
		Status    string `json:"Status"`
		Running   bool   `json:"Running"`
		StartedAt string `json:"StartedAt"`
	}
	if err := json.Unmarshal([]byte(res.Stdout), &state); err != nil {
		i.logger.Debugw("failed to parse docker inspect output", "error", err)
		return details
	}
	details.Running = state.Running
	details.State = state.Status
	details.StartedAt = state.StartedAt
	return details
}

func (i *Inspector) probeService(ctx context.Context) ServiceDetails {
	if i.opts.ServiceName == "" {
		return ServiceDetails{}
	}
	res, err := i.runner.Run(ctx, "systemctl", "is-active", i.opts.ServiceName)
	if err != nil {
		return ServiceDetails{}
	}
	state := strings.TrimSpace(res.Stdout)
	switch state {
	case "active", "inactive", "failed", "activating", "deactivating", "reloading":
	default:
		state = "unknown"
	}
	return ServiceDetails{
		Available: true,
		Running:   state == "active" || state == "reloading",
		State:     state,
	}
}

func (i *Inspector) probeProcess(ctx context.Context) ProcessDetails {
	if i.opts.PIDFile == "" {
		return ProcessDetails{}
	}
	raw, err := os.ReadFile(i.opts.PIDFile)
	if err != nil {
		return ProcessDetails{}
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return ProcessDetails{Available: true}
	}
	details := ProcessDetails{Available: true, PID: pid}

	res, err := i.runner.Run(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "comm=")
	if err != nil || res.ExitCode != 0 {
		return details
	}
	details.Running = strings.Contains(res.Stdout, i.opts.BinaryName)
	return details
}

// ReadPID reads and validates the configured PID file.
func (i *Inspector) ReadPID() (int, error) {
	raw, err := os.ReadFile(i.opts.PIDFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("pid file %s does not contain a valid pid", i.opts.PIDFile)
	}
	return pid, nil
}
