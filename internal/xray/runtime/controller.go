package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// TestResult is the outcome of a data-plane config validation run.
type TestResult struct {
	OK     bool
	Output string
}

// Controller is the narrow control contract shared by the three runtime
// modes. A controller is selected per operation and not cached beyond it.
type Controller interface {
	Mode() Mode
	Reload(ctx context.Context) error
	Restart(ctx context.Context) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	// Test validates a config file inside the runtime via `-test -config`.
	Test(ctx context.Context, configPath string) (TestResult, error)
}

// ControllerFactory builds the controller matching an inspection result.
type ControllerFactory struct {
	opts   Options
	binary string
	runner Runner
}

func NewControllerFactory(opts Options, binaryPath string, runner Runner) *ControllerFactory {
	return &ControllerFactory{opts: opts, binary: binaryPath, runner: runner}
}

// ForMode returns the controller for the given runtime mode.
func (f *ControllerFactory) ForMode(mode Mode) Controller {
	switch mode {
	case ModeContainer:
		return &containerController{name: f.opts.ContainerName, binary: f.binary, runner: f.runner}
	case ModeService:
		return &serviceController{service: f.opts.ServiceName, binary: f.binary, runner: f.runner}
	default:
		return &localController{pidFile: f.opts.PIDFile, binary: f.binary, runner: f.runner}
	}
}

// testFailed applies the data plane's validation contract: a non-zero exit
// or a stderr containing "failed" marks the config invalid.
func testFailed(res CommandResult) bool {
	return res.ExitCode != 0 || strings.Contains(strings.ToLower(res.Stderr), "failed")
}

type containerController struct {
	name   string
	binary string
	runner Runner
}

func (c *containerController) Mode() Mode { return ModeContainer }

func (c *containerController) Reload(ctx context.Context) error {
	return runChecked(ctx, c.runner, "docker", "kill", "--signal", "HUP", c.name)
}

func (c *containerController) Restart(ctx context.Context) error {
	return runChecked(ctx, c.runner, "docker", "restart", c.name)
}

func (c *containerController) Start(ctx context.Context) error {
	return runChecked(ctx, c.runner, "docker", "start", c.name)
}

func (c *containerController) Stop(ctx context.Context) error {
	return runChecked(ctx, c.runner, "docker", "stop", c.name)
}

func (c *containerController) Test(ctx context.Context, configPath string) (TestResult, error) {
	res, err := c.runner.Run(ctx, "docker", "exec", c.name, c.binary, "-test", "-config", configPath)
	if err != nil {
		return TestResult{}, fmt.Errorf("failed to run config test in container: %w", err)
	}
	return TestResult{OK: !testFailed(res), Output: res.Stderr}, nil
}

type serviceController struct {
	service string
	binary  string
	runner  Runner
}

func (c *serviceController) Mode() Mode { return ModeService }

func (c *serviceController) Reload(ctx context.Context) error {
	return runChecked(ctx, c.runner, "systemctl", "reload", c.service)
}

func (c *serviceController) Restart(ctx context.Context) error {
	return runChecked(ctx, c.runner, "systemctl", "restart", c.service)
}

func (c *serviceController) Start(ctx context.Context) error {
	return runChecked(ctx, c.runner, "systemctl", "start", c.service)
}

func (c *serviceController) Stop(ctx context.Context) error {
	return runChecked(ctx, c.runner, "systemctl", "stop", c.service)
}

func (c *serviceController) Test(ctx context.Context, configPath string) (TestResult, error) {
	res, err := c.runner.Run(ctx, c.binary, "-test", "-config", configPath)
	if err != nil {
		return TestResult{}, fmt.Errorf("failed to run config test: %w", err)
	}
	return TestResult{OK: !testFailed(res), Output: res.Stderr}, nil
}

type localController struct {
	pidFile string
	binary  string
	runner  Runner
}

func (c *localController) Mode() Mode { return ModeLocal }

func (c *localController) Reload(ctx context.Context) error {
	pid, err := readPID(c.pidFile)
	if err != nil {
		return err
	}
	return runChecked(ctx, c.runner, "kill", "-HUP", strconv.Itoa(pid))
}

func (c *localController) Restart(ctx context.Context) error {
	if err := c.Stop(ctx); err != nil {
		return err
	}
	return c.Start(ctx)
}

func (c *localController) Start(ctx context.Context) error {
	// Detached start; the process is expected to write its own PID file.
	res, err := c.runner.Run(ctx, "sh", "-c",
		fmt.Sprintf("%s run >/dev/null 2>&1 & echo $! > %s", c.binary, c.pidFile))
	if err != nil {
		return fmt.Errorf("failed to start process: %w", err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("failed to start process: %s", res.Stderr)
	}
	return nil
}

func (c *localController) Stop(ctx context.Context) error {
	pid, err := readPID(c.pidFile)
	if err != nil {
		return err
	}
	return runChecked(ctx, c.runner, "kill", strconv.Itoa(pid))
}

func (c *localController) Test(ctx context.Context, configPath string) (TestResult, error) {
	res, err := c.runner.Run(ctx, c.binary, "-test", "-config", configPath)
	if err != nil {
		return TestResult{}, fmt.Errorf("failed to run config test: %w", err)
	}
	return TestResult{OK: !testFailed(res), Output: res.Stderr}, nil
}

func runChecked(ctx context.Context, runner Runner, name string, args ...string) error {
	res, err := runner.Run(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("%s %s: %w", name, strings.Join(args, " "), err)
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s %s: exit %d: %s", name, strings.Join(args, " "), res.ExitCode, res.Stderr)
	}
	return nil
}

func readPID(pidFile string) (int, error) {
	inspector := Inspector{opts: Options{PIDFile: pidFile}}
	return inspector.ReadPID()
}
