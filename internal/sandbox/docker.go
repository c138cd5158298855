package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// DockerRuntime drives the container engine through the docker CLI. No
// daemon API dependency: the CLI is the one interface guaranteed present
// wherever the images themselves can run.
type DockerRuntime struct {
	logger *slog.Logger
}

// NewDockerRuntime returns a CLI-backed runtime.
func NewDockerRuntime(logger *slog.Logger) *DockerRuntime {
	return &DockerRuntime{logger: logger}
}

func (d *DockerRuntime) CreateNetwork(ctx context.Context, spec NetworkSpec) error {
	args := []string{"network", "create"}
	if spec.Internal {
		args = append(args, "--internal")
	}
	args = append(args, spec.Name)
	if out, err := d.run(ctx, args...); err != nil {
		return fmt.Errorf("creating network %s: %w: %s", spec.Name, err, out)
	}
	return nil
}

func (d *DockerRuntime) RemoveNetwork(ctx context.Context, name string) error {
	if out, err := d.run(ctx, "network", "rm", name); err != nil {
		return fmt.Errorf("removing network %s: %w: %s", name, err, out)
	}
	return nil
}

func (d *DockerRuntime) StartContainer(ctx context.Context, spec ContainerSpec) (Handle, error) {
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
	}
	if spec.DNS != "" {
		host, _, found := strings.Cut(spec.DNS, ":")
		if !found {
			host = spec.DNS
		}
		args = append(args, "--dns", host)
	}
	if len(spec.Networks) > 0 {
		args = append(args, "--network", spec.Networks[0])
	}
	for k, v := range spec.Env {
		args = append(args, "--env", k+"="+v)
	}
	for _, m := range spec.Mounts {
		bind := m.Source + ":" + m.Target
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	args = append(args, spec.Image)

	out, err := d.run(ctx, args...)
	if err != nil {
		return "", fmt.Errorf("starting container %s: %w: %s", spec.Name, err, out)
	}

	// Containers can only join one network at run time; connect the rest.
	for _, net := range spec.Networks[1:] {
		if out, err := d.run(ctx, "network", "connect", net, spec.Name); err != nil {
			d.StopContainer(ctx, Handle(spec.Name))
			return "", fmt.Errorf("connecting %s to %s: %w: %s", spec.Name, net, err, out)
		}
	}
	return Handle(spec.Name), nil
}

// StopContainer force-removes the container. Removal by name is the
// safety net against a handle leaking when the daemon restarts mid-stop.
func (d *DockerRuntime) StopContainer(ctx context.Context, h Handle) error {
	out, err := d.run(ctx, "rm", "-f", string(h))
	if err != nil && !strings.Contains(out, "No such container") {
		return fmt.Errorf("removing container %s: %w: %s", h, err, out)
	}
	return nil
}

func (d *DockerRuntime) ContainerStatus(ctx context.Context, h Handle) (Status, error) {
	out, err := d.run(ctx, "inspect", "-f", "{{.State.Status}}", string(h))
	if err != nil {
		if strings.Contains(out, "No such") {
			return StatusUnknown, nil
		}
		return StatusUnknown, fmt.Errorf("inspecting container %s: %w", h, err)
	}
	switch strings.TrimSpace(out) {
	case "running":
		return StatusRunning, nil
	case "exited", "dead":
		return StatusExited, nil
	default:
		return StatusUnknown, nil
	}
}

func (d *DockerRuntime) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(ctx, "docker", args...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	if err != nil {
		d.logger.Debug("docker command failed", "args", args, "output", buf.String())
	}
	return buf.String(), err
}
