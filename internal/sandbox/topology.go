// Package sandbox composes the governance services and the workload
// container into an isolated environment whose only route out is the
// egress proxy and the DNS filter.
package sandbox

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Mount is one bind mount into the workload container. The policy store
// mount must be read-only; a write against it fails at the filesystem
// level inside the container.
type Mount struct {
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"read_only"`
}

// NetworkSpec declares one container network. Internal networks have no
// external route.
type NetworkSpec struct {
	Name     string `yaml:"name"`
	Internal bool   `yaml:"internal"`
}

// Topology is the declarative environment description. Its format is owned
// by external packaging tooling; the orchestrator only consumes it.
type Topology struct {
	InternalNetwork NetworkSpec       `yaml:"internal_network"`
	EgressNetwork   NetworkSpec       `yaml:"egress_network"`
	WorkloadImage   string            `yaml:"workload_image"`
	Mounts          []Mount           `yaml:"mounts"`
	Env             map[string]string `yaml:"env"`

	// Governance endpoints injected into the workload. The workload gets
	// no other resolver and no direct route.
	ProxyAddr string `yaml:"proxy_addr"`
	DNSAddr   string `yaml:"dns_addr"`
}

// LoadTopology reads a topology YAML file.
func LoadTopology(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading topology: %w", err)
	}
	var t Topology
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parsing topology: %w", err)
	}
	return &t, t.Validate()
}

// Validate rejects topologies that would leave an uncontrolled route.
func (t *Topology) Validate() error {
	if t.WorkloadImage == "" {
		return fmt.Errorf("topology: workload_image is required")
	}
	if t.InternalNetwork.Name == "" || t.EgressNetwork.Name == "" {
		return fmt.Errorf("topology: both networks must be named")
	}
	if !t.InternalNetwork.Internal {
		return fmt.Errorf("topology: internal network %q must be internal", t.InternalNetwork.Name)
	}
	if t.ProxyAddr == "" || t.DNSAddr == "" {
		return fmt.Errorf("topology: proxy_addr and dns_addr are required")
	}
	return nil
}

// workloadSpec derives the container spec for the workload: proxy env and
// resolver pinned to the governance services, policy mounted read-only.
func (t *Topology) workloadSpec(sessionID string) ContainerSpec {
	env := map[string]string{
		"HTTP_PROXY":  "http://" + t.ProxyAddr,
		"HTTPS_PROXY": "http://" + t.ProxyAddr,
		"NO_PROXY":    "",
	}
	for k, v := range t.Env {
		env[k] = v
	}
	return ContainerSpec{
		Name:     "aegis-workload-" + sessionID,
		Image:    t.WorkloadImage,
		Networks: []string{t.InternalNetwork.Name, t.EgressNetwork.Name},
		DNS:      t.DNSAddr,
		Env:      env,
		Mounts:   t.Mounts,
	}
}
