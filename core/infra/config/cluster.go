package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// NodeConfig describes one participating node.
type NodeConfig struct {
	ID   int    `yaml:"id" json:"id"`
	Name string `yaml:"name,omitempty" json:"name,omitempty"`
}

// LinkConfig describes one interconnect edge between two nodes.
type LinkConfig struct {
	U         int `yaml:"u" json:"u"`
	V         int `yaml:"v" json:"v"`
	LatencyUS int `yaml:"latency_us,omitempty" json:"latency_us,omitempty"`
}

// Topology is the declared cluster shape: the node population plus
// optional interconnect links.
type Topology struct {
	Nodes []NodeConfig `yaml:"nodes"`
	Links []LinkConfig `yaml:"links,omitempty"`
}

// ParseTopology parses and validates topology data from YAML bytes.
func ParseTopology(data []byte) (*Topology, error) {
	if len(data) == 0 {
		return nil, errors.New("cluster config is empty")
	}
	if err := validateConfigSchema("cluster", clusterSchemaFile, data); err != nil {
		return nil, err
	}
	var topo Topology
	if err := yaml.Unmarshal(data, &topo); err != nil {
		return nil, fmt.Errorf("parse cluster config: %w", err)
	}
	if len(topo.Nodes) == 0 {
		return nil, errors.New("cluster config has no nodes")
	}
	seen := make(map[int]bool, len(topo.Nodes))
	for _, n := range topo.Nodes {
		if n.ID < 0 {
			return nil, fmt.Errorf("negative node id %d", n.ID)
		}
		if seen[n.ID] {
			return nil, fmt.Errorf("duplicate node id %d", n.ID)
		}
		seen[n.ID] = true
	}
	for _, l := range topo.Links {
		if !seen[l.U] || !seen[l.V] {
			return nil, fmt.Errorf("link %d-%d references an unknown node", l.U, l.V)
		}
	}
	return &topo, nil
}

// LoadTopology reads and parses a cluster topology YAML file.
func LoadTopology(path string) (*Topology, error) {
	if path == "" {
		return nil, errors.New("cluster config path is empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read cluster config: %w", err)
	}
	return ParseTopology(data)
}

// Node returns the declared node with the given id.
func (t *Topology) Node(id int) (NodeConfig, bool) {
	for _, n := range t.Nodes {
		if n.ID == id {
			return n, true
		}
	}
	return NodeConfig{}, false
}

// Link returns the interconnect edge between u and v, in either
// orientation. Both endpoints must match.
func (t *Topology) Link(u, v int) (LinkConfig, bool) {
	for _, l := range t.Links {
		if (l.U == u && l.V == v) || (l.U == v && l.V == u) {
			return l, true
		}
	}
	return LinkConfig{}, false
}

// NodeIDs returns the declared node ids in file order.
func (t *Topology) NodeIDs() []int {
	out := make([]int, 0, len(t.Nodes))
	for _, n := range t.Nodes {
		out = append(out, n.ID)
	}
	return out
}
