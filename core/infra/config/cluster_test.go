package config

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleTopology = `
nodes:
  - id: 0
    name: alpha
  - id: 1
    name: beta
  - id: 2
links:
  - u: 0
    v: 1
    latency_us: 40
  - u: 1
    v: 2
`

func TestParseTopology(t *testing.T) {
	topo, err := ParseTopology([]byte(sampleTopology))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(topo.Nodes) != 3 || len(topo.Links) != 2 {
		t.Fatalf("unexpected shape: %+v", topo)
	}
	n, ok := topo.Node(1)
	if !ok || n.Name != "beta" {
		t.Fatalf("node lookup failed: %+v", n)
	}
	if _, ok := topo.Node(9); ok {
		t.Fatalf("lookup of unknown node succeeded")
	}
	ids := topo.NodeIDs()
	if len(ids) != 3 || ids[0] != 0 || ids[2] != 2 {
		t.Fatalf("unexpected ids: %v", ids)
	}
}

func TestLinkMatchesBothEndpoints(t *testing.T) {
	topo, err := ParseTopology([]byte(sampleTopology))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	l, ok := topo.Link(0, 1)
	if !ok || l.LatencyUS != 40 {
		t.Fatalf("link lookup failed: %+v", l)
	}
	// either orientation resolves
	if _, ok := topo.Link(2, 1); !ok {
		t.Fatalf("reversed link lookup failed")
	}
	// one matching endpoint is not enough
	if _, ok := topo.Link(0, 2); ok {
		t.Fatalf("link 0-2 should not exist")
	}
}

func TestParseTopologyRejectsBadInput(t *testing.T) {
	cases := map[string]string{
		"empty":         "",
		"no nodes":      "nodes: []",
		"duplicate id":  "nodes:\n  - id: 1\n  - id: 1",
		"negative id":   "nodes:\n  - id: -1",
		"dangling link": "nodes:\n  - id: 0\nlinks:\n  - u: 0\n    v: 5",
		"unknown field": "nodes:\n  - id: 0\n    color: red",
		"not yaml":      ":::",
		"wrong id type": "nodes:\n  - id: zero",
	}
	for name, data := range cases {
		if _, err := ParseTopology([]byte(data)); err == nil {
			t.Fatalf("case %q: expected error", name)
		}
	}
}

func TestLoadTopologyFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cluster.yaml")
	if err := os.WriteFile(path, []byte(sampleTopology), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	topo, err := LoadTopology(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(topo.Nodes) != 3 {
		t.Fatalf("unexpected node count: %d", len(topo.Nodes))
	}
	if _, err := LoadTopology(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
	if _, err := LoadTopology(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
