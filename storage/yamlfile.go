package storage

import (
	"context"
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/approvalkit/approval-engine/types"
)

// YAMLDefinitionStore serves workflow definitions from a YAML file
// loaded once at construction. It implements DefinitionStore only;
// definitions in a file are read-only by nature, which matches the
// engine's contract.
type YAMLDefinitionStore struct {
	nodes map[uint64][]types.Node
	edges map[uint64][]types.Edge
}

type yamlDefinitionFile struct {
	Workflows []yamlWorkflow `yaml:"workflows"`
}

type yamlWorkflow struct {
	ID    uint64     `yaml:"id"`
	Nodes []yamlNode `yaml:"nodes"`
	Edges []yamlEdge `yaml:"edges"`
}

type yamlNode struct {
	ID                uint64   `yaml:"id"`
	Label             string   `yaml:"label"`
	RequiredPositions []string `yaml:"required_positions"`
	SLA               string   `yaml:"sla"`
	SortOrder         int      `yaml:"sort_order"`
	IsStart           bool     `yaml:"is_start"`
}

type yamlEdge struct {
	Source    uint64 `yaml:"source"`
	Target    uint64 `yaml:"target"`
	Condition string `yaml:"condition"`
	Priority  int    `yaml:"priority"`
}

// NewYAMLDefinitionStore loads workflow definitions from the given file.
func NewYAMLDefinitionStore(path string) (*YAMLDefinitionStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file %s: %v", path, err)
	}
	return ParseYAMLDefinitions(data)
}

// ParseYAMLDefinitions builds a definition store from raw YAML.
func ParseYAMLDefinitions(data []byte) (*YAMLDefinitionStore, error) {
	var file yamlDefinitionFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %v", err)
	}

	store := &YAMLDefinitionStore{
		nodes: make(map[uint64][]types.Node),
		edges: make(map[uint64][]types.Edge),
	}
	for _, wf := range file.Workflows {
		if wf.ID == 0 {
			return nil, fmt.Errorf("workflow id cannot be zero")
		}
		seen := make(map[uint64]bool)
		for _, n := range wf.Nodes {
			if n.ID == 0 {
				return nil, fmt.Errorf("workflow %d: node id cannot be zero", wf.ID)
			}
			if seen[n.ID] {
				return nil, fmt.Errorf("workflow %d: duplicate node id %d", wf.ID, n.ID)
			}
			seen[n.ID] = true
			store.nodes[wf.ID] = append(store.nodes[wf.ID], types.Node{
				ID:                n.ID,
				WorkflowID:        wf.ID,
				Label:             n.Label,
				RequiredPositions: n.RequiredPositions,
				SLA:               n.SLA,
				SortOrder:         n.SortOrder,
				IsStart:           n.IsStart,
			})
		}
		for _, e := range wf.Edges {
			if !seen[e.Source] {
				return nil, fmt.Errorf("workflow %d: edge references unknown source node %d", wf.ID, e.Source)
			}
			store.edges[wf.ID] = append(store.edges[wf.ID], types.Edge{
				WorkflowID:   wf.ID,
				SourceNodeID: e.Source,
				TargetNodeID: e.Target,
				Condition:    e.Condition,
				Priority:     e.Priority,
			})
		}
		sort.SliceStable(store.nodes[wf.ID], func(i, j int) bool {
			return store.nodes[wf.ID][i].SortOrder < store.nodes[wf.ID][j].SortOrder
		})
	}
	return store, nil
}

// GetNodes returns a workflow's nodes ordered by sort order ascending.
func (s *YAMLDefinitionStore) GetNodes(ctx context.Context, workflowID uint64) ([]types.Node, error) {
	return withContext(ctx, func() ([]types.Node, error) {
		nodes := make([]types.Node, len(s.nodes[workflowID]))
		copy(nodes, s.nodes[workflowID])
		return nodes, nil
	})
}

// GetEdges returns the outgoing edges of a node ordered by priority
// descending.
func (s *YAMLDefinitionStore) GetEdges(ctx context.Context, workflowID, sourceNodeID uint64) ([]types.Edge, error) {
	return withContext(ctx, func() ([]types.Edge, error) {
		var edges []types.Edge
		for _, e := range s.edges[workflowID] {
			if e.SourceNodeID == sourceNodeID {
				edges = append(edges, e)
			}
		}
		sort.SliceStable(edges, func(i, j int) bool {
			return edges[i].Priority > edges[j].Priority
		})
		return edges, nil
	})
}

// GetNode returns a single node of a workflow.
func (s *YAMLDefinitionStore) GetNode(ctx context.Context, workflowID, nodeID uint64) (types.Node, error) {
	return withContext(ctx, func() (types.Node, error) {
		for _, n := range s.nodes[workflowID] {
			if n.ID == nodeID {
				return n, nil
			}
		}
		return types.Node{}, fmt.Errorf("%w: workflow=%d node=%d", ErrNodeNotFound, workflowID, nodeID)
	})
}
