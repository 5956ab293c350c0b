// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package network defines Graph, the in-memory representation of a neural network description:
// a named list of tensors and operator nodes, with designated input and output tensors.
//
// A Graph is produced by a model compiler adapter (see package netfile), validated with
// Graph.Validate, and then handed to the engine builder, which treats it as read-only.
//
// Input tensors may have dynamic axes (shapes.DimDynamic), usually the leading batch axis.
// Intermediate and output tensors have no declared shape: their dimensions are inferred from
// concrete input dimensions with Graph.InferShapes.
package network

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

// ErrInvalidGraph is wrapped by all structural validation errors.
var ErrInvalidGraph = errors.New("invalid network graph")

// TensorKind classifies the tensors of a Graph.
type TensorKind int

const (
	// Intermediate tensors are produced by a node.
	Intermediate TensorKind = iota

	// Input tensors are fed at execution time.
	Input

	// Initializer tensors are constants (weights) stored with the graph.
	Initializer
)

// String implements fmt.Stringer.
func (k TensorKind) String() string {
	switch k {
	case Intermediate:
		return "Intermediate"
	case Input:
		return "Input"
	case Initializer:
		return "Initializer"
	default:
		return fmt.Sprintf("TensorKind(%d)", int(k))
	}
}

// Tensor is a named value in the graph.
type Tensor struct {
	Name string
	Kind TensorKind

	// Shape is only defined for Input and Initializer tensors. Input shapes may have dynamic axes.
	Shape shapes.Shape

	// Data holds the raw little-endian contents of Initializer tensors, with Shape.Memory() bytes.
	Data []byte
}

// Node is one operator application.
type Node struct {
	Name       string
	Op         OpType
	Inputs     []string
	Outputs    []string
	Attributes map[string]Attribute
}

// Attribute of a node: a list of integers or a list of floats.
type Attribute struct {
	Ints   []int     `json:"ints,omitempty"`
	Floats []float64 `json:"floats,omitempty"`
}

// Graph is a network description.
type Graph struct {
	Name string

	tensors  []*Tensor
	byName   map[string]*Tensor
	producer map[string]*Node
	nodes    []*Node
	inputs   []string
	outputs  []string

	// order is the topologically sorted list of nodes, filled by Validate.
	order []*Node
}

// New creates an empty graph with the given name.
func New(name string) *Graph {
	return &Graph{
		Name:     name,
		byName:   make(map[string]*Tensor),
		producer: make(map[string]*Node),
	}
}

func (g *Graph) addTensor(t *Tensor) error {
	if t.Name == "" {
		return errors.Wrapf(ErrInvalidGraph, "graph %q: tensor with empty name", g.Name)
	}
	if _, found := g.byName[t.Name]; found {
		return errors.Wrapf(ErrInvalidGraph, "graph %q: tensor %q defined more than once", g.Name, t.Name)
	}
	g.tensors = append(g.tensors, t)
	g.byName[t.Name] = t
	g.order = nil
	return nil
}

// AddInput declares an input tensor. Use shapes.DimDynamic for axes chosen at execution time.
func (g *Graph) AddInput(name string, shape shapes.Shape) error {
	if !shape.Ok() {
		return errors.Wrapf(ErrInvalidGraph, "graph %q: input %q has invalid shape", g.Name, name)
	}
	if err := g.addTensor(&Tensor{Name: name, Kind: Input, Shape: shape.Clone()}); err != nil {
		return err
	}
	g.inputs = append(g.inputs, name)
	return nil
}

// AddInitializer declares a constant tensor with the given raw little-endian contents.
func (g *Graph) AddInitializer(name string, shape shapes.Shape, data []byte) error {
	if !shape.Ok() || shape.IsDynamic() {
		return errors.Wrapf(ErrInvalidGraph, "graph %q: initializer %q has invalid shape %s", g.Name, name, shape)
	}
	if uintptr(len(data)) != shape.Memory() {
		return errors.Wrapf(ErrInvalidGraph, "graph %q: initializer %q of shape %s requires %d bytes, got %d",
			g.Name, name, shape, shape.Memory(), len(data))
	}
	return g.addTensor(&Tensor{Name: name, Kind: Initializer, Shape: shape.Clone(), Data: data})
}

// AddNode appends an operator node. Its outputs become new intermediate tensors.
func (g *Graph) AddNode(node *Node) error {
	if len(node.Outputs) == 0 {
		return errors.Wrapf(ErrInvalidGraph, "graph %q: node %q (%s) has no outputs", g.Name, node.Name, node.Op)
	}
	for _, output := range node.Outputs {
		if prev, found := g.producer[output]; found {
			return errors.Wrapf(ErrInvalidGraph, "graph %q: tensor %q produced by both node %q and node %q",
				g.Name, output, prev.Name, node.Name)
		}
		if err := g.addTensor(&Tensor{Name: output, Kind: Intermediate}); err != nil {
			return err
		}
		g.producer[output] = node
	}
	g.nodes = append(g.nodes, node)
	return nil
}

// MarkOutput designates a tensor as a graph output.
func (g *Graph) MarkOutput(name string) {
	g.outputs = append(g.outputs, name)
	g.order = nil
}

// SetInputDimensions redefines the dimensions of an input, typically to turn a static batch axis into
// a dynamic one (shapes.DimDynamic) on models exported with a fixed batch size.
func (g *Graph) SetInputDimensions(name string, dims ...int) error {
	t, found := g.byName[name]
	if !found || t.Kind != Input {
		return errors.Errorf("graph %q has no input named %q", g.Name, name)
	}
	if len(dims) != t.Shape.Rank() {
		return errors.Errorf("graph %q: input %q has rank %d, cannot set dimensions %s",
			g.Name, name, t.Shape.Rank(), shapes.DimsString(dims))
	}
	for _, dim := range dims {
		if dim <= 0 && dim != shapes.DimDynamic {
			return errors.Errorf("graph %q: invalid dimensions %v for input %q", g.Name, dims, name)
		}
	}
	t.Shape = t.Shape.WithDimensions(dims...)
	return nil
}

// Tensor returns the tensor with the given name, or nil if not found.
func (g *Graph) Tensor(name string) *Tensor { return g.byName[name] }

// Tensors returns all tensors in order of definition.
func (g *Graph) Tensors() []*Tensor { return g.tensors }

// Nodes returns the nodes in the order they were added.
func (g *Graph) Nodes() []*Node { return g.nodes }

// Inputs returns the names of the input tensors, in order of declaration.
func (g *Graph) Inputs() []string { return g.inputs }

// Outputs returns the names of the output tensors, in order of declaration.
func (g *Graph) Outputs() []string { return g.outputs }

// Producer returns the node that produces the given tensor, or nil for inputs and initializers.
func (g *Graph) Producer(name string) *Node { return g.producer[name] }

// HasDynamicInputs returns whether any input has a dynamic axis.
func (g *Graph) HasDynamicInputs() bool {
	for _, name := range g.inputs {
		if g.byName[name].Shape.IsDynamic() {
			return true
		}
	}
	return false
}

// Validate checks the structure of the graph:
//
//   - at least one input and one output;
//   - every node input references an existing tensor (no dangling tensors);
//   - operators are known and have the right number of inputs;
//   - outputs exist and are produced by some node or are inputs;
//   - no cycles.
//
// On success it stores the topological order of the nodes, see Order.
// All errors wrap ErrInvalidGraph.
func (g *Graph) Validate() error {
	if len(g.inputs) == 0 {
		return errors.Wrapf(ErrInvalidGraph, "graph %q has no inputs", g.Name)
	}
	if len(g.outputs) == 0 {
		return errors.Wrapf(ErrInvalidGraph, "graph %q has no outputs", g.Name)
	}
	for _, node := range g.nodes {
		if err := node.checkArity(); err != nil {
			return errors.Wrapf(ErrInvalidGraph, "graph %q: %v", g.Name, err)
		}
		for _, input := range node.Inputs {
			if input == "" {
				// Optional input omitted.
				continue
			}
			if _, found := g.byName[input]; !found {
				return errors.Wrapf(ErrInvalidGraph, "graph %q: node %q (%s) reads dangling tensor %q",
					g.Name, node.Name, node.Op, input)
			}
		}
	}
	seen := make(map[string]bool, len(g.outputs))
	for _, output := range g.outputs {
		t, found := g.byName[output]
		if !found {
			return errors.Wrapf(ErrInvalidGraph, "graph %q: output %q is not defined", g.Name, output)
		}
		if t.Kind == Initializer {
			return errors.Wrapf(ErrInvalidGraph, "graph %q: output %q is a constant initializer", g.Name, output)
		}
		if seen[output] {
			return errors.Wrapf(ErrInvalidGraph, "graph %q: output %q marked more than once", g.Name, output)
		}
		seen[output] = true
	}
	order, err := g.topologicalOrder()
	if err != nil {
		return err
	}
	g.order = order
	return nil
}

// topologicalOrder sorts nodes with Kahn's algorithm, keeping the order of definition among ready nodes.
func (g *Graph) topologicalOrder() ([]*Node, error) {
	pending := make(map[*Node]int, len(g.nodes))
	consumers := make(map[string][]*Node)
	for _, node := range g.nodes {
		count := 0
		for _, input := range node.Inputs {
			if input == "" || g.producer[input] == nil {
				continue
			}
			count++
			consumers[input] = append(consumers[input], node)
		}
		pending[node] = count
	}
	var ready []*Node
	for _, node := range g.nodes {
		if pending[node] == 0 {
			ready = append(ready, node)
		}
	}
	order := make([]*Node, 0, len(g.nodes))
	for len(ready) > 0 {
		node := ready[0]
		ready = ready[1:]
		order = append(order, node)
		for _, output := range node.Outputs {
			for _, consumer := range consumers[output] {
				pending[consumer]--
				if pending[consumer] == 0 {
					ready = append(ready, consumer)
				}
			}
		}
	}
	if len(order) != len(g.nodes) {
		var stuck []string
		for _, node := range g.nodes {
			if pending[node] > 0 {
				stuck = append(stuck, node.Name)
			}
		}
		return nil, errors.Wrapf(ErrInvalidGraph, "graph %q has a cycle involving nodes %s",
			g.Name, strings.Join(stuck, ", "))
	}
	return order, nil
}

// Order returns the nodes in topological order. It is only available after a successful Validate,
// it returns nil otherwise.
func (g *Graph) Order() []*Node { return g.order }

// LastUses returns, for every intermediate tensor, the index (in Order) of the last node that reads it.
// Graph outputs are never released, so they are mapped to len(Order()).
func (g *Graph) LastUses() map[string]int {
	lastUse := make(map[string]int)
	for ii, node := range g.order {
		for _, input := range node.Inputs {
			if t := g.byName[input]; t != nil && t.Kind == Intermediate {
				lastUse[input] = ii
			}
		}
		for _, output := range node.Outputs {
			if _, found := lastUse[output]; !found {
				// Produced but never read: dead right after the node.
				lastUse[output] = ii
			}
		}
	}
	for _, output := range g.outputs {
		lastUse[output] = len(g.order)
	}
	return lastUse
}

// String returns a multi-line summary of the graph.
func (g *Graph) String() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Graph %q: %d tensors, %d nodes\n", g.Name, len(g.tensors), len(g.nodes))
	for _, name := range g.inputs {
		_, _ = fmt.Fprintf(&sb, "  input  %s %s\n", name, g.byName[name].Shape)
	}
	for _, name := range g.outputs {
		_, _ = fmt.Fprintf(&sb, "  output %s\n", name)
	}
	return sb.String()
}

// NumParameters returns the total number of elements in initializers.
func (g *Graph) NumParameters() (count int) {
	for _, t := range g.tensors {
		if t.Kind == Initializer {
			count += t.Shape.Size()
		}
	}
	return
}

// InitializerDTypes returns the sorted list of distinct dtypes used by initializers.
func (g *Graph) InitializerDTypes() []dtypes.DType {
	var result []dtypes.DType
	for _, t := range g.tensors {
		if t.Kind == Initializer && !slices.Contains(result, t.Shape.DType) {
			result = append(result, t.Shape.DType)
		}
	}
	slices.Sort(result)
	return result
}
