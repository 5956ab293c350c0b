// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package commandline contains convenience UI tools for the command line: a progress bar for engine
// builds and tables summarizing engines and predictions.
package commandline

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/dynbatch/pkg/engine"
)

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	headerStyle       = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	tableBorderColor  = "#705090"
)

func newTable(headers ...string) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == lgtable.HeaderRow {
				return headerStyle
			}
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
}

// EngineTable returns a table with the bindings of the engine and their supported ranges.
func EngineTable(e *engine.Engine) string {
	table := newTable("Binding", "Kind", "Shape", "Min", "Opt", "Max", "Max memory")
	for _, b := range e.Bindings() {
		kind := "output"
		if b.IsInput {
			kind = "input"
		}
		table.Row(b.Name, kind, b.Shape.String(), shapes.DimsString(b.Range.Min), shapes.DimsString(b.Range.Opt),
			shapes.DimsString(b.Range.Max), humanize.IBytes(uint64(b.MaxMemory())))
	}
	return table.String()
}

// TacticsTable returns a table with the kernels selected for each node of the engine.
func TacticsTable(e *engine.Engine) string {
	table := newTable("Node", "Op", "Tactic", "Time")
	for _, tactic := range e.Tactics() {
		timing := "-"
		if tactic.Time > 0 {
			timing = FormatDuration(tactic.Time)
		}
		table.Row(tactic.Node, string(tactic.Op), tactic.Name, timing)
	}
	return table.String()
}

// Prediction is a class index and its probability.
type Prediction struct {
	Class       int
	Probability float32
}

// TopK returns the k most probable classes of each row of probs, which holds batch rows of numClasses
// values.
func TopK(probs []float32, numClasses, k int) [][]Prediction {
	batch := len(probs) / numClasses
	k = min(k, numClasses)
	results := make([][]Prediction, batch)
	for row := range batch {
		predictions := make([]Prediction, numClasses)
		for class, p := range probs[row*numClasses : (row+1)*numClasses] {
			predictions[class] = Prediction{Class: class, Probability: p}
		}
		slices.SortStableFunc(predictions, func(a, b Prediction) int {
			return cmp.Compare(b.Probability, a.Probability)
		})
		results[row] = predictions[:k]
	}
	return results
}

// PredictionsTable returns a table with the top predictions of each example. labels are optional:
// if nil, the index of the example is used.
func PredictionsTable(predictions [][]Prediction, labels []string) string {
	table := newTable("Example", "Rank", "Class", "Probability")
	for row, top := range predictions {
		label := fmt.Sprintf("#%d", row)
		if row < len(labels) {
			label = labels[row]
		}
		for rank, p := range top {
			if rank > 0 {
				label = ""
			}
			table.Row(label, fmt.Sprintf("%d", rank+1), fmt.Sprintf("%d", p.Class), fmt.Sprintf("%.2f%%", 100*p.Probability))
		}
	}
	return table.String()
}
