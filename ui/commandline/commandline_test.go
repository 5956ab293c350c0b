// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package commandline

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "1.23ms", FormatDuration(1234567*time.Nanosecond))
	assert.Equal(t, "2.00s", FormatDuration(2*time.Second))
	assert.Equal(t, "1m30s", FormatDuration(90*time.Second))
	assert.Equal(t, "10.0/s", Throughput(5, 500*time.Millisecond))
	assert.Equal(t, "-", Throughput(5, 0))
}

func TestTopK(t *testing.T) {
	probs := []float32{
		0.1, 0.6, 0.3,
		0.5, 0.2, 0.3}
	top := TopK(probs, 3, 2)
	require.Equal(t, [][]Prediction{
		{{Class: 1, Probability: 0.6}, {Class: 2, Probability: 0.3}},
		{{Class: 0, Probability: 0.5}, {Class: 2, Probability: 0.3}},
	}, top)
	require.Len(t, TopK(probs, 3, 10)[0], 3)

	table := PredictionsTable(top, []string{"cat.jpg"})
	require.Contains(t, table, "cat.jpg")
	require.Contains(t, table, "#1")
	require.Contains(t, table, "60.00%")
}

func TestBuildProgress(t *testing.T) {
	var buf bytes.Buffer
	p := NewBuildProgress(&buf)
	progress := p.Func()
	for ii := range 3 {
		progress(ii+1, 3, "node")
	}
	p.Close()
	p.Close()
	require.Contains(t, buf.String(), "Building")
}
