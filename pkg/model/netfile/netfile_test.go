// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package netfile

import (
	"bytes"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func TestDemoClassifier(t *testing.T) {
	g := DemoClassifier(42)
	require.NoError(t, g.Validate())
	require.Equal(t, []string{DemoInputName}, g.Inputs())
	require.Equal(t, []string{DemoOutputName}, g.Outputs())
	require.Equal(t, []dtypes.DType{dtypes.Float32, dtypes.Float16}, g.InitializerDTypes())

	outputs, err := g.OutputShapes(map[string][]int{DemoInputName: {5, 3, DemoImageSize, DemoImageSize}})
	require.NoError(t, err)
	require.Equal(t, []shapes.Shape{shapes.Make(dtypes.Float32, 5, DemoNumClasses)}, outputs)

	// Deterministic for the same seed.
	g2 := DemoClassifier(42)
	require.Equal(t, g.Tensor("stem.w").Data, g2.Tensor("stem.w").Data)
	g3 := DemoClassifier(43)
	require.NotEqual(t, g.Tensor("stem.w").Data, g3.Tensor("stem.w").Data)
}

func TestRoundTrip(t *testing.T) {
	g := DemoClassifier(7)
	path := filepath.Join(t.TempDir(), "demo"+Extension)
	require.NoError(t, Write(path, g))

	loaded, err := Read(path)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	require.Equal(t, g.Name, loaded.Name)
	require.Equal(t, g.Inputs(), loaded.Inputs())
	require.Equal(t, g.Outputs(), loaded.Outputs())
	if diff := cmp.Diff(g.Nodes(), loaded.Nodes()); diff != "" {
		t.Fatalf("nodes differ after round trip (-want +got):\n%s", diff)
	}
	// Initializers are stored apart from the nodes, so the order of definition of tensors changes.
	byName := func(g *network.Graph) map[string]*network.Tensor {
		m := make(map[string]*network.Tensor)
		for _, t := range g.Tensors() {
			m[t.Name] = t
		}
		return m
	}
	if diff := cmp.Diff(byName(g), byName(loaded)); diff != "" {
		t.Fatalf("tensors differ after round trip (-want +got):\n%s", diff)
	}
}

func TestSafetensorsLayout(t *testing.T) {
	g := network.New("layout")
	require.NoError(t, g.AddInput("x", shapes.Make(dtypes.Float32, shapes.DimDynamic, 2)))
	require.NoError(t, g.AddInitializer("w", shapes.Make(dtypes.Float32, 2, 2), Float32Bytes([]float32{1, 2, 3, 4})))
	require.NoError(t, g.AddNode(&network.Node{Name: "mm", Op: network.OpGemm, Inputs: []string{"x", "w"}, Outputs: []string{"y"}}))
	g.MarkOutput("y")

	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, g))
	data := buf.Bytes()
	headerLen := binary.LittleEndian.Uint64(data[:8])
	require.Zero(t, headerLen%8)
	require.Len(t, data, 8+int(headerLen)+16)
	require.Contains(t, string(data[8:8+headerLen]), `"w":{"dtype":"F32","shape":[2,2],"data_offsets":[0,16]}`)
	require.Equal(t, Float32Bytes([]float32{1, 2, 3, 4}), data[8+headerLen:])
}

func TestDecodeErrors(t *testing.T) {
	encode := func(header string, payload []byte) []byte {
		for len(header)%8 != 0 {
			header += " "
		}
		var buf bytes.Buffer
		var lenBuf [8]byte
		binary.LittleEndian.PutUint64(lenBuf[:], uint64(len(header)))
		buf.Write(lenBuf[:])
		buf.WriteString(header)
		buf.Write(payload)
		return buf.Bytes()
	}
	const validNetwork = `"{\"name\":\"n\",\"inputs\":[{\"name\":\"x\",\"dtype\":\"F32\",\"dims\":[-1,2]}],\"outputs\":[\"x\"],\"nodes\":[]}"`
	testCases := []struct {
		name string
		data []byte
	}{
		{"truncated", []byte{1, 2, 3}},
		{"not_json", encode("{{{", nil)},
		{"wrong_format", encode(`{"__metadata__":{"format":"pt"}}`, nil)},
		{"bad_network_json", encode(`{"__metadata__":{"format":"dynbatch","network":"{"}}`, nil)},
		{"bad_dtype", encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`},`+
			`"w":{"dtype":"I64","shape":[1],"data_offsets":[0,8]}}`, make([]byte, 8))},
		{"size_mismatch", encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`},`+
			`"w":{"dtype":"F32","shape":[3],"data_offsets":[0,8]}}`, make([]byte, 8))},
		{"not_contiguous", encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`},`+
			`"w":{"dtype":"F32","shape":[1],"data_offsets":[4,8]}}`, make([]byte, 8))},
		{"missing_data", encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`},`+
			`"w":{"dtype":"F32","shape":[4],"data_offsets":[0,16]}}`, make([]byte, 8))},
		{"null_metadata", encode(`{"__metadata__":null}`, nil)},
		{"null_entry", encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`},"w":null}`, nil)},
		{"huge_initializer", encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`},`+
			`"w":{"dtype":"F32","shape":[1125899906842624],"data_offsets":[0,4503599627370496]}}`, make([]byte, 8))},
		{"overflowing_shape", encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`},`+
			`"w":{"dtype":"F32","shape":[4294967296,4294967296],"data_offsets":[0,8]}}`, make([]byte, 8))},
		{"offsets_beyond_int64", encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`},`+
			`"w":{"dtype":"F32","shape":[1],"data_offsets":[0,18446744073709551615]}}`, make([]byte, 8))},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.NotPanics(t, func() {
				_, err := Decode(bytes.NewReader(tc.data))
				require.Error(t, err)
			})
			path := filepath.Join(t.TempDir(), tc.name+Extension)
			require.NoError(t, os.WriteFile(path, tc.data, 0o644))
			require.NotPanics(t, func() {
				_, err := Read(path)
				require.Error(t, err)
			})
		})
	}

	// Sanity check of the valid header used above.
	g, err := Decode(bytes.NewReader(encode(`{"__metadata__":{"format":"dynbatch","network":`+validNetwork+`}}`, nil)))
	require.NoError(t, err)
	require.Equal(t, []int{shapes.DimDynamic, 2}, g.Tensor("x").Shape.Dimensions)
}

func TestReadMissingFile(t *testing.T) {
	_, err := Read(filepath.Join(t.TempDir(), "missing"+Extension))
	require.Error(t, err)
}
