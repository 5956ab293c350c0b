// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package netfile reads and writes network descriptions (".dbnet" files) into network.Graph.
//
// The file layout is compatible with ".safetensors": an 8 bytes little-endian header length,
// followed by a JSON header mapping each initializer name to its dtype, shape and data offsets,
// followed by the raw data of the initializers. The header's "__metadata__" entry holds
// the format name ("dynbatch") and the JSON description of the network (inputs, outputs and nodes).
//
// So a ".dbnet" file can be inspected with any safetensors tool: the weights show up as tensors.
package netfile

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"slices"

	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Extension used by convention for network description files.
const Extension = ".dbnet"

// FormatName is the value of metadata["format"] in a ".dbnet" file.
const FormatName = "dynbatch"

const metadataKey = "__metadata__"

// dtypeNames maps the safetensors dtype names to the supported dtypes.
var dtypeNames = map[string]dtypes.DType{
	"F32": dtypes.Float32,
	"F16": dtypes.Float16,
}

func dtypeName(dtype dtypes.DType) (string, bool) {
	for name, candidate := range dtypeNames {
		if candidate == dtype {
			return name, true
		}
	}
	return "", false
}

// headerEntry is either a tensor entry or, for metadataKey, the global metadata.
type headerEntry struct {
	// Format and Network are only present in the metadataKey entry.
	Format  string `json:"format,omitempty"`
	Network string `json:"network,omitempty"`

	DTypeName  string   `json:"dtype,omitempty"`
	Dimensions []int    `json:"shape,omitempty"`
	Offsets    []uint64 `json:"data_offsets,omitempty"`

	// Name is filled later, with the key of the entry.
	Name string `json:"-"`
}

// description is the JSON stored in metadata["network"].
type description struct {
	Name    string            `json:"name"`
	Inputs  []inputDesc       `json:"inputs"`
	Outputs []string          `json:"outputs"`
	Nodes   []nodeDescription `json:"nodes"`
}

type inputDesc struct {
	Name       string `json:"name"`
	DType      string `json:"dtype"`
	Dimensions []int  `json:"dims"`
}

type nodeDescription struct {
	Name       string                       `json:"name"`
	Op         network.OpType               `json:"op"`
	Inputs     []string                     `json:"inputs"`
	Outputs    []string                     `json:"outputs"`
	Attributes map[string]network.Attribute `json:"attributes,omitempty"`
}

// Read parses the network description file at path.
//
// The returned graph is not yet validated, see network.Graph.Validate.
func Read(path string) (*network.Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open network file")
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return nil, errors.Wrapf(err, "failed to stat network file %q", path)
	}
	g, err := decode(bufio.NewReader(f), info.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "reading network file %q", path)
	}
	klog.V(1).Infof("netfile: read %q: %d nodes, %d parameters", path, len(g.Nodes()), g.NumParameters())
	return g, nil
}

// Decode a network description from r.
func Decode(r io.Reader) (*network.Graph, error) {
	return decode(r, -1)
}

// decode reads a network description from r. If fileSize >= 0, the data offsets are checked
// against it before reading any initializer.
func decode(r io.Reader, fileSize int64) (*network.Graph, error) {
	var headerLenBuf [8]byte
	if _, err := io.ReadFull(r, headerLenBuf[:]); err != nil {
		return nil, errors.Wrapf(err, "failed to read header length")
	}
	headerLen := binary.LittleEndian.Uint64(headerLenBuf[:])
	const maxHeaderLen = 100 << 20
	if headerLen == 0 || headerLen > maxHeaderLen {
		return nil, errors.Errorf("invalid header length %d", headerLen)
	}
	headerBuf := make([]byte, headerLen)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, errors.Wrapf(err, "failed to read header")
	}
	var header map[string]*headerEntry
	if err := json.Unmarshal(headerBuf, &header); err != nil {
		return nil, errors.Wrapf(err, "failed to parse json from header")
	}

	globalMetadata, found := header[metadataKey]
	if !found || globalMetadata == nil || globalMetadata.Format != FormatName {
		return nil, errors.Errorf("unknown format: expected %q in header[%q][\"format\"]", FormatName, metadataKey)
	}
	var desc description
	if err := json.Unmarshal([]byte(globalMetadata.Network), &desc); err != nil {
		return nil, errors.Wrapf(err, "failed to parse network description in header[%q][\"network\"]", metadataKey)
	}

	// Sort initializers by their offsets, and check they are contiguous.
	entries := make([]*headerEntry, 0, len(header)-1)
	for name, entry := range header {
		if name == metadataKey {
			continue
		}
		if entry == nil {
			return nil, errors.Errorf("header[%q] is null, expected dtype, shape and data_offsets", name)
		}
		entry.Name = name
		if len(entry.Offsets) != 2 || entry.Offsets[1] < entry.Offsets[0] {
			return nil, errors.Errorf("header[%q][\"data_offsets\"] invalid, expected [start, end] but got %v",
				name, entry.Offsets)
		}
		entries = append(entries, entry)
	}
	slices.SortFunc(entries, func(a, b *headerEntry) int {
		if a.Offsets[0] < b.Offsets[0] {
			return -1
		} else if a.Offsets[0] > b.Offsets[0] {
			return 1
		}
		return 0
	})
	var lastOffset uint64
	for _, entry := range entries {
		if entry.Offsets[0] != lastOffset {
			return nil, errors.Errorf("header[%q][\"data_offsets\"] not contiguous: expected start %d, got %d",
				entry.Name, lastOffset, entry.Offsets[0])
		}
		lastOffset = entry.Offsets[1]
	}
	if lastOffset > math.MaxInt64 {
		return nil, errors.Errorf("data_offsets end at %d, larger than any file", lastOffset)
	}
	if fileSize >= 0 {
		available := max(fileSize-8-int64(headerLen), 0)
		if int64(lastOffset) > available {
			return nil, errors.Errorf("data_offsets end at %d, but the file only holds %d bytes of data",
				lastOffset, available)
		}
	}

	g := network.New(desc.Name)
	for _, input := range desc.Inputs {
		dtype, found := dtypeNames[input.DType]
		if !found {
			return nil, errors.Errorf("input %q has unsupported dtype %q", input.Name, input.DType)
		}
		for _, dim := range input.Dimensions {
			if dim <= 0 && dim != shapes.DimDynamic {
				return nil, errors.Errorf("input %q has invalid dimensions %v", input.Name, input.Dimensions)
			}
		}
		if err := g.AddInput(input.Name, shapes.Make(dtype, input.Dimensions...)); err != nil {
			return nil, err
		}
	}
	for _, entry := range entries {
		dtype, found := dtypeNames[entry.DTypeName]
		if !found {
			return nil, errors.Errorf("unsupported dtype %q in header[%q][\"dtype\"]", entry.DTypeName, entry.Name)
		}
		memory := uint64(dtype.Memory())
		for _, dim := range entry.Dimensions {
			if dim <= 0 {
				return nil, errors.Errorf("initializer %q has invalid dimensions %v", entry.Name, entry.Dimensions)
			}
			if memory > math.MaxInt64/uint64(dim) {
				return nil, errors.Errorf("initializer %q has dimensions %v too large", entry.Name, entry.Dimensions)
			}
			memory *= uint64(dim)
		}
		shape := shapes.Make(dtype, entry.Dimensions...)
		size := entry.Offsets[1] - entry.Offsets[0]
		if size != memory {
			return nil, errors.Errorf("initializer %q of shape %s requires %d bytes, but header[%q][\"data_offsets\"] "+
				"reserves %d bytes", entry.Name, shape, memory, entry.Name, size)
		}
		// Grows with the data actually read, not with the declared size.
		var data bytes.Buffer
		if _, err := io.CopyN(&data, r, int64(size)); err != nil {
			return nil, errors.Wrapf(err, "initializer %q: failed to read %d bytes", entry.Name, size)
		}
		if err := g.AddInitializer(entry.Name, shape, data.Bytes()); err != nil {
			return nil, err
		}
	}
	for _, nd := range desc.Nodes {
		node := &network.Node{Name: nd.Name, Op: nd.Op, Inputs: nd.Inputs, Outputs: nd.Outputs, Attributes: nd.Attributes}
		if err := g.AddNode(node); err != nil {
			return nil, err
		}
	}
	for _, output := range desc.Outputs {
		g.MarkOutput(output)
	}
	return g, nil
}

// Write the graph to the file at path.
func Write(path string, g *network.Graph) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create network file")
	}
	w := bufio.NewWriter(f)
	err = Encode(w, g)
	if err == nil {
		err = errors.Wrapf(w.Flush(), "failed to write network file %q", path)
	}
	if closeErr := f.Close(); err == nil && closeErr != nil {
		err = errors.Wrapf(closeErr, "failed to close network file %q", path)
	}
	return err
}

// Encode the graph into w.
func Encode(w io.Writer, g *network.Graph) error {
	desc := description{Name: g.Name, Outputs: g.Outputs(), Nodes: make([]nodeDescription, 0, len(g.Nodes()))}
	for _, name := range g.Inputs() {
		shape := g.Tensor(name).Shape
		dtype, ok := dtypeName(shape.DType)
		if !ok {
			return errors.Errorf("input %q has unsupported dtype %s", name, shape.DType)
		}
		desc.Inputs = append(desc.Inputs, inputDesc{Name: name, DType: dtype, Dimensions: shape.Dimensions})
	}
	for _, node := range g.Nodes() {
		desc.Nodes = append(desc.Nodes, nodeDescription{
			Name: node.Name, Op: node.Op, Inputs: node.Inputs, Outputs: node.Outputs, Attributes: node.Attributes})
	}
	descJSON, err := json.Marshal(desc)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize network description")
	}

	header := map[string]*headerEntry{
		metadataKey: {Format: FormatName, Network: string(descJSON)},
	}
	var initializers []*network.Tensor
	var offset uint64
	for _, t := range g.Tensors() {
		if t.Kind != network.Initializer {
			continue
		}
		dtype, ok := dtypeName(t.Shape.DType)
		if !ok {
			return errors.Errorf("initializer %q has unsupported dtype %s", t.Name, t.Shape.DType)
		}
		end := offset + uint64(len(t.Data))
		header[t.Name] = &headerEntry{DTypeName: dtype, Dimensions: t.Shape.Dimensions, Offsets: []uint64{offset, end}}
		offset = end
		initializers = append(initializers, t)
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize header")
	}
	// Pad header with spaces so the data starts 8-bytes aligned.
	if rem := len(headerJSON) % 8; rem != 0 {
		headerJSON = append(headerJSON, bytes.Repeat([]byte{' '}, 8-rem)...)
	}

	var headerLenBuf [8]byte
	binary.LittleEndian.PutUint64(headerLenBuf[:], uint64(len(headerJSON)))
	if _, err = w.Write(headerLenBuf[:]); err != nil {
		return errors.Wrapf(err, "failed to write header length")
	}
	if _, err = w.Write(headerJSON); err != nil {
		return errors.Wrapf(err, "failed to write header")
	}
	for _, t := range initializers {
		if _, err = w.Write(t.Data); err != nil {
			return errors.Wrapf(err, "failed to write initializer %q", t.Name)
		}
	}
	return nil
}
