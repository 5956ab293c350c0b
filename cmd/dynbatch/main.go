// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// dynbatch builds an engine with a dynamic batch size for a network, and runs a batch through it.
//
// Without -model it uses a small generated MobileNet-like classifier. With -image it classifies the
// given images, otherwise it uses random inputs.
//
// Example:
//
//	dynbatch -min_batch=1 -opt_batch=5 -max_batch=10 -batch=5 -v=1
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/dynbatch/backends"
	_ "github.com/gomlx/dynbatch/backends/default"
	"github.com/gomlx/dynbatch/pkg/core/network"
	"github.com/gomlx/dynbatch/pkg/core/shapes"
	"github.com/gomlx/dynbatch/pkg/engine"
	"github.com/gomlx/dynbatch/pkg/model/imagenet"
	"github.com/gomlx/dynbatch/pkg/model/netfile"
	"github.com/gomlx/dynbatch/pkg/support/logging"
	"github.com/gomlx/dynbatch/ui/commandline"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	flagModel = flag.String("model", "", "Network file ("+netfile.Extension+") to load. "+
		"If empty, a generated demo classifier is used.")
	flagSaveModel = flag.String("save_model", "", "If set, saves the network to this file before building.")
	flagBackend   = flag.String("backend", "", fmt.Sprintf("Backend configuration, e.g.: \"go:memory=8GiB\". "+
		"If empty, $%s is used, and then the first registered backend.", backends.ConfigEnvVar))
	flagMinBatch     = flag.Int("min_batch", 1, "Minimum batch size supported by the engine.")
	flagOptBatch     = flag.Int("opt_batch", 5, "Batch size the engine is optimized for.")
	flagMaxBatch     = flag.Int("max_batch", 10, "Maximum batch size supported by the engine.")
	flagBatch        = flag.Int("batch", 5, "Batch size to execute with random inputs. Ignored if -image is set.")
	flagWorkspace    = flag.String("workspace", "1GiB", "Workspace budget per execution context, e.g.: \"256MiB\".")
	flagProfileIters = flag.Int("profile_iters", engine.DefaultProfilingIterations,
		"Number of timed runs of each candidate kernel during the build. If 0, kernels are selected by heuristics.")
	flagImages  = flag.String("image", "", "Comma-separated list of images to classify.")
	flagSeed    = flag.Int64("seed", 42, "Random seed for the demo classifier weights and the random inputs.")
	flagRuns    = flag.Int("runs", 3, "Number of executions to time.")
	flagTop     = flag.Int("top", 3, "Number of top classes to display per example, for classifiers.")
	flagTactics = flag.Bool("tactics", false, "Display the kernels selected for each node.")
	flagQuiet   = flag.Bool("quiet", false, "Don't display the build progress bar.")
)

var titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 0, 0, 0)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if err := run(); err != nil {
		klog.Errorf("%+v", err)
		os.Exit(1)
	}
}

func run() error {
	backend, err := newBackend()
	if err != nil {
		return err
	}
	defer backend.Finalize()
	fmt.Printf("Backend: %s\n", backend.Description())

	graph, err := loadGraph()
	if err != nil {
		return err
	}
	if len(graph.Inputs()) != 1 {
		return errors.Errorf("network %q has %d inputs, only networks with one input are supported",
			graph.Name, len(graph.Inputs()))
	}
	inputName := graph.Inputs()[0]
	featureDims := graph.Tensor(inputName).Shape.Dimensions[1:]

	var inputs []float32
	var labels []string
	batch := *flagBatch
	if *flagImages != "" {
		labels = strings.Split(*flagImages, ",")
		batch = len(labels)
		if len(featureDims) != 3 || featureDims[0] != 3 || featureDims[1] != featureDims[2] {
			return errors.Errorf("input %q %s doesn't take square RGB images", inputName, graph.Tensor(inputName).Shape)
		}
		if inputs, err = imagenet.LoadBatch(labels, featureDims[1]); err != nil {
			return err
		}
	} else {
		inputs = randomInputs(batch * shapes.Make(graph.Tensor(inputName).Shape.DType, featureDims...).Size())
	}

	e, err := build(backend, graph, inputName, featureDims)
	if err != nil {
		return err
	}
	defer func() { must.M(e.Finalize()) }()
	fmt.Println(titleStyle.Render("Engine"))
	fmt.Println(commandline.EngineTable(e))
	fmt.Printf("Workspace per context: %s, built in %s\n", humanize.IBytes(uint64(e.WorkspaceSize())),
		commandline.FormatDuration(e.BuildTime()))
	if *flagTactics {
		fmt.Println(titleStyle.Render("Tactics"))
		fmt.Println(commandline.TacticsTable(e))
	}

	outputs, err := execute(e, inputName, append([]int{batch}, featureDims...), inputs)
	if err != nil {
		return err
	}
	outputName := graph.Outputs()[0]
	binding, _ := e.Binding(outputName)
	if binding.Shape.Rank() == 2 && *flagTop > 0 {
		fmt.Println(titleStyle.Render("Predictions"))
		numClasses := binding.Range.Max[1]
		fmt.Println(commandline.PredictionsTable(commandline.TopK(outputs, numClasses, *flagTop), labels))
	}
	return nil
}

func newBackend() (backends.Backend, error) {
	if *flagBackend != "" {
		return backends.NewWithConfig(*flagBackend)
	}
	return backends.New()
}

// loadGraph reads the network or creates the demo classifier, and makes the batch axis of the input dynamic.
func loadGraph() (*network.Graph, error) {
	var graph *network.Graph
	if *flagModel != "" {
		var err error
		if graph, err = netfile.Read(*flagModel); err != nil {
			return nil, err
		}
	} else {
		graph = netfile.DemoClassifier(*flagSeed)
	}
	for _, name := range graph.Inputs() {
		shape := graph.Tensor(name).Shape
		if shape.Rank() > 0 && shape.Dimensions[0] != shapes.DimDynamic {
			klog.V(1).Infof("making batch axis of input %q %s dynamic", name, shape)
			dims := append([]int{shapes.DimDynamic}, shape.Dimensions[1:]...)
			if err := graph.SetInputDimensions(name, dims...); err != nil {
				return nil, err
			}
		}
	}
	if *flagSaveModel != "" {
		if err := netfile.Write(*flagSaveModel, graph); err != nil {
			return nil, err
		}
		fmt.Printf("Network saved to %q\n", *flagSaveModel)
	}
	return graph, nil
}

func build(backend backends.Backend, graph *network.Graph, inputName string, featureDims []int) (*engine.Engine, error) {
	workspace, err := humanize.ParseBytes(*flagWorkspace)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid -workspace=%q", *flagWorkspace)
	}
	builder := engine.NewBuilder(backend, logging.Klog())
	profile := builder.CreateOptimizationProfile()
	for selector, batch := range map[engine.ProfileSelector]int{
		engine.ProfileMin: *flagMinBatch, engine.ProfileOpt: *flagOptBatch, engine.ProfileMax: *flagMaxBatch} {
		if err := profile.SetDimensions(inputName, selector, append([]int{batch}, featureDims...)...); err != nil {
			return nil, err
		}
	}
	config := builder.NewConfig().
		SetWorkspaceBytes(uintptr(workspace)).
		SetMaxBatchSize(*flagMaxBatch).
		SetProfilingIterations(*flagProfileIters).
		AddOptimizationProfile(profile)
	var progress *commandline.BuildProgress
	if !*flagQuiet {
		progress = commandline.NewBuildProgress(nil)
		config.SetProgress(progress.Func())
	}
	e, err := builder.Build(graph, config)
	if progress != nil {
		progress.Close()
	}
	return e, err
}

// execute runs the inputs through the engine *flagRuns times, and returns the first output.
func execute(e *engine.Engine, inputName string, inputDims []int, inputs []float32) ([]float32, error) {
	ctx, err := e.NewContext()
	if err != nil {
		return nil, err
	}
	defer func() { must.M(ctx.Finalize()) }()
	outputName := e.OutputNames()[0]
	var outputs []float32
	err = engine.WithBindingBuffers(e, func(buffers *engine.BindingBuffers) error {
		if err := ctx.SetInputShape(inputName, inputDims...); err != nil {
			return err
		}
		outputShape, err := ctx.BindingShape(outputName)
		if err != nil {
			return err
		}
		outputs = make([]float32, outputShape.Size())
		var total, best time.Duration
		for ii := range max(*flagRuns, 1) {
			start := time.Now()
			if err := engine.CopyToDevice(ctx.Stream(), buffers.Buffer(inputName), inputs); err != nil {
				return err
			}
			if err := ctx.Enqueue(buffers.Bindings()); err != nil {
				return err
			}
			if err := engine.CopyFromDevice(ctx.Stream(), outputs, buffers.Buffer(outputName)); err != nil {
				return err
			}
			if err := ctx.Stream().Synchronize(); err != nil {
				return err
			}
			elapsed := time.Since(start)
			klog.V(1).Infof("run #%d: %s", ii, elapsed)
			total += elapsed
			if ii == 0 || elapsed < best {
				best = elapsed
			}
		}
		fmt.Printf("Executed %s -> %s: best %.2f ms, mean %.2f ms, %s examples\n",
			shapes.DimsString(inputDims), outputShape, float64(best.Microseconds())/1000,
			float64(total.Microseconds())/1000/float64(max(*flagRuns, 1)),
			commandline.Throughput(inputDims[0], best))
		return nil
	})
	return outputs, err
}

func randomInputs(size int) []float32 {
	rng := rand.New(rand.NewSource(*flagSeed))
	values := make([]float32, size)
	for ii := range values {
		values[ii] = float32(rng.Intn(256))
	}
	return values
}
