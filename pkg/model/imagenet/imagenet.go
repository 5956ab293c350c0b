// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package imagenet converts images to the NCHW float32 layout expected by ImageNet classifiers.
package imagenet

import (
	"image"
	"runtime"

	"github.com/disintegration/imaging"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Mean and Std of the ImageNet training images, per RGB channel, used to normalize pixel values in [0, 1].
var (
	Mean = [3]float32{0.485, 0.456, 0.406}
	Std  = [3]float32{0.229, 0.224, 0.225}
)

// Preprocess resizes and center-crops img to size x size, and returns its normalized values in
// channel-first (CHW) layout, with 3*size*size values.
func Preprocess(img image.Image, size int) []float32 {
	resized := imaging.Fill(img, size, size, imaging.Center, imaging.Linear)
	values := make([]float32, 3*size*size)
	plane := size * size
	for y := range size {
		row := resized.Pix[y*resized.Stride:]
		for x := range size {
			for c := range 3 {
				v := float32(row[4*x+c]) / 255
				values[c*plane+y*size+x] = (v - Mean[c]) / Std[c]
			}
		}
	}
	return values
}

// LoadBatch reads and preprocesses the images in paths, in parallel, and returns them as one
// batch of shape [len(paths), 3, size, size].
func LoadBatch(paths []string, size int) ([]float32, error) {
	imageSize := 3 * size * size
	batch := make([]float32, len(paths)*imageSize)
	var g errgroup.Group
	g.SetLimit(runtime.NumCPU())
	for ii, path := range paths {
		g.Go(func() error {
			img, err := imaging.Open(path, imaging.AutoOrientation(true))
			if err != nil {
				return errors.Wrapf(err, "reading image %q", path)
			}
			copy(batch[ii*imageSize:], Preprocess(img, size))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return batch, nil
}
