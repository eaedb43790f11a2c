// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"image/color"
	"os"

	"github.com/go-gota/gota/dataframe"
	"github.com/go-gota/gota/series"
	"github.com/pkg/errors"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// metrics of each training step, as seen by rank 0.
type metrics struct {
	steps     []int
	losses    []float64
	scales    []float64
	overflows []bool
	gradNorms []float64
}

func (m *metrics) add(step int, loss float32, scale float64, overflow bool, gradNorm float64) {
	m.steps = append(m.steps, step)
	m.losses = append(m.losses, float64(loss))
	m.scales = append(m.scales, scale)
	m.overflows = append(m.overflows, overflow)
	m.gradNorms = append(m.gradNorms, gradNorm)
}

func (m *metrics) dataFrame() dataframe.DataFrame {
	return dataframe.New(
		series.New(m.steps, series.Int, "step"),
		series.New(m.losses, series.Float, "loss"),
		series.New(m.scales, series.Float, "loss_scale"),
		series.New(m.overflows, series.Bool, "overflow"),
		series.New(m.gradNorms, series.Float, "grad_norm"),
	)
}

// tailMeanLoss returns the mean loss of the last fraction of the steps.
func (m *metrics) tailMeanLoss(fraction float64) float64 {
	n := len(m.steps)
	if n == 0 {
		return 0
	}
	first := min(n-1, int(float64(n)*(1-fraction)))
	indices := make([]int, 0, n-first)
	for i := first; i < n; i++ {
		indices = append(indices, i)
	}
	return m.dataFrame().Subset(indices).Col("loss").Mean()
}

// writeCSV saves the metrics of every step.
func (m *metrics) writeCSV(path string) error {
	df := m.dataFrame()
	if df.Err != nil {
		return errors.Wrap(df.Err, "building metrics table")
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating metrics file %q", path)
	}
	if err := df.WriteCSV(f); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "writing metrics to %q", path)
	}
	return errors.Wrapf(f.Close(), "closing metrics file %q", path)
}

// plot saves a PNG plot of the loss per step, marking the steps skipped due to overflow.
func (m *metrics) plot(path string) error {
	p := plot.New()
	p.Title.Text = "zerotrain"
	p.X.Label.Text = "step"
	p.Y.Label.Text = "loss"

	var losses, skipped plotter.XYs
	for i, step := range m.steps {
		point := plotter.XY{X: float64(step), Y: m.losses[i]}
		losses = append(losses, point)
		if m.overflows[i] {
			skipped = append(skipped, point)
		}
	}
	line, err := plotter.NewLine(losses)
	if err != nil {
		return errors.Wrap(err, "plotting loss")
	}
	p.Add(line)
	p.Legend.Add("loss", line)
	if len(skipped) > 0 {
		scatter, err := plotter.NewScatter(skipped)
		if err != nil {
			return errors.Wrap(err, "plotting skipped steps")
		}
		scatter.GlyphStyle.Color = color.RGBA{R: 255, A: 255}
		p.Add(scatter)
		p.Legend.Add("skipped (overflow)", scatter)
	}
	if err := p.Save(8*vg.Inch, 4*vg.Inch, path); err != nil {
		return errors.Wrapf(err, "saving plot to %q", path)
	}
	return nil
}
