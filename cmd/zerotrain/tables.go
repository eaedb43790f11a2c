// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

// setColorProfile for lipgloss, from the terminal capabilities.
func setColorProfile(noColor bool) {
	if noColor {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).ColorProfile())
}

func newPlainTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			switch {
			case row < 0:
				s = headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			default:
				s = evenRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

func newProgressBar(numSteps int, colors bool) *progressbar.ProgressBar {
	return progressbar.NewOptions(numSteps,
		progressbar.OptionSetDescription(fmt.Sprintf("Training (%d steps): ", numSteps)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(colors),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
}

// summary renders the table of the training results.
func (tr *trainer) summary() string {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	s := tr.stats
	bytesOf := func(numel int) string { return humanize.IBytes(uint64(numel) * 4) }
	table := newPlainTable(lipgloss.Right, lipgloss.Left).Headers("", "rank 0")
	table.Row("Run", s.runID)
	table.Row("World", fmt.Sprintf("%d ranks = %d data × %d tensor", s.worldSize, s.dp, s.tp))
	table.Row("Partition / overlap", fmt.Sprintf("%v / %v", tr.zeroCfg.PartitionGrad, tr.zeroCfg.OverlapCommunication))
	table.Row("Parameters", fmt.Sprintf("%s (%s)", humanize.Comma(int64(s.numParams)), tr.dtype))
	table.Row("Owned master elements", fmt.Sprintf("%s (%s fp32)", humanize.Comma(int64(s.ownedParams)), bytesOf(s.ownedParams)))
	table.Row("Optimizer state", fmt.Sprintf("%s (%s)", humanize.Comma(int64(s.stateSize)), bytesOf(s.stateSize)))
	table.Row("Bucket flushes", humanize.Comma(int64(s.numFlushes)))
	table.Row("Steps applied / skipped", fmt.Sprintf("%d / %d", s.numSteps, tr.opts.steps-s.numSteps))
	table.Row("Final loss scale", fmt.Sprintf("%g", s.finalScale))
	table.Row("Mean loss (last 10%)", fmt.Sprintf("%.5g", tr.metrics.tailMeanLoss(0.1)))
	table.Row("Elapsed", s.elapsed.Round(time.Millisecond).String())
	return table.String()
}
