// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package callback

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/microtune/pkg/autotune/measure"
	"github.com/gomlx/microtune/pkg/autotune/tuner"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"
)

// ProgressBarName is the name of the ProgressBar callback.
const ProgressBarName = "microtune.autotune.callback.ProgressBar"

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// progressBar holds a progressbar being displayed.
type progressBar struct {
	w        io.Writer
	total    int
	siPrefix string

	bar     *progressbar.ProgressBar
	termenv *termenv.Output
	useANSI bool
	start   time.Time
	done    int
}

// ProgressBar returns a callback that displays the progress of the tuning on the terminal,
// with the current and best throughputs in units of siPrefix (e.g.: "M" for MFLOPS).
//
// total is the expected number of trials; if <= 0, the number of trials of the tuning is used.
func ProgressBar(total int, siPrefix string) tuner.Callback {
	return ProgressBarTo(os.Stdout, total, siPrefix)
}

// ProgressBarTo is like ProgressBar, but writes to w.
func ProgressBarTo(w io.Writer, total int, siPrefix string) tuner.Callback {
	pBar := &progressBar{w: w, total: total, siPrefix: siPrefix}
	return tuner.Callback{
		Name:    ProgressBarName,
		OnStart: pBar.onStart,
		OnBatch: pBar.onBatch,
		OnEnd:   pBar.onEnd,
	}
}

func (pBar *progressBar) onStart(t *tuner.Base, numTrials int) error {
	if _, err := tuner.ScaleSI(0, pBar.siPrefix); err != nil {
		return err
	}
	total := pBar.total
	if total <= 0 {
		total = numTrials
	}
	pBar.termenv = termenv.NewOutput(pBar.w)
	pBar.useANSI = pBar.termenv.Profile != termenv.Ascii
	pBar.start = time.Now()
	pBar.done = 0
	pBar.bar = progressbar.NewOptions(total,
		progressbar.OptionSetDescription(fmt.Sprintf("[Task %s]", t.Task().Name)),
		progressbar.OptionUseANSICodes(pBar.useANSI),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("trials"),
		progressbar.OptionSetTheme(ProgressbarStyle),
		progressbar.OptionSetWriter(pBar.w),
	)
	if pBar.useANSI {
		pBar.termenv.HideCursor()
	}
	return nil
}

func (pBar *progressBar) onBatch(t *tuner.Base, inputs []*measure.Input, results []*measure.Result) error {
	var current float64
	for _, result := range results {
		current = max(current, result.FLOPS(t.Task().FLOP))
	}
	current, _ = tuner.ScaleSI(current, pBar.siPrefix)
	best, _ := tuner.ScaleSI(t.BestFLOPS(), pBar.siPrefix)
	pBar.done += len(results)
	pBar.bar.Describe(fmt.Sprintf("[Task %s] Current/Best: %7.2f/%7.2f %sFLOPS | Progress: (%d/%d) | %.2f s",
		t.Task().Name, current, best, pBar.siPrefix, pBar.done, pBar.bar.GetMax(), time.Since(pBar.start).Seconds()))
	return pBar.bar.Add(len(results))
}

func (pBar *progressBar) onEnd(t *tuner.Base) error {
	_ = pBar.bar.Finish()
	if pBar.useANSI {
		pBar.termenv.ShowCursor()
	}
	_, err := fmt.Fprintln(pBar.w)
	if err != nil {
		return err
	}

	bestStr := "no successful trial"
	if t.BestFLOPS() > 0 {
		bestStr = humanize.SIWithDigits(t.BestFLOPS(), 2, "FLOPS")
		if pBar.useANSI {
			bestStr = pBar.termenv.String(bestStr).Bold().String()
		}
	}
	table := lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		}).
		Row("Task", t.Task().WorkloadKey()).
		Row("Trials", humanize.Comma(int64(t.NumMeasured()))).
		Row("Best", bestStr).
		Row("Elapsed", humanize.RelTime(pBar.start, time.Now(), "", ""))
	if cfg := t.BestConfig(); cfg != nil {
		table.Row("Best config", cfg.String())
	}
	_, err = fmt.Fprintln(pBar.w, table.String())
	return err
}
