// Package commandline provides terminal attachments for a train.Loop.
package commandline

import (
	"fmt"

	"github.com/gradflow/gradflow/train"
	"github.com/schollz/progressbar/v3"
)

// progressBar holds a progressbar being displayed for a running loop.
type progressBar struct {
	bar       *progressbar.ProgressBar
	lastEpoch int
}

// AttachProgressBar shows a progress bar over the loop's epochs, annotated
// with the last batch loss. Attach before calling Loop.Run.
func AttachProgressBar(loop *train.Loop) {
	pBar := &progressBar{}
	// Runs after every other tool, so epoch-count extensions are visible.
	const priority train.Priority = 100
	loop.OnSetup("progressbar", priority, pBar.onSetup)
	loop.OnStep("progressbar", priority, pBar.onStep)
	loop.OnEpochEnd("progressbar", priority, pBar.onEpochEnd)
}

func (pBar *progressBar) onSetup(loop *train.Loop) error {
	pBar.bar = progressbar.NewOptions(loop.MaxEpochs,
		progressbar.OptionSetDescription(fmt.Sprintf("Training (%d epochs): ", loop.MaxEpochs)),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("epochs"),
		progressbar.OptionSetTheme(progressbar.ThemeUnicode),
	)
	return nil
}

func (pBar *progressBar) onStep(loop *train.Loop, loss float64) error {
	pBar.bar.Describe(fmt.Sprintf("Training (epoch %d/%d, loss=%.4f): ",
		loop.Epoch+1, loop.MaxEpochs, loss))
	return nil
}

func (pBar *progressBar) onEpochEnd(loop *train.Loop) error {
	// MaxEpochs may have grown since setup.
	pBar.bar.ChangeMax(loop.MaxEpochs)
	if err := pBar.bar.Add(loop.Epoch + 1 - pBar.lastEpoch); err != nil {
		return err
	}
	pBar.lastEpoch = loop.Epoch + 1
	return nil
}
