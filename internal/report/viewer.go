package report

import (
	"errors"
	"path/filepath"

	"fyne.io/fyne/v2"
	"fyne.io/fyne/v2/app"
	"fyne.io/fyne/v2/canvas"
	"fyne.io/fyne/v2/container"
	"fyne.io/fyne/v2/widget"
)

const (
	viewerWidth  = 960
	viewerHeight = 720
)

// Show opens a window with one tab per saved figure and blocks until it is
// closed. It must run on the main goroutine.
func Show(paths []string) error {
	if len(paths) == 0 {
		return errors.New("report: nothing to show")
	}
	a := app.NewWithID("roadseg.viewer")
	w := a.NewWindow("roadseg results")

	tabs := container.NewAppTabs()
	for _, p := range paths {
		img := canvas.NewImageFromFile(p)
		img.FillMode = canvas.ImageFillContain
		img.SetMinSize(fyne.NewSize(viewerWidth-40, viewerHeight-80))
		tabs.Append(container.NewTabItem(filepath.Base(p), container.NewBorder(
			widget.NewLabel(p), nil, nil, nil, img,
		)))
	}
	w.SetContent(tabs)
	w.Resize(fyne.NewSize(viewerWidth, viewerHeight))
	w.ShowAndRun()
	return nil
}
