// Package progress renders an optional terminal progress bar driven purely
// by bus events (PieceStored, DownloadComplete). It never affects transfer
// engine behavior; disabling it changes nothing about the core.
package progress

import (
	"fmt"
	"io"

	"github.com/mitchellh/colorstring"
	"github.com/schollz/progressbar/v3"

	"github.com/nullgrain/peersweep/internal/events"
)

// Bar is a best-effort, read-only observer of download progress.
type Bar struct {
	bar *progressbar.ProgressBar
	out io.Writer
}

// New builds a Bar for a torrent of numPieces total pieces, rendering to w.
func New(w io.Writer, numPieces int) *Bar {
	bar := progressbar.NewOptions(numPieces,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("downloading"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	return &Bar{bar: bar, out: w}
}

// Handle consumes one bus event. Only PieceStored and DownloadComplete are
// acted on; everything else is ignored.
func (b *Bar) Handle(ev any) {
	switch ev.(type) {
	case events.PieceStored:
		_ = b.bar.Add(1)
	case events.DownloadComplete:
		_ = b.bar.Finish()
		fmt.Fprintln(b.out, colorstring.Color("[green]download complete[reset]"))
	}
}
