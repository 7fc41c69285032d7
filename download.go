package peersweep

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/nullgrain/peersweep/internal/bus"
	"github.com/nullgrain/peersweep/internal/logging"
	"github.com/nullgrain/peersweep/internal/progress"
	"github.com/nullgrain/peersweep/internal/torrentfile"
	"github.com/nullgrain/peersweep/internal/tracker"
)

// Download parses the metadata descriptor at torrentPath, pre-allocates the
// output file under cfg.DownloadDir and runs the transfer engine to
// completion. It returns once DownloadComplete has been observed, or ctx
// is cancelled, or initialization fails. Apart from the context's own error
// on cancellation, only initialization errors bubble all the way out.
func Download(ctx context.Context, cfg *Config, torrentPath string, progressOut io.Writer) error {
	log := logging.New(os.Stderr, cfg.LogLevel)

	f, err := os.Open(torrentPath)
	if err != nil {
		return fmt.Errorf("peersweep: open metadata descriptor: %w", err)
	}
	meta, err := torrentfile.Parse(f)
	f.Close()
	if err != nil {
		return fmt.Errorf("peersweep: parse metadata descriptor: %w", err)
	}

	layout, err := meta.Layout()
	if err != nil {
		return fmt.Errorf("peersweep: build torrent layout: %w", err)
	}

	if meta.Announce == "" {
		return fmt.Errorf("peersweep: metadata descriptor has no announce URL")
	}
	if err := os.MkdirAll(cfg.DownloadDir, 0o755); err != nil {
		return fmt.Errorf("peersweep: create download dir: %w", err)
	}
	outputPath := filepath.Join(cfg.DownloadDir, meta.Info.Name)

	var bar *progress.Bar
	if !cfg.Quiet && progressOut != nil {
		bar = progress.New(progressOut, layout.NumPieces())
	}

	peerID := NewPeerID()
	trackerClient := tracker.NewHTTPClient(meta.Announce)

	coord, err := bus.New(layout, outputPath, meta.InfoHash, peerID, cfg.ListeningPort, trackerClient, bar, log)
	if err != nil {
		return fmt.Errorf("peersweep: initialize transfer engine: %w", err)
	}

	return runToCompletion(ctx, coord, log)
}

// runToCompletion is split out of Download so tests can inject a
// Coordinator built against a fake tracker/peer set without touching disk
// paths or the real logger configuration.
func runToCompletion(ctx context.Context, coord *bus.Coordinator, log zerolog.Logger) error {
	log.Info().Msg("starting download")
	err := coord.Run(ctx)
	if err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("download terminated")
	}
	return err
}
