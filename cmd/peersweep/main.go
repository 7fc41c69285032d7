// Command peersweep is the CLI entry point: a single positional argument
// naming a metadata descriptor, exit code 0 on a completed download and
// non-zero on tracker or initialization failure.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"

	"github.com/nullgrain/peersweep"
)

var cli struct {
	Torrent string `arg:"" help:"Path to the metadata descriptor (.torrent file)." type:"existingfile"`

	Config string `help:"Path to a YAML config file overriding defaults." default:"peersweep.yaml"`
	Quiet  bool   `help:"Suppress the terminal progress bar."`

	// A flag overrides whatever LoadConfig produced only when the user
	// actually sets it.
	Port        uint16 `help:"Listening port advertised to the tracker."`
	DownloadDir string `help:"Directory the downloaded file is written into."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("peersweep"),
		kong.Description("A single-file BitTorrent peer-to-peer downloader."),
	)

	cfg, err := peersweep.LoadConfig(cli.Config)
	if err != nil {
		os.Exit(2)
	}
	cfg.Quiet = cfg.Quiet || cli.Quiet
	if cli.Port != 0 {
		cfg.ListeningPort = cli.Port
	}
	if cli.DownloadDir != "" {
		cfg.DownloadDir = cli.DownloadDir
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := peersweep.Download(ctx, cfg, cli.Torrent, os.Stdout); err != nil {
		os.Exit(1)
	}
}
