package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/WendelHime/gotorrent/v2/internal/config"
	"github.com/WendelHime/gotorrent/v2/internal/decoder"
	"github.com/WendelHime/gotorrent/v2/internal/logic"
	"github.com/WendelHime/gotorrent/v2/internal/shared/models"
	"github.com/WendelHime/gotorrent/v2/internal/storage"
	"github.com/WendelHime/gotorrent/v2/internal/tracker"
	"github.com/WendelHime/gotorrent/v2/internal/transport"
	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/pflag"
)

func main() {
	flags := config.NewFlagSet("gotorrent")
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: gotorrent [flags] <file.torrent>\n")
		flags.PrintDefaults()
	}
	if err := flags.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		os.Exit(2)
	}
	if flags.NArg() != 1 {
		flags.Usage()
		os.Exit(2)
	}

	if err := run(flags.Arg(0), flags); err != nil {
		fmt.Fprintf(os.Stderr, "gotorrent: %v\n", err)
		os.Exit(1)
	}
}

func run(torrentPath string, flags *pflag.FlagSet) error {
	cfg, err := config.Load(flags)
	if err != nil {
		return err
	}
	level, err := cfg.SlogLevel()
	if err != nil {
		return err
	}

	// Create a new logger and generate log file
	logOut, err := os.Create(cfg.LogFile)
	if err != nil {
		return err
	}
	defer logOut.Close()
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level}))

	f, err := os.Open(torrentPath)
	if err != nil {
		return err
	}
	meta, err := decoder.NewDecoder(logger).Decode(f)
	f.Close()
	if err != nil {
		return err
	}

	announceURL := announceURL(cfg, meta)
	logger.Info("using tracker", slog.String("announce", announceURL))
	dialer := transport.NetDialer{Timeout: cfg.DialTimeout}
	t, err := tracker.NewTracker(announceURL,
		tracker.WithHTTPClient(&http.Client{Timeout: cfg.TrackerTimeout}),
		tracker.WithDialer(dialer),
		tracker.WithUDPOptions(tracker.UDPOptions{
			RoundTripTimeout: cfg.UDPRoundTripTimeout,
			RetryInterval:    cfg.UDPRetryInterval,
			MaxTries:         cfg.UDPMaxTries,
			Port:             uint16(cfg.Port),
		}),
		tracker.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	output, err := storage.NewOutput(storage.NewDirFS(cfg.OutputDir), meta.Info.Files)
	if err != nil {
		_ = t.Close()
		return err
	}

	// Start closes the tracker and the output once it returns.
	downloader, err := logic.NewDownloader(meta, cfg, logic.Deps{Tracker: t, Dialer: dialer, Output: output}, logger)
	if err != nil {
		_ = output.Close()
		_ = t.Close()
		return err
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(signals)
	go func() {
		if _, ok := <-signals; ok {
			logger.Info("interrupted, stopping")
			_ = downloader.Stop()
		}
	}()

	bar := progressbar.DefaultBytes(meta.Info.Length, meta.Info.Name)
	progressDone := make(chan struct{})
	go func() {
		ticker := time.NewTicker(200 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-progressDone:
				return
			case <-ticker.C:
				_ = bar.Set64(downloader.BytesDownloaded())
			}
		}
	}()

	err = downloader.Start(context.Background())
	close(progressDone)
	_ = bar.Set64(downloader.BytesDownloaded())
	_ = bar.Finish()
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return err
	}

	if !downloader.IsComplete() {
		fmt.Fprintf(os.Stderr, "stopped after %s of %s\n",
			humanize.IBytes(uint64(downloader.BytesDownloaded())), humanize.IBytes(uint64(meta.Info.Length)))
		return nil
	}
	fmt.Fprintf(os.Stderr, "downloaded %s to %s\n", humanize.IBytes(uint64(meta.Info.Length)), cfg.OutputDir)
	return nil
}

// announceURL prefers the configured tracker, then the metafile's announce key, then
// the first tier of its announce-list.
func announceURL(cfg config.Config, meta models.Metafile) string {
	if cfg.AnnounceURL != "" {
		return cfg.AnnounceURL
	}
	if meta.Announce != "" {
		return meta.Announce
	}
	for _, tier := range meta.AnnounceList {
		for _, url := range tier {
			if url != "" {
				return url
			}
		}
	}
	return ""
}
