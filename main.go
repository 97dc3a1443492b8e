// main.go - vgmdeck: VGM/VGZ player with pre-rendered DAC timelines.
//
// The CLI runs the core standalone: chip collaborators are external hardware
// or emulation and none is attached here, so the audible path is the
// pre-rendered DAC channel through the synchronized playback engine.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/ossrs/go-oryx-lib/logger"
	"golang.org/x/term"
)

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	// Optional .env for deployment defaults; absence is fine.
	_ = godotenv.Load()

	var (
		loops     = flag.Int("loops", DEFAULT_MAX_LOOPS, "loop passes before the fade-out starts")
		fade      = flag.Int("fade", DEFAULT_FADE_SECONDS, "fade-out length in seconds")
		backend   = flag.String("backend", envOr("VGMDECK_BACKEND", "oto"), "audio backend: oto or headless")
		exportWAV = flag.String("export-wav", "", "write the pre-rendered timeline to this WAV file and exit")
		tempDir   = flag.String("temp-dir", envOr("VGMDECK_TEMP_DIR", ""), "directory for staged timeline files")
	)
	flag.Parse()

	if flag.NArg() != 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] file.vgm|file.vgz\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(2)
	}

	ctx := logger.WithContext(context.Background())
	if err := run(ctx, flag.Arg(0), *loops, *fade, *backend, *exportWAV, *tempDir); err != nil {
		logger.Ef(ctx, "vgmdeck: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, path string, loops, fade int, backendName, exportWAV, tempDir string) error {
	backendID := AUDIO_BACKEND_OTO
	if backendName == "headless" || exportWAV != "" {
		backendID = AUDIO_BACKEND_HEADLESS
	}

	player := NewVGMPlayer(ctx, nil, backendID)
	defer player.Close()
	player.SetLoopLimit(loops, fade)
	if tempDir != "" {
		player.SetTempDir(tempDir)
	}
	player.Progress = func(p float64) {
		fmt.Printf("\rprerendering %3.0f%%", p*100)
	}

	logger.Tf(ctx, "loading %v", path)
	if err := player.Load(path); err != nil {
		return err
	}
	fmt.Printf("\rloaded %v (%v)\n", path, player.DurationText())

	if exportWAV != "" {
		tl := player.TimelinePath()
		if tl == "" {
			return formatErrorf("no DAC chip in container, nothing to export")
		}
		logger.Tf(ctx, "exporting timeline to %v", exportWAV)
		return ExportTimelineWAV(tl, exportWAV)
	}

	player.Play()
	return interactiveLoop(player)
}

// interactiveLoop owns the terminal until playback ends: space pauses,
// q stops.
func interactiveLoop(player *VGMPlayer) error {
	keys := make(chan byte, 4)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		oldState, err := term.MakeRaw(fd)
		if err == nil {
			defer term.Restore(fd, oldState)
			go func() {
				buf := make([]byte, 1)
				for {
					if n, err := os.Stdin.Read(buf); err != nil || n == 0 {
						return
					}
					keys <- buf[0]
				}
			}()
		}
	}

	paused := false
	status := time.NewTicker(250 * time.Millisecond)
	defer status.Stop()

	for player.IsPlaying() {
		select {
		case k := <-keys:
			switch k {
			case ' ':
				paused = !paused
				player.Pause(paused)
			case 'q', 3: // q or ctrl-c
				player.Stop()
				fmt.Print("\r\n")
				return nil
			}
		case <-status.C:
			fmt.Printf("\rloop %d  drift %+5d  underruns %d   ",
				player.LoopCount(), player.SyncDrift(), player.Underruns())
		}
	}
	fmt.Print("\r\n")
	return nil
}
