// Command fakeacall simulates an incoming phone call answered by a live
// AI voice agent. The phone rings, you pick up (or the call auto-answers
// after a few rings), and you talk to the agent over your microphone and
// speakers until either side hangs up.
//
// Usage:
//
//	fakeacall [-config call.yaml]
//
// Environment variables:
//
//	GEMINI_API_KEY - required, read from the environment or a .env file
//
// Controls:
//
//	a  Answer the ringing call
//	d  Decline the ringing call
//	m  Toggle mute
//	s  Toggle speaker boost
//	q  Hang up and quit
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fakeacall/fakeacall/internal/dotenv"
	"github.com/fakeacall/fakeacall/pkg/core/call"
	"github.com/fakeacall/fakeacall/pkg/core/capture"
	"github.com/fakeacall/fakeacall/pkg/core/pcm"
	"github.com/fakeacall/fakeacall/pkg/core/playback"
	"github.com/fakeacall/fakeacall/pkg/core/stream"
)

func main() {
	configPath := flag.String("config", "call.yaml", "path to the call config file")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	if err := run(*configPath, *verbose); err != nil {
		fmt.Fprintln(os.Stderr, "fakeacall:", err)
		os.Exit(1)
	}
}

func run(configPath string, verbose bool) error {
	if err := dotenv.Load(); err != nil {
		return err
	}

	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := call.LoadConfig(configPath)
	if err != nil {
		return err
	}
	apiKey := os.Getenv("GEMINI_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("GEMINI_API_KEY is not set (put it in the environment or a .env file)")
	}

	pipe := capture.NewPipe(capture.Config{
		SampleRate: cfg.CaptureSampleRate,
		Channels:   1,
		FrameSize:  cfg.FrameSize,
		Logger:     logger,
	}, nil)

	playFormat := pcm.Format{SampleRate: cfg.PlaybackSampleRate, Channels: 1, BitsPerSample: 16}
	speaker, err := playback.NewSpeaker(playFormat)
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	player := playback.NewScheduler(playFormat, speaker, nil, logger)

	connect := func(ctx context.Context) (call.Conn, error) {
		sess, err := stream.Connect(ctx, stream.Config{
			URL:               cfg.Endpoint,
			APIKey:            apiKey,
			Model:             cfg.Model,
			SystemInstruction: cfg.SystemInstruction,
			Logger:            logger,
		})
		if err != nil {
			return nil, err
		}
		return sess, nil
	}

	c := call.New(cfg, pipe, connect, player, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		fmt.Println("\nHanging up...")
		c.End()
		cancel()
	}()

	printBanner()

	if err := c.Start(ctx); err != nil {
		return err
	}

	go readCommands(c)

	for ev := range c.Events() {
		renderEvent(ev)
	}
	<-c.Done()
	fmt.Println("Call ended.")
	return nil
}

func printBanner() {
	fmt.Println("╔══════════════════════════════════════════════╗")
	fmt.Println("║              📞  Incoming call…              ║")
	fmt.Println("╠══════════════════════════════════════════════╣")
	fmt.Println("║  a  answer      d  decline                   ║")
	fmt.Println("║  m  mute        s  speaker      q  hang up   ║")
	fmt.Println("╚══════════════════════════════════════════════╝")
	fmt.Println()
}

func readCommands(c *call.Call) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch strings.TrimSpace(strings.ToLower(scanner.Text())) {
		case "a", "answer":
			c.Answer()
		case "d", "decline":
			c.Decline()
		case "m", "mute":
			c.ToggleMute()
		case "s", "speaker":
			c.ToggleSpeaker()
		case "q", "quit", "end":
			c.End()
			return
		case "":
		default:
			fmt.Println("commands: a(nswer) d(ecline) m(ute) s(peaker) q(uit)")
		}
	}
}

func renderEvent(ev call.Event) {
	switch e := ev.(type) {
	case *call.StateChangedEvent:
		fmt.Printf("── %s\n", e.To)
	case *call.RingTickEvent:
		fmt.Printf("\r🔔 ringing %s ", formatDuration(e.Elapsed))
	case *call.CallTickEvent:
		fmt.Printf("\r🕒 %s ", formatDuration(e.Elapsed))
	case *call.MuteChangedEvent:
		if e.Muted {
			fmt.Println("\n🔇 muted")
		} else {
			fmt.Println("\n🎙  unmuted")
		}
	case *call.SpeakerChangedEvent:
		if e.Boosted {
			fmt.Println("\n🔊 speaker on")
		} else {
			fmt.Println("\n🔈 speaker off")
		}
	case *call.NotificationEvent:
		fmt.Printf("\n⚠️  %s\n", e.Message)
	case *call.MicLevelEvent:
		// Follows the tick on the same line, so the timer doubles as
		// an input meter.
		fmt.Printf("%s ", levelMeter(e.RMS))
	}
}

func levelMeter(rms float64) string {
	bars := []rune("▁▂▃▄▅▆▇█")
	n := int(rms * float64(len(bars)) * 4) // quiet speech still registers
	if n >= len(bars) {
		n = len(bars) - 1
	}
	if n < 0 {
		n = 0
	}
	return string(bars[n])
}

func formatDuration(d time.Duration) string {
	total := int(d / time.Second)
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}
