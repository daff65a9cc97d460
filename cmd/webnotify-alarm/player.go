package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"

	"webnotify/client"
)

// consoleDisplay prints each notification to stdout.
type consoleDisplay struct{}

func (consoleDisplay) Show(n client.Notification) {
	fmt.Printf("\n*** %s ***\n%s\n", n.Title, n.Message)
	if n.Link != "" {
		fmt.Printf("    %s\n", n.Link)
	}
	if n.DetectedAt != "" {
		fmt.Printf("    detected at %s\n", n.DetectedAt)
	}
}

// execPlayer shells out to a local audio player for each ring. The command
// blocks until playback finishes, which is what gives ring_count its meaning.
type execPlayer struct {
	logger *slog.Logger
	argv   []string
}

func newExecPlayer(command string, logger *slog.Logger) (*execPlayer, error) {
	if command == "" {
		command = defaultPlayerCommand()
	}
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("no audio player available, pass --player")
	}
	if _, err := exec.LookPath(argv[0]); err != nil {
		return nil, fmt.Errorf("audio player %q not found: %w", argv[0], err)
	}
	return &execPlayer{argv: argv, logger: logger}, nil
}

// defaultPlayerCommand picks a commonly installed command-line player.
func defaultPlayerCommand() string {
	if runtime.GOOS == "darwin" {
		return "afplay"
	}
	for _, candidate := range []string{"mpg123 -q", "ffplay -nodisp -autoexit -loglevel quiet", "aplay -q"} {
		if _, err := exec.LookPath(strings.Fields(candidate)[0]); err == nil {
			return candidate
		}
	}
	return ""
}

// Play writes the audio to a temp file and runs the player once, returning
// when playback completes.
func (p *execPlayer) Play(ctx context.Context, audio []byte, contentType string, _ int) error {
	f, err := os.CreateTemp("", "webnotify-alarm-*"+extensionFor(contentType))
	if err != nil {
		return fmt.Errorf("create temp audio file: %w", err)
	}
	defer func() {
		_ = os.Remove(f.Name())
	}()

	if _, err := f.Write(audio); err != nil {
		_ = f.Close()
		return fmt.Errorf("write temp audio file: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close temp audio file: %w", err)
	}

	args := make([]string, 0, len(p.argv))
	args = append(args, p.argv[1:]...)
	args = append(args, f.Name())
	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	p.logger.Debug("Playing alarm", "player", p.argv[0], "bytes", len(audio))
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("run %s: %w", p.argv[0], err)
	}
	return nil
}

func extensionFor(contentType string) string {
	switch contentType {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/mp4", "audio/aac":
		return ".m4a"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ".bin"
	}
}
