package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	engine "github.com/koscakluka/voicelink/core"
)

// controller is the part of the engine driven from the console.
type controller interface {
	WakeUp() error
	BluetoothPlay() error
	TonePlay() error
	SetMovieURL(url string)
	HTTPPlay() error
	UploadChannelData(ctx context.Context, data []byte) error
	Status() engine.Status
}

var errQuit = errors.New("quit")

const consoleHelp = `commands:
  wake          start a voice turn
  bt            play the bluetooth stream when idle
  tone          play the prompt tone when idle
  http <url>    play url after the next spoken reply
  up <text>     publish text on the channel topic
  status        print the engine status
  quit          stop the daemon`

// runConsole executes one command per line from in until in is exhausted,
// ctx is done or quit is read.
func runConsole(ctx context.Context, in io.Reader, out io.Writer, ctl controller) error {
	lines := make(chan string)
	scanErr := make(chan error, 1)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					return err
				default:
					return nil
				}
			}
			err := runCommand(ctx, line, out, ctl)
			if errors.Is(err, errQuit) {
				return nil
			}
			if err != nil {
				fmt.Fprintf(out, "error: %v\n", err)
			}
		}
	}
}

func runCommand(ctx context.Context, line string, out io.Writer, ctl controller) error {
	name, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "":
		return nil
	case "wake":
		return ctl.WakeUp()
	case "bt":
		return ctl.BluetoothPlay()
	case "tone":
		return ctl.TonePlay()
	case "http":
		if arg != "" {
			ctl.SetMovieURL(arg)
		}
		return ctl.HTTPPlay()
	case "up":
		if arg == "" {
			return fmt.Errorf("up needs a payload")
		}
		return ctl.UploadChannelData(ctx, []byte(arg))
	case "status":
		s := ctl.Status()
		fmt.Fprintf(out, "session=%s playback=%s turn_open=%t turn=%s restart_used=%t timer=%t completed=%d connected=%t queue=%d\n",
			s.Session, s.Playback, s.TurnOpen, s.TurnID, s.RestartUsed, s.TimerArmed, s.RequestsCompleted, s.Connected, s.QueueLen)
		return nil
	case "help", "?":
		fmt.Fprintln(out, consoleHelp)
		return nil
	case "quit", "exit":
		return errQuit
	}
	return fmt.Errorf("unknown command %q, try help", name)
}
