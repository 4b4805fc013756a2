package ui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
)

// statusSpinner animates a one-line status on stdout while a blocking
// call runs outside the full-screen room view.
type statusSpinner struct {
	message  string
	frames   []string
	interval time.Duration
	done     chan struct{}
	stopped  bool
}

func startSpinner(message string, style spinner.Spinner, interval time.Duration) *statusSpinner {
	s := &statusSpinner{
		message:  message,
		frames:   style.Frames,
		interval: interval,
		done:     make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *statusSpinner) loop() {
	for i := 0; ; i++ {
		select {
		case <-s.done:
			return
		default:
		}
		frame := SpinnerStyle.Render(s.frames[i%len(s.frames)])
		fmt.Printf("\r%s %s", frame, s.message)
		time.Sleep(s.interval)
	}
}

func (s *statusSpinner) stop() {
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.done)
	fmt.Print("\r\033[K")
}

// RunSpinner shows a dot spinner until the returned stop function is
// called.
func RunSpinner(message string) func() {
	return startSpinner(message, spinner.Dot, 80*time.Millisecond).stop
}

// RunConnectionSpinner shows a globe spinner for network operations.
func RunConnectionSpinner(message string) func() {
	return startSpinner(message, spinner.Globe, 180*time.Millisecond).stop
}
