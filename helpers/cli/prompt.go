package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/mattn/go-isatty"
)

type Completer func(d prompt.Document) []prompt.Suggest

func IsInteractive() bool { return isatty.IsTerminal(os.Stdin.Fd()) }

// MainLoop feeds exec with lines until EOF (pipe) or interrupt (terminal).
func MainLoop(prefix string, exec func(line string), complete Completer) {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	go func() {
		for range signalCh {
			os.Exit(1)
		}
	}()

	if IsInteractive() {
		prompt.New(exec, prompt.Completer(complete), prompt.OptionPrefix(prefix)).Run()
		return
	}
	scanLines(os.Stdin, func(line string) bool {
		exec(line)
		return true
	})
}

// Lines returns channel of trimmed input lines; closed on EOF or stop.
// With terminal stdin, go-prompt is used so operator gets line editing.
func Lines(prefix string, complete Completer, stop <-chan struct{}) <-chan string {
	ch := make(chan string)
	send := func(line string) bool {
		select {
		case ch <- line:
			return true
		case <-stop:
			return false
		}
	}
	go func() {
		defer close(ch)
		if IsInteractive() {
			if complete == nil {
				complete = func(prompt.Document) []prompt.Suggest { return nil }
			}
			for {
				line := prompt.Input(prefix, prompt.Completer(complete))
				if !send(strings.TrimSpace(line)) {
					return
				}
			}
		}
		scanLines(os.Stdin, send)
	}()
	return ch
}

// SuggestWords completes current word from fixed list.
func SuggestWords(words []string) Completer {
	ss := make([]prompt.Suggest, 0, len(words))
	for _, w := range words {
		ss = append(ss, prompt.Suggest{Text: w})
	}
	return func(d prompt.Document) []prompt.Suggest {
		word := d.GetWordBeforeCursor()
		if i := strings.LastIndexAny(word, ",:"); i >= 0 {
			word = word[i+1:]
		}
		if word == "" {
			return nil
		}
		return prompt.FilterHasPrefix(ss, word, false)
	}
}

func scanLines(r io.Reader, f func(string) bool) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if !f(strings.TrimSpace(scanner.Text())) {
			return
		}
	}
}
