package terminal

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"os/user"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/derekparker/trie"
	"github.com/go-delve/liner"

	"memscope/service"
)

const (
	prompt                             = "(memscope) "
	configDir                          = ".memscope"
	historyFile                 string = ".memscope_history"
	terminalHighlightEscapeCode string = "\033[%2dm"
	terminalResetEscapeCode     string = "\033[0m"
	colorRed                           = 31
)

type Term struct {
	client      service.Client
	prompt      string
	line        *liner.State
	cmds        *Commands
	historyFile *os.File
	stdout      *transcriptWriter
}

func New(client service.Client) *Term {
	return &Term{
		client: client,
		prompt: prompt,
		stdout: newTranscriptWriter(os.Stdout),
		cmds:   NewCommands(client),
	}
}

func highlight(color int) string {
	return fmt.Sprintf(terminalHighlightEscapeCode, color)
}

func (t *Term) sigintGuard(ch <-chan os.Signal) {
	for range ch {
		t.stdout.pw.Reset()
		fmt.Fprintf(t.stdout, "received signal, type 'exit' to leave (the process keeps running)\n")
	}
}

// completer offers command aliases for the first word of a line.
func (t *Term) completer() liner.Completer {
	cmds := trie.New()
	for _, cmd := range t.cmds.cmds {
		for _, alias := range cmd.aliases {
			cmds.Add(alias, nil)
		}
	}

	return func(line string) []string {
		if strings.Contains(line, " ") {
			return nil
		}
		return cmds.PrefixSearch(line)
	}
}

func (t *Term) Run() error {
	t.line = liner.NewLiner()
	defer t.Close()

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(ch)
	go t.sigintGuard(ch)

	t.line.SetCompleter(t.completer())

	fullHistory := filepath.Join(getUserHomeDir(), configDir, historyFile)
	if err := os.MkdirAll(filepath.Dir(fullHistory), 0755); err != nil {
		return fmt.Errorf("create parent dir failed: %v", err)
	}

	var err error
	t.historyFile, err = os.OpenFile(fullHistory, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		fmt.Printf("Unable to open history file: %v. History will not be saved for this session.\n", err)
	} else if _, err = t.line.ReadHistory(t.historyFile); err != nil {
		fmt.Printf("Unable to read history file %s: %v\n", fullHistory, err)
	}

	fmt.Println("Type 'help' for list of commands.")

	for {
		cmd, err := t.promptForInput()
		if err != nil {
			if err == io.EOF {
				fmt.Fprintln(t.stdout, "exit")
				return t.handleExit()
			}
			return errors.New("prompt for input failed")
		}
		t.stdout.Echo(t.prompt + cmd + "\n")

		if strings.TrimSpace(cmd) == "" {
			continue
		}

		if err := t.execute(cmd); err != nil {
			if _, ok := err.(ExitRequestError); ok {
				return t.handleExit()
			}
		}
	}
}

// execute runs one command line and reports its failure on the output.
func (t *Term) execute(cmd string) error {
	defer func() {
		t.stdout.Flush()
		t.stdout.pw.Reset()
	}()

	err := t.cmds.Call(cmd, t)
	if err == nil {
		return nil
	}
	if _, ok := err.(ExitRequestError); ok {
		return err
	}
	t.stdout.Highlight(colorRed, fmt.Sprintf("Command failed: %s\n", err))
	return err
}

func (t *Term) Close() {
	if t.line != nil {
		t.line.Close()
	}
	if err := t.stdout.CloseTranscript(); err != nil {
		fmt.Fprintf(os.Stderr, "error closing transcript file: %v\n", err)
	}
}

func getUserHomeDir() string {
	userHomeDir := "."
	usr, err := user.Current()
	if err == nil {
		userHomeDir = usr.HomeDir
	}
	return userHomeDir
}

func (t *Term) promptForInput() (string, error) {
	l, err := t.line.Prompt(t.prompt)
	if err != nil {
		return "", err
	}

	l = strings.TrimSuffix(l, "\n")
	if l != "" {
		t.line.AppendHistory(l)
	}

	return l, nil
}

func (t *Term) handleExit() error {
	if t.historyFile != nil {
		if _, err := t.historyFile.Seek(0, io.SeekStart); err == nil {
			t.historyFile.Truncate(0)
		}
		if _, err := t.line.WriteHistory(t.historyFile); err != nil {
			fmt.Println("readline history error:", err)
			return err
		}
		if err := t.historyFile.Close(); err != nil {
			fmt.Printf("error closing history file: %s\n", err)
			return err
		}
		t.historyFile = nil
	}

	return nil
}

// RedirectTo redirects the output of this terminal to the specified writer.
func (t *Term) RedirectTo(w io.Writer) {
	t.stdout.pw.w = w
}
