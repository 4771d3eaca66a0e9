package terminal

import (
	"bufio"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"golang.org/x/sys/unix"
)

// transcriptWriter writes to a pagingWriter and also, optionally, to a
// buffered file.
type transcriptWriter struct {
	fileOnly bool
	pw       *pagingWriter
	file     *bufio.Writer
	fh       io.Closer
	colors   bool
}

// newTranscriptWriter wraps stdout, translating escapes on consoles that
// need it.
func newTranscriptWriter(stdout *os.File) *transcriptWriter {
	tty := isatty.IsTerminal(stdout.Fd()) || isatty.IsCygwinTerminal(stdout.Fd())
	return &transcriptWriter{
		pw:     &pagingWriter{w: colorable.NewColorable(stdout)},
		colors: tty && strings.ToLower(os.Getenv("TERM")) != "dumb",
	}
}

func (w *transcriptWriter) Write(p []byte) (nn int, err error) {
	if !w.fileOnly {
		nn, err = w.pw.Write(p)
	}
	if err == nil {
		if w.file != nil {
			return w.file.Write(p)
		}
	}
	return
}

// Highlight writes s in the given SGR color when the output is a terminal.
func (w *transcriptWriter) Highlight(color int, s string) {
	if w.colors && !w.fileOnly {
		io.WriteString(w.pw, highlight(color)+s+terminalResetEscapeCode)
		w.Echo(s)
		return
	}
	io.WriteString(w, s)
}

// Echo outputs str only to the optional transcript file.
func (w *transcriptWriter) Echo(str string) {
	if w.file != nil {
		w.file.WriteString(str)
	}
}

// Flush flushes the optional transcript file.
func (w *transcriptWriter) Flush() {
	if w.file != nil {
		w.file.Flush()
	}
}

// CloseTranscript closes the optional transcript file.
func (w *transcriptWriter) CloseTranscript() error {
	if w.file == nil {
		return nil
	}
	w.file.Flush()
	w.fileOnly = false
	err := w.fh.Close()
	w.file = nil
	w.fh = nil
	return err
}

// TranscribeTo starts transcribing the output to the specified file. If
// fileOnly is true the output will only go to the file.
func (w *transcriptWriter) TranscribeTo(fh io.WriteCloser, fileOnly bool) {
	if w.file != nil {
		w.CloseTranscript()
	}
	w.fh = fh
	w.file = bufio.NewWriter(fh)
	w.fileOnly = fileOnly
}

// pagingWriter writes to w. After PageMaybe, output longer than the
// terminal is piped to a pager instead.
type pagingWriter struct {
	mode     pagingWriterMode
	w        io.Writer
	buf      []byte
	cmd      *exec.Cmd
	cmdStdin io.WriteCloser
	pager    string
	lastnl   bool

	lines, columns int
}

type pagingWriterMode uint8

const (
	pagingWriterNormal pagingWriterMode = iota
	pagingWriterMaybe
	pagingWriterPaging
)

func (w *pagingWriter) Write(p []byte) (int, error) {
	switch w.mode {
	case pagingWriterMaybe:
		w.buf = append(w.buf, p...)
		if !w.largeOutput() {
			if len(p) > 0 {
				w.lastnl = p[len(p)-1] == '\n'
			}
			return w.w.Write(p)
		}

		w.cmd = exec.Command(w.pager)
		w.cmd.Stdout = os.Stdout
		w.cmd.Stderr = os.Stderr

		var err1, err2 error
		w.cmdStdin, err1 = w.cmd.StdinPipe()
		err2 = w.cmd.Start()
		if err1 != nil || err2 != nil {
			w.cmd = nil
			w.mode = pagingWriterNormal
			return w.w.Write(p)
		}
		if !w.lastnl {
			w.w.Write([]byte("\n"))
		}
		w.w.Write([]byte("Sending output to pager...\n"))
		w.cmdStdin.Write(w.buf)
		w.buf = nil
		w.mode = pagingWriterPaging
		return len(p), nil
	case pagingWriterPaging:
		return w.cmdStdin.Write(p)
	}
	return w.w.Write(p)
}

// Reset returns the pagingWriter to its normal mode.
func (w *pagingWriter) Reset() {
	if w.mode == pagingWriterNormal {
		return
	}
	w.mode = pagingWriterNormal
	w.buf = nil
	if w.cmd != nil {
		w.cmdStdin.Close()
		w.cmd.Wait()
		w.cmd = nil
		w.cmdStdin = nil
	}
}

// PageMaybe starts caching output so that a long listing can be handed
// to $MEMSCOPE_PAGER or $PAGER.
func (w *pagingWriter) PageMaybe() {
	if w.mode != pagingWriterNormal {
		return
	}
	pager := os.Getenv("MEMSCOPE_PAGER")
	if pager == "" {
		if !isatty.IsTerminal(os.Stdout.Fd()) || strings.ToLower(os.Getenv("TERM")) == "dumb" {
			return
		}
		pager = os.Getenv("PAGER")
		if pager == "" {
			pager = "more"
		}
	}
	ws, err := unix.IoctlGetWinsize(int(os.Stdout.Fd()), unix.TIOCGWINSZ)
	if err != nil {
		return
	}
	w.lines, w.columns = int(ws.Row), int(ws.Col)
	w.mode = pagingWriterMaybe
	w.pager = pager
	w.lastnl = true
}

func (w *pagingWriter) largeOutput() bool {
	lines := 0
	lineStart := 0
	for i := range w.buf {
		if i-lineStart > w.columns || w.buf[i] == '\n' {
			lineStart = i
			lines++
			if lines > w.lines {
				return true
			}
		}
	}
	return false
}
