package terminal

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/google/shlex"

	"memscope/service"
)

type cmdFn func(term *Term, args string) error

type command struct {
	aliases []string
	fn      cmdFn
	help    string
	// paged commands may hand long output to a pager
	paged bool
}

func (c command) match(cmdstr string) bool {
	for _, v := range c.aliases {
		if v == cmdstr {
			return true
		}
	}
	return false
}

type Commands struct {
	cmds   []command
	client service.Client
}

func NewCommands(client service.Client) *Commands {
	c := &Commands{
		client: client,
	}

	c.cmds = []command{
		{
			aliases: []string{"help", "h"},
			fn:      c.help,
			help: `Prints the help message.

	help [command]

Type "help" followed by the name of a command for more information about it.`},
		{
			aliases: []string{"load"},
			fn:      remote(service.Load),
			help: `Loads a pointer forest saved by a scan.

	load <path>`},
		{
			aliases: []string{"count", "c"},
			fn:      remote(service.Count),
			help:    "Prints the number of pointers of the loaded forest.",
		},
		{
			aliases: []string{"pointers", "ptr", "p"},
			fn:      remote(service.Pointers),
			paged:   true,
			help: `Lists a window of the pointer forest.

	pointers <start>[-<end>]

Indices are inclusive and zero based; the window is clamped to the forest.`},
		{
			aliases: []string{"follow", "f"},
			fn:      remote(service.Follow),
			help: `Evaluates the pointer at an index against the live process.

	follow <index>`},
		{
			aliases: []string{"trace", "t"},
			fn:      remote(service.Trace),
			help: `Finds the instructions that access an address.

	trace <write|read|access> <address> [size]

Size is 1, 2, 4 or 8 and the address must be aligned to it.`},
		{
			aliases: []string{"stop"},
			fn:      remote(service.Stop),
			help:    "Stops the running trace.",
		},
		{
			aliases: []string{"results", "r"},
			fn:      remote(service.Results),
			paged:   true,
			help:    "Prints the instructions found by the current or last trace.",
		},
		{
			aliases: []string{"read", "x"},
			fn:      remote(service.Read),
			help: `Reads a value from the process.

	read <address> [type]`},
		{
			aliases: []string{"write", "w"},
			fn:      remote(service.Write),
			help: `Writes a value into the process.

	write <address> <value> [type]`},
		{
			aliases: []string{"modules", "lm"},
			fn:      remote(service.Modules),
			paged:   true,
			help: `Lists the modules of the process.

	modules [fuzzy expression]`},
		{
			aliases: []string{"transcript"},
			fn:      transcript,
			help: `Appends command output to a file.

	transcript [-t] [-x] <output file>
	transcript -off

Output of memscope's command is appended to the specified output file. If '-t' is specified and the output file exists it is truncated. If '-x' is specified output to stdout is suppressed instead.

Using the -off option disables the transcript.`},
		{
			aliases: []string{"exit", "quit", "q"},
			fn:      exit,
			help:    "Exits the terminal.",
		},
	}
	return c
}

// Find will look up the command function for the given command input.
// If it cannot find the command it will default to noCmdAvailable().
func (c *Commands) Find(cmdstr string) command {
	if cmdstr == "" {
		return command{aliases: []string{"nullcmd"}, fn: nullCommand}
	}

	for _, v := range c.cmds {
		if v.match(cmdstr) {
			return v
		}
	}

	return command{aliases: []string{"nocmd"}, fn: noCmdAvailable}
}

func (c *Commands) Call(cmdStr string, t *Term) error {
	cmdStr = strings.TrimSpace(cmdStr)
	cmdName, argStr, _ := strings.Cut(cmdStr, " ")

	cmd := c.Find(cmdName)
	if cmd.paged {
		t.stdout.pw.PageMaybe()
	}
	return cmd.fn(t, strings.TrimSpace(argStr))
}

func (c *Commands) help(t *Term, args string) error {
	if args != "" {
		for _, cmd := range c.cmds {
			if cmd.match(args) {
				fmt.Fprintln(t.stdout, cmd.help)
				return nil
			}
		}
		return errNoCmd
	}

	fmt.Fprintln(t.stdout, "The following commands are available:")
	w := new(tabwriter.Writer)
	w.Init(t.stdout, 0, 8, 0, '-', 0)
	for _, cmd := range c.cmds {
		h := cmd.help
		if idx := strings.Index(h, "\n"); idx >= 0 {
			h = h[:idx]
		}
		if len(cmd.aliases) > 1 {
			fmt.Fprintf(w, "    %s (alias: %s) \t %s\n", cmd.aliases[0], strings.Join(cmd.aliases[1:], " | "), h)
		} else {
			fmt.Fprintf(w, "    %s \t %s\n", cmd.aliases[0], h)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(t.stdout)
	fmt.Fprintln(t.stdout, "Type help followed by a command for full documentation.")
	return nil
}

// remote forwards the command line to the server unchanged.
func remote(cmdType service.CmdType) cmdFn {
	return func(t *Term, args string) error {
		v, err := t.client.SendExpr(cmdType, args)
		if err != nil {
			return err
		}

		_, err = fmt.Fprintln(t.stdout, strings.TrimRight(v, "\n"))
		return err
	}
}

func transcript(t *Term, args string) error {
	argv, err := shlex.Split(args)
	if err != nil {
		return err
	}

	truncate, fileOnly, disable, path := false, false, false, ""
	for _, arg := range argv {
		switch arg {
		case "-x":
			fileOnly = true
		case "-t":
			truncate = true
		case "-off":
			disable = true
		default:
			if path != "" || strings.HasPrefix(arg, "-") {
				return fmt.Errorf("unrecognized option %q", arg)
			}
			path = arg
		}
	}

	if disable {
		if path != "" {
			return errors.New("-off option specified with an output path")
		}
		return t.stdout.CloseTranscript()
	}

	if path == "" {
		return errors.New("no output path specified")
	}

	flags := os.O_APPEND | os.O_WRONLY | os.O_CREATE
	if truncate {
		flags |= os.O_TRUNC
	}
	fh, err := os.OpenFile(path, flags, 0660)
	if err != nil {
		return err
	}

	if err := t.stdout.CloseTranscript(); err != nil {
		return err
	}

	t.stdout.TranscribeTo(fh, fileOnly)
	return nil
}

type ExitRequestError struct{}

func (ere ExitRequestError) Error() string {
	return ""
}

func exit(t *Term, args string) error {
	return ExitRequestError{}
}

var errNoCmd = errors.New("command not available")

func noCmdAvailable(t *Term, args string) error {
	return errNoCmd
}

func nullCommand(t *Term, args string) error {
	return nil
}
