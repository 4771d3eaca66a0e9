package cmd

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"memscope/utils"
)

var read = cli.Command{
	Name:      "read",
	Usage:     "dump process memory",
	ArgsUsage: "<pid> <addr> <n>",
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 3, utils.ExactArgs, readArgsCheck); err != nil {
			return err
		}

		pid, err := strconv.Atoi(context.Args().First())
		if err != nil {
			return err
		}

		return exec(Read, pid, context)
	},
}

// maxDump bounds a single read.
const maxDump = 1 << 20

type readArgs struct {
	addr uint64
	n    int
}

func rArgs(args cli.Args) (*readArgs, error) {
	addr, err := utils.ParseAddress(args.Get(1))
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(args.Get(2))
	if err != nil || n <= 0 || n > maxDump {
		return nil, fmt.Errorf("invalid length %q", args.Get(2))
	}
	return &readArgs{addr: addr, n: n}, nil
}

func readArgsCheck(args cli.Args) error {
	if err := pidArgCheck(args); err != nil {
		return err
	}
	_, err := rArgs(args)
	return err
}
