package cmd

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"memscope/pkg/proc"
	"memscope/utils"
)

var trace = cli.Command{
	Name:      "trace",
	Usage:     "find the instructions that write, read or access an address",
	ArgsUsage: "<pid> <writes|reads|accesses> <addr> <size>",
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "duration, t",
			Usage: "stop after this long instead of waiting for ctrl-c",
		},
	},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 4, utils.ExactArgs, traceArgsCheck); err != nil {
			return err
		}

		pid, err := strconv.Atoi(context.Args().First())
		if err != nil {
			return err
		}
		return exec(Trace, pid, context)
	},
}

type traceArgs struct {
	kind proc.AccessKind
	addr uint64
	size uint64
}

func tArgs(args cli.Args) (*traceArgs, error) {
	kind, err := proc.ParseAccessKind(args.Get(1))
	if err != nil {
		return nil, err
	}
	addr, err := utils.ParseAddress(args.Get(2))
	if err != nil {
		return nil, err
	}
	size, err := strconv.ParseUint(args.Get(3), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid size %q", args.Get(3))
	}
	return &traceArgs{kind: kind, addr: addr, size: size}, nil
}

func traceArgsCheck(args cli.Args) error {
	if err := pidArgCheck(args); err != nil {
		return err
	}
	_, err := tArgs(args)
	return err
}
