package cmd

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/urfave/cli"

	"memscope/utils"
)

var write = cli.Command{
	Name:      "write",
	Usage:     "write hex bytes into a process; unsafe while the process is running",
	ArgsUsage: "<pid> <addr> <hex>",
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 3, utils.ExactArgs, writeArgsCheck); err != nil {
			return err
		}

		pid, err := strconv.Atoi(context.Args().First())
		if err != nil {
			return err
		}

		return exec(Write, pid, context)
	},
}

type writeArgs struct {
	addr uint64
	data []byte
}

func wArgs(args cli.Args) (*writeArgs, error) {
	addr, err := utils.ParseAddress(args.Get(1))
	if err != nil {
		return nil, err
	}
	data, err := hex.DecodeString(strings.TrimPrefix(args.Get(2), "0x"))
	if err != nil || len(data) == 0 {
		return nil, fmt.Errorf("invalid hex bytes %q", args.Get(2))
	}
	return &writeArgs{addr: addr, data: data}, nil
}

func writeArgsCheck(args cli.Args) error {
	if err := pidArgCheck(args); err != nil {
		return err
	}
	_, err := wArgs(args)
	return err
}
