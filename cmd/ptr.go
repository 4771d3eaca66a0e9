package cmd

import (
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli"

	"memscope/utils"
)

var ptr = cli.Command{
	Name:      "ptr",
	Usage:     "print a window of resolved pointers of a forest",
	ArgsUsage: "<pid> <forest.json> [start] [end]",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "export, o",
			Usage: "write the window as JSON lines to this file instead of a table",
		},
	},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 2, utils.MinArgs, ptrArgsCheck); err != nil {
			return err
		}

		pid, err := strconv.Atoi(context.Args().First())
		if err != nil {
			return err
		}
		return exec(Ptr, pid, context)
	},
}

func ptrArgsCheck(args cli.Args) error {
	if len(args) > 4 {
		return fmt.Errorf("too many arguments")
	}
	if err := pidArgCheck(args); err != nil {
		return err
	}
	if _, err := os.Stat(args.Get(1)); err != nil {
		return err
	}
	for _, arg := range args[2:] {
		if _, err := strconv.ParseUint(arg, 10, 64); err != nil {
			return fmt.Errorf("invalid index %q", arg)
		}
	}

	return nil
}

// window returns the inclusive index range named by args, one page from
// start when end is missing.
func window(args cli.Args, pageSize int) (uint64, uint64) {
	var start, end uint64
	if len(args) > 2 {
		start, _ = strconv.ParseUint(args.Get(2), 10, 64)
	}
	if len(args) > 3 {
		end, _ = strconv.ParseUint(args.Get(3), 10, 64)
	} else {
		end = start + uint64(pageSize) - 1
	}
	return start, end
}
