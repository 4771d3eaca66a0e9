package cmd

import (
	"fmt"
	"strconv"

	"github.com/urfave/cli"

	"memscope/utils"
)

var attach = cli.Command{
	Name:  "attach",
	Usage: "attach to a process and open a terminal on it",
	Flags: []cli.Flag{
		cli.StringFlag{
			Name:  "forest",
			Usage: "pointer forest to load on start",
		},
		cli.StringFlag{
			Name:  "listen, l",
			Usage: "address of the session service",
			Value: defaultAddr,
		},
		cli.BoolFlag{
			Name:  "headless",
			Usage: "only run the session service, connect to it with 'memscope conn'",
		},
	},
	Action: func(context *cli.Context) error {
		if err := utils.CheckArgs(context, 1, utils.ExactArgs, pidArgCheck); err != nil {
			return err
		}

		pid, err := strconv.Atoi(context.Args().First())
		if err != nil {
			return err
		}
		return exec(Attach, pid, context)
	},
}

func pidArgCheck(args cli.Args) error {
	pid := args.First()
	if !utils.CheckPid(pid) {
		return fmt.Errorf("pid %s does not exist", pid)
	}

	return nil
}
