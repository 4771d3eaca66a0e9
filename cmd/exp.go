package cmd

import (
	"github.com/urfave/cli"

	"memscope/pkg/config"
	"memscope/pkg/logflags"
)

const (
	usage = `memscope inspects the memory of a running process: it pages through pointer
             chains found by a scan, traces the instructions touching an address and edits values`
)

// conf is loaded once before any command runs.
var conf = config.Default()

func NewApp() *cli.App {
	app := cli.NewApp()
	app.Name = "memscope"
	app.Usage = usage
	app.Flags = []cli.Flag{
		cli.BoolFlag{
			Name:  "log, f",
			Usage: "enable debug logging",
		},
		cli.StringFlag{
			Name:  "log-output, s",
			Usage: "comma separated list of layers to log: pointer,tracer,proxy,native,http,all",
		},
		cli.StringFlag{
			Name:  "log-dest, d",
			Usage: "write logs to this file instead of stderr",
			Value: logflags.DefaultLogDesc,
		},
		cli.StringFlag{
			Name:  "type",
			Usage: "value type of the pointer forest, overrides pointer.data-type",
		},
	}
	app.Before = func(ctx *cli.Context) error {
		conf = config.LoadConfig()
		if dt := ctx.String("type"); dt != "" {
			conf.Pointer.DataType = dt
		}
		return logflags.Setup(ctx.Bool("log"), ctx.String("log-output"), ctx.String("log-dest"))
	}
	app.Commands = []cli.Command{
		attach,
		conn,
		ptr,
		count,
		trace,
		read,
		write,
	}

	return app
}
