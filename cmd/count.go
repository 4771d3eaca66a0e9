package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/urfave/cli"

	"memscope/pkg/pointer"
	"memscope/utils"
)

var count = cli.Command{
	Name:      "count",
	Usage:     "count the pointers of a forest file",
	ArgsUsage: "<forest.json>",
	Action: func(context *cli.Context) error {
		return utils.CheckArgs(context, 1, utils.ExactArgs, func(args cli.Args) error {
			n, err := countForest(args.First())
			if err != nil {
				return err
			}
			fmt.Printf("%s pointers\n", humanize.Comma(int64(n)))
			return nil
		})
	},
}

// countForest needs no process: nothing is resolved while counting.
func countForest(path string) (uint64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	c := pointer.NewCollection(nil, "")
	if err := c.Load(f); err != nil {
		return 0, err
	}
	return c.Count(), nil
}
