// Command memscope-helper serves memory and watch requests for a process
// whose address width differs from its host's.
package main

import (
	"log"
	"os"

	"memscope/cmd"
)

func main() {
	if err := cmd.RunHelper(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}
