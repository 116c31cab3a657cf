package main

import "github.com/serverlessresearch/mck/cmd"

// We structure the mck command line tool as a single executable with cobra
// subcommands, as is common for many cloud utilities.
func main() {
	cmd.Execute()
}
