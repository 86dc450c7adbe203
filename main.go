// Package main is the entry point of the polystore CLI, a thin command
// wrapper around the store facade for operating a polyglot document store
// from scripts and terminals.
package main

import (
	"log"
	"os"

	"polystore.evalgo.org/cli"
)

func main() {
	if err := cli.RootCmd.Execute(); err != nil {
		log.SetFlags(0)
		log.SetOutput(os.Stderr)
		log.Println(err)
		os.Exit(1)
	}
}
