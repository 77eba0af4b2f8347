// Package main is the slotctl command itself.
package main

import (
	"log"
	"os"

	"go.spotsense.io/slotwatch/cli"
)

func main() {
	app := cli.NewApp(os.Stdout, os.Stderr)
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
