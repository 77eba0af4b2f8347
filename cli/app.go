// Package cli implements slotctl, the command line tool for editing layout files and checking a
// running server.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"

	"go.spotsense.io/slotwatch/config"
)

// Flags.
const (
	flagFile   = "file"
	flagID     = "id"
	flagX      = "x"
	flagY      = "y"
	flagWidth  = "width"
	flagHeight = "height"
	flagURL    = "url"
	flagForce  = "force"
)

var fileFlag = &cli.PathFlag{
	Name:    flagFile,
	Aliases: []string{"f"},
	Value:   config.DefaultLayoutFile,
	Usage:   "layout `FILE` to edit",
}

var app = &cli.App{
	Name:            "slotctl",
	Usage:           "edit parking slot layouts and query a slotwatch server",
	HideHelpCommand: true,
	Commands: []*cli.Command{
		{
			Name:            "layout",
			Usage:           "work with layout files",
			HideHelpCommand: true,
			Subcommands: []*cli.Command{
				{
					Name:  "init",
					Usage: "create an empty layout",
					Flags: []cli.Flag{
						fileFlag,
						&cli.IntFlag{Name: flagWidth, Usage: "slot width in pixels"},
						&cli.IntFlag{Name: flagHeight, Usage: "slot height in pixels"},
						&cli.BoolFlag{Name: flagForce, Usage: "overwrite an existing file"},
					},
					Action: LayoutInitAction,
				},
				{
					Name:   "list",
					Usage:  "list the slots of a layout",
					Flags:  []cli.Flag{fileFlag},
					Action: LayoutListAction,
				},
				{
					Name:      "add",
					Usage:     "add a slot with its top-left corner at x,y",
					UsageText: "slotctl layout add --x <x> --y <y> [--id <id>] [--file <file>]",
					Flags: []cli.Flag{
						fileFlag,
						&cli.IntFlag{Name: flagX, Required: true, Usage: "left edge"},
						&cli.IntFlag{Name: flagY, Required: true, Usage: "top edge"},
						&cli.StringFlag{Name: flagID, Usage: "slot id, defaults to the next free number"},
					},
					Action: LayoutAddAction,
				},
				{
					Name:      "remove",
					Usage:     "remove a slot by id, or every slot containing x,y",
					UsageText: "slotctl layout remove (--id <id> | --x <x> --y <y>) [--file <file>]",
					Flags: []cli.Flag{
						fileFlag,
						&cli.StringFlag{Name: flagID, Usage: "slot id"},
						&cli.IntFlag{Name: flagX, Usage: "x of a point inside the slot"},
						&cli.IntFlag{Name: flagY, Usage: "y of a point inside the slot"},
					},
					Action: LayoutRemoveAction,
				},
			},
		},
		{
			Name:  "status",
			Usage: "print the occupancy reported by a running server",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  flagURL,
					Value: "http://localhost:5000",
					Usage: "base `URL` of the server",
				},
			},
			Action: StatusAction,
		},
	},
}

// NewApp returns a new app with the CLI API, Writer set to out, and ErrWriter
// set to errOut.
func NewApp(out, errOut io.Writer) *cli.App {
	app.Writer = out
	app.ErrWriter = errOut
	return app
}
