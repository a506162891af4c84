// Package cli contains the octstream command line interface.
package cli

import (
	"io"

	"github.com/urfave/cli/v2"
)

// Flags.
const (
	generalFlagConfig = "config"
	generalFlagDebug  = "debug"

	buildFlagOut = "out"
	buildFlagFit = "fit"

	exportFlagFormat = "format"
	exportFlagRender = "render"

	simulateFlagPoints   = "points"
	simulateFlagFrames   = "frames"
	simulateFlagSeed     = "seed"
	simulateFlagDistance = "distance"
)

var app = &cli.App{
	Name:            "octstream",
	Usage:           "build and inspect streamed star octrees",
	HideHelpCommand: true,
	Flags: []cli.Flag{
		&cli.PathFlag{
			Name:    generalFlagConfig,
			Aliases: []string{"c"},
			Usage:   "load configuration from `FILE`",
		},
		&cli.BoolFlag{
			Name:    generalFlagDebug,
			Aliases: []string{"vvv"},
			Usage:   "enable debug logging",
		},
	},
	Commands: []*cli.Command{
		{
			Name:      "build",
			Usage:     "build a dataset from star files",
			UsageText: "octstream build --out <dir> <star files...>",
			ArgsUsage: "<star files...>",
			Flags: []cli.Flag{
				&cli.PathFlag{
					Name:     buildFlagOut,
					Aliases:  []string{"o"},
					Required: true,
					Usage:    "dataset output directory",
				},
				&cli.BoolFlag{
					Name:  buildFlagFit,
					Usage: "size the tree to the stars instead of tree.max_dist",
				},
			},
			Action: BuildAction,
		},
		{
			Name:      "info",
			Usage:     "print the manifest and statistics of a dataset",
			ArgsUsage: "<dataset dir>",
			Action:    InfoAction,
		},
		{
			Name:      "export",
			Usage:     "write every star of a dataset to a pcd file",
			UsageText: "octstream export [--format ascii|binary] [--render static|color|motion] <dataset dir> <out.pcd>",
			ArgsUsage: "<dataset dir> <out.pcd>",
			Flags: []cli.Flag{
				&cli.StringFlag{
					Name:  exportFlagFormat,
					Value: "binary",
					Usage: "pcd data format: ascii or binary",
				},
				&cli.StringFlag{
					Name:  exportFlagRender,
					Value: "motion",
					Usage: "attributes to export: static, color or motion",
				},
			},
			Action: ExportAction,
		},
		{
			Name:  "simulate",
			Usage: "stream a synthetic star field past an orbiting camera",
			Flags: []cli.Flag{
				&cli.IntFlag{
					Name:  simulateFlagPoints,
					Value: 100000,
					Usage: "number of stars",
				},
				&cli.IntFlag{
					Name:  simulateFlagFrames,
					Value: 60,
					Usage: "number of frames",
				},
				&cli.Int64Flag{
					Name:  simulateFlagSeed,
					Value: 1,
					Usage: "random seed of the star field",
				},
				&cli.Float64Flag{
					Name:  simulateFlagDistance,
					Value: 2,
					Usage: "orbit radius as a multiple of tree.max_dist",
				},
			},
			Action: SimulateAction,
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
