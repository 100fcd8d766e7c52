package main

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/redsanjin-1/bigfile/pkg/env"
	"github.com/redsanjin-1/bigfile/pkg/logging"
)

func main() {
	env.LoadEnv()
	logging.InitLogger(false)

	app := &cli.App{
		Name:  "bigfile",
		Usage: "Resumable chunked uploads to a bigfile server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Value:   "./config",
				Usage:   "directory holding config.yaml",
				EnvVars: []string{"BIGFILE_CONFIG_DIR"},
			},
			&cli.StringFlag{Name: "server", Aliases: []string{"s"}, Usage: "server URL, overrides client.server_url"},
			&cli.BoolFlag{Name: "debug", Usage: "verbose text logging"},
		},
		Commands: []*cli.Command{
			{
				Name:      "upload",
				Aliases:   []string{"u"},
				Usage:     "Upload files; Ctrl-C pauses and keeps the session",
				ArgsUsage: "<file>...",
				Action:    uploadCmd,
			},
			{
				Name:      "resume",
				Aliases:   []string{"r"},
				Usage:     "Resume one session, or every stored session",
				ArgsUsage: "[identity]",
				Action:    resumeCmd,
			},
			{
				Name:  "status",
				Usage: "List stored sessions",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "remote", Usage: "also ask the server how much it holds"},
				},
				Action: statusCmd,
			},
			{
				Name:      "reset",
				Usage:     "Forget a stored session",
				ArgsUsage: "<identity>",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "all", Usage: "forget every session"},
				},
				Action: resetCmd,
			},
			{
				Name:      "merge",
				Usage:     "Repeat the final merge of a session",
				ArgsUsage: "<identity>",
				Action:    mergeCmd,
			},
			{
				Name:      "fetch",
				Usage:     "Download a finished file",
				ArgsUsage: "<identity> <dest>",
				Action:    fetchCmd,
			},
			{
				Name:      "hash",
				Usage:     "Print the identity of local files",
				ArgsUsage: "<file>...",
				Action:    hashCmd,
			},
			{
				Name:   "health",
				Usage:  "Check that the server answers",
				Action: healthCmd,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logging.Log.Fatal(err)
	}
}
