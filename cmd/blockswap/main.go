package main

import (
	"fmt"
	"os"

	logging "github.com/ipfs/go-log/v2"
	"github.com/urfave/cli/v2"
)

var log = logging.Logger("blockswap/cli")

const version = "0.1.0"

func main() {
	app := &cli.App{
		Name:    "blockswap",
		Usage:   "content-addressed block exchange node",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "repo",
				EnvVars: []string{"BLOCKSWAP_PATH"},
				Value:   "~/.blockswap",
				Usage:   "repo directory holding config and datastore",
			},
		},
		Commands: []*cli.Command{
			initCmd,
			daemonCmd,
			putCmd,
			getCmd,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %s\n", err)
		os.Exit(1)
	}
}
