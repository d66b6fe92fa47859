package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"github.com/mitchellh/go-homedir"
	mh "github.com/multiformats/go-multihash"
	"github.com/urfave/cli/v2"
	"golang.org/x/xerrors"

	"github.com/blockswap-project/blockswap/node"
	"github.com/blockswap-project/blockswap/node/config"
)

const (
	configFile   = "config.toml"
	datastoreDir = "datastore"

	// maxBlockSize mirrors the wire limit; a file larger than this cannot
	// travel as a single block.
	maxBlockSize = 2 << 20
)

func repoPath(cctx *cli.Context) (string, error) {
	return homedir.Expand(cctx.String("repo"))
}

func loadConfig(cctx *cli.Context) (*config.Node, string, error) {
	repo, err := repoPath(cctx)
	if err != nil {
		return nil, "", xerrors.Errorf("expanding repo path: %w", err)
	}
	cfg, err := config.FromFile(filepath.Join(repo, configFile), config.Default())
	if err != nil {
		return nil, "", err
	}
	if cfg.Datastore.Path == "" {
		cfg.Datastore.Path = filepath.Join(repo, datastoreDir)
	}
	return cfg, repo, nil
}

var initCmd = &cli.Command{
	Name:  "init",
	Usage: "Initialize a blockswap repo",
	Action: func(cctx *cli.Context) error {
		repo, err := repoPath(cctx)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(repo, 0755); err != nil {
			return xerrors.Errorf("creating repo dir: %w", err)
		}

		cfgPath := filepath.Join(repo, configFile)
		if _, err := os.Stat(cfgPath); err == nil {
			return xerrors.Errorf("repo at %s already initialized", repo)
		}
		if err := config.WriteFile(cfgPath, config.Default()); err != nil {
			return err
		}
		fmt.Printf("initialized repo at %s\n", repo)
		return nil
	},
}

var daemonCmd = &cli.Command{
	Name:  "daemon",
	Usage: "Start a blockswap daemon process",
	Flags: []cli.Flag{
		&cli.StringSliceFlag{
			Name:  "bootstrap",
			Usage: "additional bootstrap peer multiaddrs",
		},
	},
	Action: func(cctx *cli.Context) error {
		cfg, _, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		cfg.Libp2p.BootstrapPeers = append(cfg.Libp2p.BootstrapPeers, cctx.StringSlice("bootstrap")...)

		ctx, cancel := context.WithCancel(cctx.Context)
		defer cancel()

		n, err := node.New(ctx, cfg)
		if err != nil {
			return err
		}

		fmt.Printf("peer id: %s\n", n.Host.ID())
		for _, a := range n.Host.Addrs() {
			fmt.Printf("listening on %s/p2p/%s\n", a, n.Host.ID())
		}

		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigs
		log.Infow("shutting down", "signal", sig)
		return n.Close()
	},
}

var putCmd = &cli.Command{
	Name:      "put",
	Usage:     "Store a file as a single block and print its cid",
	ArgsUsage: "<file>",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected a file argument")
		}
		data, err := os.ReadFile(cctx.Args().First())
		if err != nil {
			return err
		}
		if len(data) > maxBlockSize {
			return xerrors.Errorf("file exceeds the %d byte block limit", maxBlockSize)
		}

		cfg, _, err := loadConfig(cctx)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(cctx.Context)
		defer cancel()
		n, err := node.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer n.Close() //nolint:errcheck

		hash, err := mh.Sum(data, mh.SHA2_256, -1)
		if err != nil {
			return err
		}
		blk, err := blocks.NewBlockWithCid(data, cid.NewCidV1(cid.Raw, hash))
		if err != nil {
			return err
		}
		if err := n.Exchange.PutBlock(ctx, blk); err != nil {
			return err
		}
		fmt.Println(blk.Cid())
		return nil
	},
}

var getCmd = &cli.Command{
	Name:      "get",
	Usage:     "Fetch a block and write its payload",
	ArgsUsage: "<cid>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:    "output",
			Aliases: []string{"o"},
			Usage:   "write payload to file instead of stdout",
		},
		&cli.StringSliceFlag{
			Name:  "connect",
			Usage: "peer multiaddrs to dial before fetching",
		},
		&cli.DurationFlag{
			Name:  "timeout",
			Value: time.Minute,
			Usage: "give up after this long",
		},
	},
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() != 1 {
			return xerrors.New("expected a cid argument")
		}
		c, err := cid.Decode(cctx.Args().First())
		if err != nil {
			return xerrors.Errorf("parsing cid: %w", err)
		}

		cfg, _, err := loadConfig(cctx)
		if err != nil {
			return err
		}
		cfg.Libp2p.BootstrapPeers = append(cfg.Libp2p.BootstrapPeers, cctx.StringSlice("connect")...)

		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()
		n, err := node.New(ctx, cfg)
		if err != nil {
			return err
		}
		defer n.Close() //nolint:errcheck

		blk, err := n.Exchange.GetBlock(ctx, c)
		if err != nil {
			return err
		}

		if out := cctx.String("output"); out != "" {
			return os.WriteFile(out, blk.RawData(), 0644)
		}
		_, err = os.Stdout.Write(blk.RawData())
		return err
	},
}
