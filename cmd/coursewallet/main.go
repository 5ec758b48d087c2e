package main

import (
	"encoding/json"
	"fmt"
	"github.com/urfave/cli/v2"
	"moff.io/coursewallet/internal/config"
	"moff.io/coursewallet/pkg/errors"
	"moff.io/coursewallet/pkg/log"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	if err := newCLI().Run(os.Args); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}

func newCLI() *cli.App {
	return &cli.App{
		Name:  "coursewallet",
		Usage: "wallet session daemon for the course marketplace",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to the yaml configuration file",
				EnvVars: []string{"COURSEWALLET_CONFIG"},
			},
		},
		Commands: []*cli.Command{runCmd, chainsCmd},
	}
}

var runCmd = &cli.Command{
	Name:  "run",
	Usage: "start the wallet daemon and its control api",
	Action: func(cctx *cli.Context) (err error) {
		defer func() {
			if i := recover(); i != nil {
				err = errors.ErrorfAndReport("%v", i)
			}
		}()
		conf, err := config.Load(cctx.String("config"))
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
		defer stop()

		log.Infof("Starting coursewallet")
		app, err := newApplication(ctx, conf)
		if err != nil {
			return err
		}
		app.start(ctx)
		<-ctx.Done()
		log.Infof("Stopping coursewallet")
		app.stop()
		return nil
	},
}

var chainsCmd = &cli.Command{
	Name:  "chains",
	Usage: "list the known chains",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "json", Usage: "print the chains as json"},
	},
	Action: func(cctx *cli.Context) error {
		conf, err := config.Load(cctx.String("config"))
		if err != nil {
			return err
		}
		all := newRegistry(conf).All()
		w := cctx.App.Writer
		if cctx.Bool("json") {
			enc := json.NewEncoder(w)
			enc.SetIndent("", "  ")
			return enc.Encode(all)
		}
		for _, b := range all {
			fmt.Fprintf(w, "%-8d %-10s %-18s %s\n", b.ID, b.IDHex, b.Name, b.RPCURL)
		}
		return nil
	},
}
