package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/log"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"github.com/ephemeral-examples/ledgersync/config"
	"github.com/ephemeral-examples/ledgersync/internal/api"
	"github.com/ephemeral-examples/ledgersync/internal/client"
	"github.com/ephemeral-examples/ledgersync/internal/keystore"
)

var serveCmd = &cli.Command{
	Name:  "serve",
	Usage: "Run the HTTP API",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "port",
			Usage: "listen port; 0 keeps api_port from the config",
		},
	},
	Action: func(cctx *cli.Context) error {
		return withClient(cctx, func(ctx context.Context, cfg *config.Config, c *client.Client) error {
			for _, flow := range client.Flows() {
				if _, err := c.Open(ctx, flow); err != nil {
					log.Warn("could not open slot", "flow", flow, "err", err)
				}
			}
			port := cfg.APIPort
			if p := cctx.Int("port"); p > 0 {
				port = p
			}
			return api.NewServer(c).Serve(ctx, fmt.Sprintf(":%d", port))
		})
	},
}

var incrementCmd = &cli.Command{
	Name:  "increment",
	Usage: "Increment the counter and wait for the authoritative value",
	Action: func(cctx *cli.Context) error {
		return dispatchAndWait(cctx, client.FlowCounter)
	},
}

var rollCmd = &cli.Command{
	Name:  "roll",
	Usage: "Roll the dice and wait for the oracle result",
	Action: func(cctx *cli.Context) error {
		return dispatchAndWait(cctx, client.FlowDice)
	},
}

var delegateCmd = &cli.Command{
	Name:      "delegate",
	Usage:     "Delegate a flow's account to the ephemeral ledger",
	ArgsUsage: "<counter|dice>",
	Action: func(cctx *cli.Context) error {
		flow, err := flowArg(cctx)
		if err != nil {
			return err
		}
		return withClient(cctx, func(ctx context.Context, _ *config.Config, c *client.Client) error {
			sig, err := c.Delegate(ctx, flow)
			if err != nil {
				return err
			}
			fmt.Println(sig)
			return nil
		})
	},
}

var undelegateCmd = &cli.Command{
	Name:      "undelegate",
	Usage:     "Commit a flow's account and return it to the base ledger",
	ArgsUsage: "<counter|dice>",
	Action: func(cctx *cli.Context) error {
		flow, err := flowArg(cctx)
		if err != nil {
			return err
		}
		return withClient(cctx, func(ctx context.Context, _ *config.Config, c *client.Client) error {
			sig, err := c.Undelegate(ctx, flow)
			if err != nil {
				return err
			}
			fmt.Println(sig)
			return nil
		})
	},
}

var sessionCmd = &cli.Command{
	Name:  "session",
	Usage: "Create a session token for the counter",
	Action: func(cctx *cli.Context) error {
		return withClient(cctx, func(ctx context.Context, _ *config.Config, c *client.Client) error {
			token, err := c.CreateSession(ctx)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		})
	},
}

var statusCmd = &cli.Command{
	Name:      "status",
	Usage:     "Show where a flow's account lives",
	ArgsUsage: "<counter|dice>",
	Action: func(cctx *cli.Context) error {
		flow, err := flowArg(cctx)
		if err != nil {
			return err
		}
		return withClient(cctx, func(ctx context.Context, _ *config.Config, c *client.Client) error {
			st, err := c.Status(ctx, flow)
			if err != nil {
				return err
			}
			return printJSON(st)
		})
	},
}

var keysCmd = &cli.Command{
	Name:  "keys",
	Usage: "Print the addresses of the stored identities, creating missing ones",
	Action: func(cctx *cli.Context) error {
		cfg, err := config.LoadWithEnv(cctx.String(configFlag.Name))
		if err != nil {
			return err
		}
		var opts []keystore.Option
		if cfg.KeyPassphrase != "" {
			opts = append(opts, keystore.WithPassphrase(cfg.KeyPassphrase))
		}
		store, err := keystore.Open(cfg.KeyStorePath, opts...)
		if err != nil {
			return err
		}
		defer store.Close()

		for _, id := range []struct {
			name string
			role keystore.Role
		}{
			{client.PrimaryKey, keystore.RolePrimary},
			{client.FeePayerKey, keystore.RoleFeePayer},
			{client.SessionKey, keystore.RoleSessionSigner},
		} {
			identity, err := store.LoadOrCreate(id.name, id.role)
			if err != nil {
				return err
			}
			fmt.Printf("%-15s %s\n", identity.Name, identity.PublicKey())
		}
		return nil
	},
}

func flowArg(cctx *cli.Context) (string, error) {
	if cctx.NArg() != 1 {
		return "", fmt.Errorf("expected one flow name, one of %v", client.Flows())
	}
	return cctx.Args().First(), nil
}

// withClient loads the config, runs fn against an initialized client and
// tears it down. The context ends on SIGINT or SIGTERM.
func withClient(cctx *cli.Context, fn func(context.Context, *config.Config, *client.Client) error) (err error) {
	cfg, err := config.LoadWithEnv(cctx.String(configFlag.Name))
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cctx.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := client.New(cfg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, c.Teardown())
	}()
	if err := c.Init(ctx); err != nil {
		return err
	}
	return fn(ctx, cfg, c)
}

func dispatchAndWait(cctx *cli.Context, flow string) error {
	return withClient(cctx, func(ctx context.Context, _ *config.Config, c *client.Client) error {
		slot, err := c.Open(ctx, flow)
		if err != nil {
			return err
		}
		p, err := slot.Dispatch(ctx)
		if err != nil {
			return err
		}
		view := slot.View()
		if view.Provisional != nil {
			log.Info("showing provisional value", "flow", flow, "value", view.Provisional.Value)
		}
		rec, err := slot.Wait(ctx, p.ID)
		if err != nil {
			return err
		}
		for _, n := range slot.DrainNotices() {
			if n.ActionID == p.ID {
				fmt.Fprintf(os.Stderr, "%s: %s\n", n.Kind, n.Message)
			}
		}
		return printJSON(rec)
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
