package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"referralchat/app/api/httpapi"
	"referralchat/app/api/mcpapi"
	"referralchat/app/config"
	"referralchat/app/service/assembler"
	"referralchat/app/service/augment"
	"referralchat/app/service/completion"
	"referralchat/app/service/conversation"
	"referralchat/app/service/relay"
	"referralchat/app/store"
	"referralchat/app/util/mylog"

	"github.com/gofiber/fiber/v2/log"
	"github.com/samber/do"
	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	mylog.Preinit()

	app := &cli.App{
		Name:    "referralchat",
		Usage:   "Referral marketplace chat core",
		Version: version,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Load configuration from `FILE`",
				Value:   config.DefaultPath,
				EnvVars: []string{"CONFIG_PATH"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "serve",
				Usage:  "Run the HTTP API and the relay listener",
				Action: serve,
			},
			{
				Name:   "migrate",
				Usage:  "Apply the database schema and exit",
				Action: migrate,
			},
			{
				Name:   "mcp",
				Usage:  "Expose the chat pipeline as MCP tools over stdio",
				Action: serveMCP,
			},
		},
		DefaultCommand: "serve",
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatalf("%v", err)
	}
}

// setup builds the injector with every service registered. The returned
// context is canceled on SIGINT.
func setup(c *cli.Context) (*do.Injector, context.Context, context.CancelFunc, error) {
	appCtx, cancel := context.WithCancel(c.Context)

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}

	if err = mylog.Init(cfg); err != nil {
		cancel()
		return nil, nil, nil, err
	}

	di := do.New()
	do.ProvideValue(di, appCtx)
	do.ProvideValue(di, cfg)

	do.Provide(di, store.New)
	do.Provide(di, relay.New)
	do.Provide(di, assembler.New)
	do.Provide(di, augment.New)
	do.Provide(di, completion.New)
	do.Provide(di, conversation.New)
	do.Provide(di, httpapi.New)
	do.Provide(di, mcpapi.New)

	go func() {
		sigint := make(chan os.Signal, 1)
		signal.Notify(sigint, os.Interrupt)
		defer signal.Stop(sigint)

		select {
		case <-sigint:
			log.Info("Shutting down...")
			cancel()
		case <-appCtx.Done():
		}
	}()

	return di, appCtx, cancel, nil
}

func serve(c *cli.Context) error {
	di, appCtx, cancel, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer di.Shutdown()
	defer log.Info("Waiting for services to finish...")

	rl, err := do.Invoke[relay.Relay](di)
	if err != nil {
		return err
	}

	server, err := do.Invoke[*httpapi.Server](di)
	if err != nil {
		return err
	}

	slog.Info("Service started", "version", version)

	group, groupCtx := errgroup.WithContext(appCtx)
	group.Go(func() error {
		return rl.Run(groupCtx)
	})
	group.Go(func() error {
		return server.Run(groupCtx)
	})

	return group.Wait()
}

func migrate(c *cli.Context) error {
	di, _, cancel, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer di.Shutdown()

	if _, err = do.Invoke[store.Store](di); err != nil {
		return err
	}

	slog.Info("Schema applied")

	return nil
}

func serveMCP(c *cli.Context) error {
	di, appCtx, cancel, err := setup(c)
	if err != nil {
		return err
	}
	defer cancel()
	defer di.Shutdown()

	rl, err := do.Invoke[relay.Relay](di)
	if err != nil {
		return err
	}

	server, err := do.Invoke[*mcpapi.Server](di)
	if err != nil {
		return err
	}

	group, groupCtx := errgroup.WithContext(appCtx)
	group.Go(func() error {
		return rl.Run(groupCtx)
	})
	group.Go(func() error {
		defer cancel()
		return server.Serve(groupCtx, os.Stdin, os.Stdout)
	})

	return group.Wait()
}
