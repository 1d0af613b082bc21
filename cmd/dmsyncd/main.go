package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"

	"github.com/halorium/dmsync/pkg/config"
	"github.com/halorium/dmsync/pkg/engine"
	"github.com/halorium/dmsync/pkg/eventcache"
	"github.com/halorium/dmsync/pkg/ledger"
	"github.com/halorium/dmsync/pkg/notify"
	"github.com/halorium/dmsync/pkg/relaypool"
)

func main() {
	app := &cli.App{
		Name:    "dmsyncd",
		Usage:   "Synchronize encrypted direct messages across relay nodes",
		Version: "0.1.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to config file",
				Value:   "config.yaml",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Minimum log level (trace, debug, info, warn, error)",
				Value: "info",
			},
		},
		Commands: []*cli.Command{
			runCommand,
			genKeyCommand,
		},
		DefaultCommand: "run",
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var runCommand = &cli.Command{
	Name:   "run",
	Usage:  "Run the sync daemon",
	Action: runDaemon,
}

var genKeyCommand = &cli.Command{
	Name:   "gen-key",
	Usage:  "Generate a fresh identity keypair and print it",
	Action: genKey,
}

func setupLogger(level string) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger(), nil
}

func runDaemon(ctx *cli.Context) error {
	log, err := setupLogger(ctx.String("log-level"))
	if err != nil {
		return err
	}
	configPath := ctx.String("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cache, err := eventcache.Open(cfg.Cache.Path, log)
	if err != nil {
		return fmt.Errorf("failed to open event cache: %w", err)
	}
	defer cache.Close()

	pubKey, _ := nostr.GetPublicKey(cfg.Identity.PrivateKey)
	led, err := ledger.Open(cfg.Ledger.Path, pubKey, log)
	if err != nil {
		return fmt.Errorf("failed to open receipt ledger: %w", err)
	}
	defer led.Close()

	pool := relaypool.New(cfg.Relays, relaypool.Options{
		PerNodeTimeout: cfg.Publish.PerNodeTimeout.Get(),
		OverallTimeout: cfg.Publish.OverallTimeout.Get(),
	}, log)
	defer pool.Close()

	var push notify.Notifier = notify.Nop{}
	if cfg.Push.Endpoint != "" {
		push = notify.NewHTTP(cfg.Push.Endpoint, log)
	}

	eng, err := engine.New(engine.Params{
		SecretKey:        cfg.Identity.PrivateKey,
		Gateway:          pool,
		Cache:            cache,
		Ledger:           led,
		Push:             push,
		Log:              log,
		PollInterval:     cfg.Sync.PollInterval.Get(),
		SinceBuffer:      cfg.Sync.SinceBuffer.Get(),
		ColdStartHorizon: cfg.Sync.ColdStartHorizon.Get(),
	})
	if err != nil {
		return err
	}

	log.Info().Str("identity", pubKey).Strs("relays", cfg.Relays).Msg("Starting sync engine")
	if err := eng.Start(ctx.Context); err != nil {
		return err
	}

	stop := make(chan struct{})
	go func() {
		err := config.Watch(configPath, log, stop, func(next *config.Config) {
			pool.SetNodes(next.Relays)
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable, relay list changes require a restart")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")
	close(stop)
	eng.Stop()
	return nil
}

func genKey(*cli.Context) error {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return err
	}
	nsec, err := nip19.EncodePrivateKey(sk)
	if err != nil {
		return err
	}
	npub, err := nip19.EncodePublicKey(pk)
	if err != nil {
		return err
	}
	fmt.Printf("private key: %s\n            %s\n", sk, nsec)
	fmt.Printf("public key:  %s\n            %s\n", pk, npub)
	return nil
}
