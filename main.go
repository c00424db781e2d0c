package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"

	"jellyswarrm/pkg/config"
	"jellyswarrm/pkg/jellyfin"
	"jellyswarrm/pkg/playsession"
	"jellyswarrm/pkg/proxy"
	"jellyswarrm/pkg/server"
	"jellyswarrm/pkg/storage"
)

// CLI is the command-line surface; every configuration field maps to a
// flag, with no implicit environment overrides.
type CLI struct {
	config.Config

	Debug bool `name:"debug" default:"false" help:"Enable debug logging."`
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("jellyswarrm"),
		kong.Description("Reverse proxy that makes a fleet of Jellyfin servers appear as one."),
		kong.UsageOnError(),
	)

	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if cli.Debug {
		logrus.SetLevel(logrus.DebugLevel)
	}
	log := logrus.WithField("component", "jellyswarrm")

	if err := cli.Config.CheckAndSetDefaults(); err != nil {
		kctx.FatalIfErrorf(err)
	}

	ctx := context.Background()
	store, err := storage.Open(ctx, cli.Config.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("Failed to open database.")
	}
	defer store.Close()

	clients := jellyfin.NewClientCache(jellyfin.DefaultCacheCapacity, jellyfin.DefaultCacheTTL)
	defer clients.Close()

	playSessions := playsession.NewRegistry(playsession.DefaultTTL)
	defer playSessions.Close()

	app := proxy.NewApp(store, clients, playSessions, config.NewSnapshot(cli.Config))
	srv := server.New(app, log)

	if err := srv.Run(cli.Config.BindAddress, cli.Config.TLSCert, cli.Config.TLSKey); err != nil {
		log.WithError(err).Fatal("Server error.")
	}
}
