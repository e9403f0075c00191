package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/alecthomas/kong"
	"github.com/sirupsen/logrus"
	log "github.com/sirupsen/logrus"

	"github.com/tvix-contrib/tvix-go/pkg/blobservice"
	"github.com/tvix-contrib/tvix-go/pkg/bridgeserver"
	"github.com/tvix-contrib/tvix-go/pkg/directoryservice"
	"github.com/tvix-contrib/tvix-go/pkg/pathinfoservice"
)

// `help:"Expose a content-addressed store as an HTTP NAR/NARinfo binary cache"`
var cli struct {
	LogLevel        string `enum:"trace,debug,info,warn,error,fatal,panic" help:"The log level to log with" default:"info"`
	ListenAddr      string `name:"listen-addr" help:"The address this service listens on" default:"[::]:9000"`
	EnableAccessLog bool   `name:"access-log" help:"Enable access logging" default:"true" negatable:""`
	Priority        int    `name:"priority" help:"Priority advertised in /nix-cache-info" default:"30"`
}

func main() {
	_ = kong.Parse(&cli)

	logLevel, err := logrus.ParseLevel(cli.LogLevel)
	if err != nil {
		log.WithError(err).Fatal("invalid log level")
	}
	logrus.SetLevel(logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	blobs := blobservice.NewMemory()
	dirs := directoryservice.NewMemory()
	pathInfos := pathinfoservice.NewMemory()

	s := bridgeserver.New(blobs, dirs, pathInfos, cli.Priority, cli.EnableAccessLog)

	log.Infof("starting nar-bridge at %v", cli.ListenAddr)
	go func() {
		if err := s.ListenAndServe(cli.ListenAddr); err != nil {
			log.WithError(err).Error("nar-bridge server stopped")
		}
	}()

	<-ctx.Done()
	stop()
	log.Info("received signal, shutting down, press Ctrl+C again to force")

	timeoutCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.Shutdown(timeoutCtx); err != nil {
		log.WithError(err).Warn("failed to shut down cleanly")
		os.Exit(1)
	}
}
