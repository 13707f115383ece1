package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/adwski/peercall/backend/model"
	httpServer "github.com/adwski/peercall/backend/server/http"
	websocketServer "github.com/adwski/peercall/backend/server/websocket"
	"github.com/adwski/peercall/backend/service"
	store "github.com/adwski/peercall/backend/storage/memory"
	sw "github.com/adwski/peercall/backend/switch"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

// directory is the seed file layout.
type directory struct {
	Users       []model.User `json:"users"`
	Friendships [][2]string  `json:"friendships"`
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		directoryFile = fs.StringP("directory", "d", "", "json file with users and friendships to preload")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	dir := store.NewMemStore()
	if *directoryFile != "" {
		if err = loadDirectory(*directoryFile, dir); err != nil {
			logger.Fatal().Err(err).Msg("failed to load directory")
		}
	}

	svc := service.NewService(service.Config{
		Directory: dir,
		Switch:    sw.NewSwitch(&logger),
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:           &logger,
		DirectoryService: svc,
		ListenAddr:       *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}

func loadDirectory(path string, dir *store.MemStore) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var d directory
	if err = json.Unmarshal(b, &d); err != nil {
		return err
	}
	for _, u := range d.Users {
		dir.PutUser(u)
	}
	for _, f := range d.Friendships {
		if err = dir.AddFriendship(f[0], f[1]); err != nil {
			return err
		}
	}
	return nil
}
