package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-board/api"
	"github.com/tcriess/lightspeed-board/config"
	"github.com/tcriess/lightspeed-board/filter"
	"github.com/tcriess/lightspeed-board/globals"
	"github.com/tcriess/lightspeed-board/lifecycle"
	"github.com/tcriess/lightspeed-board/persistence"
	"github.com/tcriess/lightspeed-board/registry"
	"github.com/tcriess/lightspeed-board/room"
	"github.com/tcriess/lightspeed-board/ws"
)

const shutdownTimeout = 10 * time.Second

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func main() {
	log.SetFlags(0)

	flagSet := config.GetFlagSet()
	pflag.CommandLine.AddFlagSet(flagSet)
	pflag.Parse()

	globalConfig, err := config.ReadConfiguration(*configPath, flagSet)
	if err != nil {
		panic(err)
	}
	globals.AppLogger.SetLevel(hclog.LevelFromString(globalConfig.LogLevel))

	strokeFilter, err := filter.NewStrokeFilter(globalConfig.StrokeFilter)
	if err != nil {
		panic(err)
	}

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	defer persister.Close()
	writer := persistence.NewWriteBehind(persister, globalConfig.Persistence.QueueSize, globals.AppLogger.Named("persistence"))
	defer writer.Close()

	store := room.NewStore()
	hub, err := ws.NewHub(store, registry.New(), persister, writer, ws.Options{
		RoomTTL:       globalConfig.RoomConfig.RoomTTL,
		CodeTTL:       globalConfig.RoomConfig.CodeTTL,
		MissCacheSize: globalConfig.RoomConfig.MissCacheSize,
		MissCacheTTL:  globalConfig.RoomConfig.MissCacheTTL,
		IdleGrace:     globalConfig.RoomConfig.IdleGrace,
		StrokeFilter:  strokeFilter,
		Logger:        globals.AppLogger.Named("hub"),
	})
	if err != nil {
		panic(err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	manager := lifecycle.NewManager(store, persister, writer, hub, globalConfig.RoomConfig.RoomTTL, globals.AppLogger.Named("lifecycle"))
	if globalConfig.Persistence.SweepSpec != "" {
		if err := manager.StartSweeper(globalConfig.Persistence.SweepSpec); err != nil {
			panic(err)
		}
	}
	defer manager.Stop()

	wsHandler := ws.ServeWs(hub, ws.NewUpgrader(globalConfig.AllowedOrigins), ws.ClientOptions{
		SendBufferSize:    globalConfig.ConnectionConfig.SendBufferSize,
		MaxMessageSize:    globalConfig.ConnectionConfig.MaxMessageSize,
		MessagesPerSecond: globalConfig.ConnectionConfig.MessagesPerSecond,
		MessageBurst:      globalConfig.ConnectionConfig.MessageBurst,
	})
	server := &http.Server{
		Addr:    globalConfig.Addr,
		Handler: api.NewRouter(api.New(manager, globals.AppLogger.Named("api")), wsHandler, globalConfig.AllowedOrigins),
	}

	go func() {
		globals.AppLogger.Info("listening", "addr", globalConfig.Addr, "persistence", globalConfig.Persistence.Type)
		var err error
		if globalConfig.SSLCert != "" && globalConfig.SSLKey != "" {
			err = server.ListenAndServeTLS(globalConfig.SSLCert, globalConfig.SSLKey)
		} else {
			err = server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			globals.AppLogger.Error("stopped listening", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	globals.AppLogger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		globals.AppLogger.Error("could not shut down http server", "error", err)
	}
	stopHub()
	<-hub.Done()
	if err := writer.Flush(shutdownCtx); err != nil {
		globals.AppLogger.Error("could not flush pending writes", "error", err)
	}
}
