package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/tcriess/lightspeed-board/config"
	"github.com/tcriess/lightspeed-board/globals"
	"github.com/tcriess/lightspeed-board/lifecycle"
	"github.com/tcriess/lightspeed-board/persistence"
	"github.com/tcriess/lightspeed-board/room"
)

// A very simple CLI tool for the inspection and maintenance of the backing cache of lightspeed-board rooms.
// It must not run against a buntdb file while the server holds the lock.

var (
	configPath = pflag.StringP("config", "c", "", "path to config file or directory")
)

func printJSON(v interface{}) {
	b, err := json.Marshal(v)
	if err != nil {
		globals.AppLogger.Error("could not marshal result", "error", err)
		return
	}
	fmt.Println(string(b))
}

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

	persister, err := persistence.NewPersister(globalConfig)
	if err != nil {
		panic(err)
	}
	defer persister.Close()
	writer := persistence.NewWriteBehind(persister, 1, globals.AppLogger)
	defer writer.Close()
	manager := lifecycle.NewManager(room.NewStore(), persister, writer, nil, globalConfig.RoomConfig.RoomTTL, globals.AppLogger)

	var cmdShow = &cobra.Command{
		Use:   "show",
		Short: "Show rooms, strokes or code buffers",
		Long:  `show is for printing the persisted state of rooms.`,
	}
	var cmdShowRooms = &cobra.Command{
		Use:   "rooms",
		Short: "Show rooms",
		Long:  `show rooms lists all rooms that have not expired.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			rooms, err := persister.GetRooms()
			if err != nil {
				globals.AppLogger.Error("could not get rooms", "error", err)
				return
			}
			printJSON(rooms)
		},
	}
	var cmdShowRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Show room",
		Long:  `show room prints the full snapshot (metadata, public strokes and code buffers) of the room with the given id.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			snapshot, err := persistence.LoadRoom(persister, args[0])
			if err != nil {
				globals.AppLogger.Error("could not load room", "room", args[0], "error", err)
				return
			}
			printJSON(snapshot)
		},
	}
	var cmdShowStrokes = &cobra.Command{
		Use:   "strokes [room id]",
		Short: "Show strokes",
		Long:  `show strokes lists the persisted public strokes of the room with the given id.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			strokes, err := persister.GetStrokes(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get strokes", "room", args[0], "error", err)
				return
			}
			printJSON(strokes)
		},
	}
	var cmdShowCode = &cobra.Command{
		Use:   "code [room id]",
		Short: "Show code buffers",
		Long:  `show code lists the persisted code buffers of the room with the given id.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			codes, err := persister.GetCodes(args[0])
			if err != nil {
				globals.AppLogger.Error("could not get code buffers", "room", args[0], "error", err)
				return
			}
			printJSON(codes)
		},
	}
	var cmdCreate = &cobra.Command{
		Use:   "create",
		Short: "Create room",
	}
	var cmdCreateRoom = &cobra.Command{
		Use:   "room",
		Short: "Create room",
		Long:  `create room creates a new room and prints its id and admin key. The server picks it up on the first join.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			created, err := manager.CreateRoom(ctx)
			if err != nil {
				globals.AppLogger.Error("could not create room", "error", err)
				return
			}
			if err := writer.Flush(ctx); err != nil {
				globals.AppLogger.Error("could not store room", "error", err)
				return
			}
			printJSON(created)
		},
	}
	var cmdDelete = &cobra.Command{
		Use:   "delete",
		Short: "Delete room",
	}
	var cmdDeleteRoom = &cobra.Command{
		Use:   "room [room id]",
		Short: "Delete room",
		Long:  `delete room removes the room with the given id, including its strokes and code buffers.`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			err := persister.DeleteRoom(args[0])
			if err != nil {
				globals.AppLogger.Error("could not delete room", "room", args[0], "error", err)
				return
			}
		},
	}
	var cmdSweep = &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired records",
		Long:  `sweep removes all expired rooms, strokes and code buffers once.`,
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			result, err := manager.Sweep(ctx)
			if err != nil {
				globals.AppLogger.Error("could not sweep", "error", err)
				return
			}
			globals.AppLogger.Info("sweep done", "removed", result.Expired)
		},
	}
	var rootCmd = &cobra.Command{Use: "lightspeed-board-admin"}
	rootCmd.AddCommand(cmdShow, cmdCreate, cmdDelete, cmdSweep)
	cmdShow.AddCommand(cmdShowRooms, cmdShowRoom, cmdShowStrokes, cmdShowCode)
	cmdCreate.AddCommand(cmdCreateRoom)
	cmdDelete.AddCommand(cmdDeleteRoom)
	rootCmd.SetArgs(pflag.Args())
	_ = rootCmd.Execute()
}
