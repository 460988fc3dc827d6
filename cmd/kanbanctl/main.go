// Command kanbanctl lists, exports and live-edits boards on a kanban-sync server.
package main

import (
	"fmt"
	"os"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/CrowderSoup/kanban-sync/client"
)

var Version = "dev"

// Config holds the defaults read from the environment. Flags override them.
type Config struct {
	Server string `env:"KANBAN_SERVER" env-default:"http://localhost:3001"`
	Board  string `env:"KANBAN_BOARD"`
}

type app struct {
	cfg     Config
	verbose bool
}

func (a *app) logger() zerolog.Logger {
	level := zerolog.WarnLevel
	if a.verbose {
		level = zerolog.DebugLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()
}

func (a *app) client() (*client.Client, error) {
	return client.New(a.cfg.Server, nil)
}

func (a *app) board() (string, error) {
	if a.cfg.Board == "" {
		return "", fmt.Errorf("no board selected: pass --board or set KANBAN_BOARD")
	}
	return a.cfg.Board, nil
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "kanbanctl",
		Short:         "kanbanctl - client for a kanban-sync server",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&a.cfg.Server, "server", a.cfg.Server, "server base URL")
	rootCmd.PersistentFlags().StringVarP(&a.cfg.Board, "board", "b", a.cfg.Board, "board id")
	rootCmd.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "log sync activity")

	rootCmd.AddCommand(boardsCmd(a))
	rootCmd.AddCommand(createBoardCmd(a))
	rootCmd.AddCommand(exportCmd(a))
	rootCmd.AddCommand(watchCmd(a))
	return rootCmd
}

func main() {
	a := &app{}
	if err := cleanenv.ReadEnv(&a.cfg); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := newRootCmd(a).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
