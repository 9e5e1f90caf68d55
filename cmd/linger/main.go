// Command linger runs one bot process.
//
//	linger spawn <bot_id> [-config path]
//
// The bot's configuration is read from configs/<bot_id>.yaml unless
// -config points elsewhere. The process runs until SIGINT or SIGTERM;
// initialization failures exit 1.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/lingerbot/linger/internal/bot"
	"github.com/lingerbot/linger/internal/config"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "linger:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 || args[0] != "spawn" {
		return fmt.Errorf("usage: linger spawn <bot_id> [-config path]")
	}
	args = args[1:]

	fs := flag.NewFlagSet("spawn", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the bot's YAML config")

	var botID string
	if len(args) > 0 && args[0][0] != '-' {
		botID = args[0]
		args = args[1:]
	}
	if err := fs.Parse(args); err != nil {
		return err
	}

	path := *configPath
	if path == "" {
		if botID == "" {
			return fmt.Errorf("usage: linger spawn <bot_id> [-config path]")
		}
		path = filepath.Join("configs", botID+".yaml")
	}

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if botID != "" && cfg.BotID != botID {
		return fmt.Errorf("config %s declares bot_id %q, expected %q", path, cfg.BotID, botID)
	}

	app, err := bot.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return app.Run(ctx)
}
