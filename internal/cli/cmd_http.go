package cli

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/burrownet/burrow/internal/client"
	"github.com/burrownet/burrow/internal/config"
	ilog "github.com/burrownet/burrow/internal/log"
	"github.com/burrownet/burrow/internal/settings"
)

// runHTTP starts the tunnel client. A leading bare number is shorthand for
// --port, so `burrow http 3000` works.
func runHTTP(ctx context.Context, args []string) int {
	config.LoadEnvFile()
	applySavedCredentials()

	if len(args) > 0 {
		if port, err := strconv.Atoi(args[0]); err == nil {
			args = append([]string{"--port", strconv.Itoa(port)}, args[1:]...)
		}
	}

	cfg, err := config.ParseClientFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	c, err := client.New(cfg, Version, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "client error:", err)
		return 2
	}
	if err := c.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "client error:", err)
		return 1
	}
	return 0
}

// applySavedCredentials fills BURROW_SERVER and BURROW_TOKEN from the
// `burrow login` settings file when neither flag nor env provides them.
func applySavedCredentials() {
	if os.Getenv("BURROW_SERVER") != "" && os.Getenv("BURROW_TOKEN") != "" {
		return
	}
	saved, err := settings.Load()
	if err != nil {
		return
	}
	if os.Getenv("BURROW_SERVER") == "" {
		os.Setenv("BURROW_SERVER", saved.ServerURL)
	}
	if os.Getenv("BURROW_TOKEN") == "" {
		os.Setenv("BURROW_TOKEN", saved.Token)
	}
}
