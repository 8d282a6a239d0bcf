package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/burrownet/burrow/internal/account"
	"github.com/burrownet/burrow/internal/config"
	ilog "github.com/burrownet/burrow/internal/log"
	"github.com/burrownet/burrow/internal/server"
	"github.com/burrownet/burrow/internal/store/sqlite"
)

func runServer(ctx context.Context, args []string) int {
	config.LoadEnvFile()

	cfg, err := config.ParseServerFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "server config error:", err)
		return 2
	}
	logger := ilog.New(cfg.LogLevel)

	store, err := sqlite.Open(cfg.DBPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "db error:", err)
		return 1
	}
	defer func() { _ = store.Close() }()

	accounts := account.NewJWTService(cfg.SigningSecret, store)

	s := server.New(cfg, store, accounts, logger)
	if err := s.Run(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "server error:", err)
		return 1
	}
	return 0
}
