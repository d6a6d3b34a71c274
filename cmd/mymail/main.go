package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/simophin/mymail/common/environment"
	"github.com/simophin/mymail/common/version"
	"github.com/simophin/mymail/internal/mymail/config"
	"github.com/simophin/mymail/internal/mymail/engine"
	"github.com/simophin/mymail/internal/mymail/netstatus"
	"github.com/simophin/mymail/internal/mymail/observability"
	"github.com/simophin/mymail/internal/mymail/store"
)

func main() {
	fmt.Printf("mymail sync engine %s\n", version.Info())

	observability.Setup(
		environment.StringOr("MYMAIL_LOG_LEVEL", "info"),
		environment.StringOr("MYMAIL_LOG_FORMAT", "text"),
	)

	dbPath := environment.StringOr("MYMAIL_DATABASE", "./mymail.db")

	st, err := store.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Seed the accounts table on first start; afterwards the store wins.
	if path := environment.StringOr("MYMAIL_ACCOUNTS_FILE", ""); path != "" {
		cfg, err := config.LoadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to load accounts file: %v\n", err)
			os.Exit(1)
		}
		if err := config.ImportAccounts(ctx, st, cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to import accounts: %v\n", err)
			os.Exit(1)
		}
	}

	// The engine only connects while this reports online. Hook platform
	// reachability probes up to monitor.SetOnline; the default is online.
	monitor := netstatus.New(true)

	eng := engine.New(engine.Options{
		Store:  st,
		Online: monitor.Online(),
	})

	if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "Engine stopped: %v\n", err)
		os.Exit(1)
	}
}
