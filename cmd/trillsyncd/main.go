package main

import (
	"flag"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	trillsync "github.com/starspacegroup/trill-sync"
	"github.com/starspacegroup/trill-sync/state"
	"github.com/starspacegroup/trill-sync/state/migrations"
)

var (
	flagBindAddr    = flag.String("port", ":8019", "Bind address")
	flagPostgres    = flag.String("db", "user=postgres dbname=trillsync sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagMetricsAddr = flag.String("metrics", "", "Bind address for Prometheus metrics, disabled if empty")
	flagSentryDSN   = flag.String("sentry", "", "Sentry DSN, disabled if empty")
	flagDebug       = flag.Bool("debug", false, "Enable trace logging")
)

func main() {
	flag.Parse()
	if *flagPostgres == "" {
		flag.Usage()
		os.Exit(1)
	}
	if *flagDebug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
	if *flagSentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{Dsn: *flagSentryDSN}); err != nil {
			panic(err)
		}
	}

	db, err := sqlx.Open("postgres", *flagPostgres)
	if err != nil {
		sentry.CaptureException(err)
		panic(err)
	}
	storage := state.NewStorageWithDB(db, *flagMetricsAddr != "")
	if err := migrations.Run(db.DB); err != nil {
		sentry.CaptureException(err)
		panic(err)
	}

	handler := trillsync.NewSyncHandler(storage)
	trillsync.RunServer(handler, *flagBindAddr, *flagMetricsAddr)
}
