package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/pflag"

	"ridehub.io/internal/migrate"
)

func main() {
	log.SetFlags(0)
	dsn := pflag.String("dsn", os.Getenv("RIDEHUB_PG_DSN"), "PostgreSQL DSN")
	pflag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via --dsn or RIDEHUB_PG_DSN")
	}
	if pflag.NArg() == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr, err := migrate.NewManager(db)
	if err != nil {
		log.Fatal(err)
	}

	switch pflag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var v int64
		v, err = mgr.Status(ctx)
		if err == nil {
			fmt.Printf("schema version %d\n", v)
		}
	default:
		log.Fatalf("unknown command %q", pflag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", pflag.Arg(0), err)
	}
}
