package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/BartekS5/convsync/internal/cli"
	"github.com/joho/godotenv"
	_ "github.com/marcboeker/go-duckdb/v2"
)

func main() {
	// .env.analytics wins over .env; neither overrides the real environment.
	loaded := false
	for _, f := range []string{".env.analytics", ".env"} {
		if err := godotenv.Load(f); err == nil {
			loaded = true
		}
	}
	if !loaded {
		log.Println("No .env file found, using system environment variables")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rootCmd := cli.NewRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
