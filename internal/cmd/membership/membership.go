// Package membership parses configuration and runs the membership service
// process.
package membership

import (
	"context"
	"flag"
	"fmt"
	"log"

	"github.com/ticketfold/ticketfold/internal/platform/config"
	platformotel "github.com/ticketfold/ticketfold/internal/platform/otel"
	"github.com/ticketfold/ticketfold/internal/services/membership/app"
)

// Config holds the membership process configuration.
type Config struct {
	StoragePath string
}

type envConfig struct {
	StoragePath string `env:"TICKETFOLD_MEMBERSHIP_STORAGE_PATH" envDefault:"membership.db"`
}

// ParseConfig merges environment variables and flags; flags win.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var fromEnv envConfig
	if err := config.ParseEnv(&fromEnv); err != nil {
		return Config{}, err
	}

	storagePath := fs.String("storage", fromEnv.StoragePath, "path to the membership sqlite database")
	if err := fs.Parse(args); err != nil {
		return Config{}, fmt.Errorf("parse flags: %w", err)
	}

	return Config{StoragePath: *storagePath}, nil
}

// Run starts tracing and the membership runtime until ctx cancellation.
func Run(ctx context.Context, cfg Config) error {
	shutdown, err := platformotel.Setup(ctx, "membership")
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Printf("shutdown tracing: %v", err)
		}
	}()

	return app.Run(ctx, app.RuntimeConfig{StoragePath: cfg.StoragePath})
}
