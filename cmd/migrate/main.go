package main

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/ruanmelo/zapagenda/migrations"
	"github.com/ruanmelo/zapagenda/pkg/logging"
)

// Applies schema migrations. Usage:
//
//	migrate            apply all pending migrations
//	migrate down       roll back the most recent migration
//	migrate force N    override the recorded schema version
func main() {
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"))

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		logger.Error("DATABASE_URL is required")
		os.Exit(1)
	}

	cmd := "up"
	if len(os.Args) > 1 {
		cmd = os.Args[1]
	}

	var err error
	switch cmd {
	case "up":
		err = migrations.Up(databaseURL)
	case "down":
		err = migrations.Down(databaseURL)
	case "force":
		if len(os.Args) < 3 {
			logger.Error("force requires a version argument")
			os.Exit(1)
		}
		var version int
		version, err = strconv.Atoi(os.Args[2])
		if err != nil {
			logger.Error("invalid version", "arg", os.Args[2], "error", err)
			os.Exit(1)
		}
		err = migrations.Force(databaseURL, version)
	default:
		logger.Error("unknown command", "command", cmd)
		os.Exit(1)
	}
	if err != nil {
		logger.Error("migration failed", "command", cmd, "error", err)
		os.Exit(1)
	}
	logger.Info("migrations complete", "command", cmd)
}
