package main

import (
	"os"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/PortNumber53/scanvocab/backend/internal/logger"
)

func main() {
	// Load environment variables
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	logger.New(logger.Config{Level: os.Getenv("LOG_LEVEL"), Format: "console", Output: os.Stderr})

	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("dbtool failed")
		os.Exit(1)
	}
}
