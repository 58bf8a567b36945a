package main

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/cobra"

	"github.com/opd-ai/beam/config"
	"github.com/opd-ai/beam/session"
	"github.com/opd-ai/beam/signaling"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the signaling server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return fmt.Errorf("connect to session store at %s: %w", cfg.RedisAddr, err)
		}
		defer client.Close()

		server := signaling.NewServer(session.NewRegistry(client))
		return server.Run(cfg.ListenAddr)
	},
}
