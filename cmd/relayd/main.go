// Package main provides relayd, the standalone outbox relay daemon.
//
// relayd drains Pending outbox records from MongoDB onto Kafka. Services
// that embed the relay in-process do not need it; it exists for deployments
// that run the relay as its own replica set next to the services writing
// the outbox.
package main

import (
	"fmt"
	"os"

	"github.com/Sokol111/ecommerce-messaging/pkg/core/config"
	"github.com/Sokol111/ecommerce-messaging/pkg/core/health"
	"github.com/Sokol111/ecommerce-messaging/pkg/core/logger"
	"github.com/Sokol111/ecommerce-messaging/pkg/core/worker"
	"github.com/Sokol111/ecommerce-messaging/pkg/outbox"
	"github.com/Sokol111/ecommerce-messaging/pkg/persistence/mongo"
	"github.com/Sokol111/ecommerce-messaging/pkg/transport/kafka"
	"github.com/spf13/cobra"
	"go.uber.org/fx"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "relayd",
		Short:   "Outbox relay daemon",
		Long:    `relayd polls the outbox collection for pending records, publishes them to Kafka and marks them sent. Multiple replicas coordinate through claim-based row locking.`,
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(newApp(configPath))
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to the config file (overrides CONFIG_FILE)")
	return cmd
}

func newApp(configPath string) fx.Option {
	viperOpts := []config.ViperOption{}
	if configPath != "" {
		viperOpts = append(viperOpts, config.WithConfigPath(configPath))
	}

	return fx.Options(
		config.NewAppConfigModule(),
		config.NewViperModule(viperOpts...),
		logger.NewZapLoggingModule(),
		health.NewHealthModule(),
		mongo.NewMongoModule(),
		kafka.NewKafkaModule(),
		outbox.NewOutboxModule(),
		worker.Start(),
	)
}
