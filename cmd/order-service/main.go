// cmd/order-service/main.go
package main

import (
	"os"

	"github.com/spf13/cobra"

	"fulfillment/internal/pkg/logger"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "order-service",
		Short:         "Order fulfillment saga orchestrator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CONFIG_FILE"), "path to YAML config file")
	root.AddCommand(newServeCmd(), newInspectCmd())

	if err := root.Execute(); err != nil {
		logger.L().Error().Err(err).Msg("order-service exited with error")
		os.Exit(1)
	}
}
