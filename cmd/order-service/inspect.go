package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"fulfillment/internal/pkg/bootstrap"
	"fulfillment/internal/pkg/logger"
	"fulfillment/internal/service/order/application"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <orderId>",
		Short: "Print an order and its event log from the configured store",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := bootstrap.Load(configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Service.Name, "warn", "console")
			if cfg.Storage.Driver == "memory" {
				return errors.New("inspect needs a persistent storage driver")
			}
			repo, err := openRepository(cfg)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()
			o, err := repo.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return jsonEncode(os.Stdout, application.ToOrderView(o))
		},
	}
}

func jsonEncode(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
