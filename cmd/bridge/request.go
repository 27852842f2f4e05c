package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/pkdiagram/serverbridge/pkg/client"
)

var (
	requestData string
	requestWait time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request METHOD PATH",
	Short: "Issue one request and print its response",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		method, path := strings.ToUpper(args[0]), args[1]
		data, err := parseData(requestData)
		if err != nil {
			return fmt.Errorf("--data: %w", err)
		}

		// a single request has nothing for the monitor to report
		settings.MonitorInterval = 0
		c, err := client.NewClient(cmd.Context(), settings, logger)
		if err != nil {
			return err
		}
		defer c.Close()

		handle, err := c.Deliver(method, path, data)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), requestWait)
		defer cancel()
		resp, err := handle.Wait(ctx)
		if err != nil {
			return fmt.Errorf("waiting for %s %s: %w", method, path, err)
		}
		return newPrinter(os.Stdout).print(handle.ID(), method, path, resp)
	},
}

func init() {
	requestCmd.Flags().StringVar(&requestData, "data", "", "JSON request body")
	requestCmd.Flags().DurationVar(&requestWait, "wait", 90*time.Second, "how long to wait for the response")
}
