package main

import (
	"fmt"
	"os"

	"github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/lvbu1984/chunkd/internal/client"
	"github.com/lvbu1984/chunkd/internal/logging"
)

func newPushCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push FILE",
		Short: "Upload a file to a chunkd server in chunks and merge it",
		Args:  cobra.ExactArgs(1),
		RunE:  runPush,
	}
	cmd.Flags().String("server", "http://127.0.0.1:3000", "base URL of the chunkd server")
	cmd.Flags().String("chunk-size", "4MiB", "size of each chunk")
	cmd.Flags().Int("concurrency", client.DefaultConcurrency, "chunks uploaded in parallel")
	cmd.Flags().String("name", "", "fileName to upload as (default: base name of FILE)")
	cmd.Flags().Int("retries", 4, "retries per request")
	return cmd
}

func runPush(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	server, _ := flags.GetString("server")
	sizeStr, _ := flags.GetString("chunk-size")
	concurrency, _ := flags.GetInt("concurrency")
	name, _ := flags.GetString("name")
	retries, _ := flags.GetInt("retries")

	chunkSize, err := units.RAMInBytes(sizeStr)
	if err != nil {
		return fmt.Errorf("--chunk-size: %w", err)
	}
	if chunkSize <= 0 {
		return fmt.Errorf("--chunk-size must be positive")
	}

	level, _ := flags.GetString("log-level")
	format, _ := flags.GetString("log-format")
	if level == "" {
		level = "info"
	}
	logger, err := logging.New(os.Stderr, level, format)
	if err != nil {
		return err
	}

	c := client.New(server, client.Options{RetryMax: retries, Logger: logger})
	result, err := c.Push(cmd.Context(), args[0], client.PushOptions{
		Name:        name,
		ChunkSize:   chunkSize,
		Concurrency: concurrency,
	})
	if err != nil {
		return err
	}

	if result.Merged.AlreadyMerged {
		logger.Warn("push complete, merged name was lost with the server's first response",
			"upload_id", result.Merged.UploadID,
			"chunks", result.Chunks,
		)
		return nil
	}
	logger.Info("push complete",
		"chunks", result.Chunks,
		"uploaded", result.Uploaded,
		"skipped", result.Skipped,
		"size", units.HumanSize(float64(result.Merged.Size)),
	)
	fmt.Fprintln(cmd.OutOrStdout(), result.Merged.FileName)
	return nil
}
