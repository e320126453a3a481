package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/fpang/lookbook-bot/internal/artifact"
	"github.com/fpang/lookbook-bot/internal/jobs"
	"github.com/fpang/lookbook-bot/internal/kie"
)

var (
	imageURLsFlag []string
	promptFlag    string
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Run one generation job without touching the ledger",
	Long: `generate creates a task from one or more public image URLs, waits for the
result and downloads it into WORK_DIR. No credits are checked or spent.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(imageURLsFlag) == 0 {
			return errors.New("at least one --image-url is required")
		}
		ctx := cmd.Context()
		if _, err := initAWS(ctx, cfg); err != nil {
			return err
		}
		if cfg.Kie.APIKey == "" {
			return errors.New("KIE_API_KEY is required")
		}

		client := newKieClient(cfg)
		start := time.Now()
		taskID, err := client.CreateTask(ctx, kie.TaskRequest{Prompt: promptFlag, ImageURLs: imageURLsFlag})
		if err != nil {
			return err
		}
		log.Info().Str("taskId", taskID).Int("images", len(imageURLsFlag)).Msg("Task created, polling")

		res, err := client.PollResult(ctx, taskID, cfg.Kie.PollTimeout, cfg.Kie.PollInterval)
		if err != nil {
			return err
		}
		prefix := jobs.PrefixSingle
		if len(imageURLsFlag) > 1 {
			prefix = jobs.PrefixAlbum
		}
		path, err := artifact.NewRetriever(cfg.WorkDir).Fetch(ctx, res.URLs[0], jobs.GenerateID(prefix))
		if err != nil {
			return err
		}
		log.Info().Str("taskId", taskID).Dur("elapsed", time.Since(start)).Msg("Generation complete")
		fmt.Fprintln(cmd.OutOrStdout(), path)
		return nil
	},
}

func init() {
	generateCmd.Flags().StringArrayVar(&imageURLsFlag, "image-url", nil, "Source image URL (repeat for an album)")
	generateCmd.Flags().StringVarP(&promptFlag, "prompt", "p", "", "Prompt text (defaults to KIE_DEFAULT_PROMPT)")
}
