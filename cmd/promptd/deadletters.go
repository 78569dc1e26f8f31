package main

import (
	"encoding/json"
	"fmt"

	"github.com/phrazzld/promptd/internal/queue"
	"github.com/spf13/cobra"
)

var deadLetterLimit int

var deadLettersCmd = &cobra.Command{
	Use:   "dead-letters",
	Short: "List dead-lettered messages as JSON lines without removing them",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}

		broker, err := openBroker(cmd.Context(), cfg.Queue, log, nil)
		if err != nil {
			return err
		}
		defer func() { _ = broker.Close() }()

		reader, ok := broker.(queue.DeadLetterReader)
		if !ok {
			return fmt.Errorf("queue backend %q cannot list dead letters", cfg.Queue.Backend)
		}
		records, err := reader.DeadLetters(cmd.Context(), deadLetterLimit)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, r := range records {
			if err := enc.Encode(r); err != nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	deadLettersCmd.Flags().IntVar(&deadLetterLimit, "limit", 50, "maximum number of records")
	rootCmd.AddCommand(deadLettersCmd)
}
