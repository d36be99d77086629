package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/apex-x/embedq/internal/client"
)

func newClient(opts *cliOptions) *client.Client {
	return client.New(opts.cfg.Client.URL, client.WithTimeout(opts.cfg.Client.Timeout))
}

func newSubmitCommand(opts *cliOptions) *cobra.Command {
	var (
		id        string
		text      string
		imagePath string
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit one image or text task",
		Example: "  embedq submit --text \"a photo of a cat\"\n" +
			"  embedq submit --id cat-1 --image cat.png",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if (text == "") == (imagePath == "") {
				return errors.New("pass exactly one of --text or --image")
			}
			task := client.Task{ID: id, Text: text}
			if imagePath != "" {
				data, err := os.ReadFile(imagePath)
				if err != nil {
					return fmt.Errorf("read image: %w", err)
				}
				task = client.ImageTask(id, data)
			}
			resp, err := newClient(opts).Submit(cmd.Context(), []client.Task{task})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), resp)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id (a UUID is assigned when empty)")
	cmd.Flags().StringVar(&text, "text", "", "text to embed")
	cmd.Flags().StringVar(&imagePath, "image", "", "path of an image file to embed")
	return cmd
}

func newResultCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "result <id>",
		Short: "Fetch one completed result without removing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := newClient(opts).Result(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}

func newResultsCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "results",
		Short: "Drain every completed result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			results, err := newClient(opts).CollectResults(cmd.Context(), nil)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), results)
		},
	}
}

func newQueueCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "queue",
		Short: "Print the intake queue depth",
		RunE: func(cmd *cobra.Command, _ []string) error {
			depth, err := newClient(opts).QueueDepth(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), depth)
			return err
		},
	}
}

func printJSON(w io.Writer, payload any) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	return encoder.Encode(payload)
}
