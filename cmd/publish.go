package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/neptunomedical/vigia"
	"github.com/neptunomedical/vigia/model"
)

// readBatch decodes and validates a lookup batch. "-" reads stdin.
func readBatch(path string) (*model.LookupBatch, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var batch model.LookupBatch
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return nil, fmt.Errorf("decoding batch %s: %w", path, err)
	}
	if err := vigia.ValidateBatch(&batch); err != nil {
		return nil, err
	}
	return &batch, nil
}

// publishCommands enqueues a batch file through the configured transport.
func publishCommands(app *vigiaInstance) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish <batch.json|->",
		Short: "publish a lookup batch to the worker queue",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()

			batch, err := readBatch(args[0])
			if err != nil {
				log.Fatal(err)
			}

			out, err := newTransport(ctx, app.cnf)
			if err != nil {
				log.Fatal(err)
			}
			defer out.Close()

			id, err := out.EnqueueBatch(ctx, batch)
			if err != nil {
				log.Printf("Error publishing batch: %v", err)
				return
			}
			fmt.Printf("Published batch %s with %d clients for insurer %d\n", id, len(batch.Clients), batch.InsurerID.Int64())
		},
	}
	return cmd
}
