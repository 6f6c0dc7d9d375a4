package app

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"
)

// Show prints recent trigger log entries and, when an asset is given, that
// asset's recent price samples.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	triggers, err := store.ListRecentTriggers(ctx, opts.Limit)
	if err != nil {
		return err
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)

	if len(triggers) == 0 {
		fmt.Fprintln(os.Stdout, "no triggers recorded")
	} else {
		fmt.Fprintln(writer, "Triggered (UTC)\tAlert\tChange%\tWas\tNow\tDelivered")
		for _, entry := range triggers {
			fmt.Fprintf(
				writer,
				"%s\t#%d\t%s\t%s\t%s\t%t\n",
				entry.TriggeredAt.UTC().Format(time.RFC3339),
				entry.AlertID,
				entry.ChangePct.StringFixed(2),
				entry.ReferencePrice.String(),
				entry.CurrentPrice.String(),
				entry.Delivered,
			)
		}
		writer.Flush()
	}

	if opts.Asset == "" {
		return nil
	}

	samples, err := store.ListRecentSamples(ctx, opts.Asset, opts.Limit)
	if err != nil {
		return err
	}
	if len(samples) == 0 {
		fmt.Fprintf(os.Stdout, "no samples for %s\n", opts.Asset)
		return nil
	}

	fmt.Fprintln(writer, "\nSampled (UTC)\tAsset\tPrice")
	for _, sample := range samples {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\n",
			sample.SampledAt.UTC().Format(time.RFC3339),
			sample.Asset,
			sample.Price.String(),
		)
	}

	writer.Flush()
	return nil
}
