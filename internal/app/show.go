package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/storage"
)

// summaryFields are the projected fields shown per kind, in column order.
var summaryFields = map[feed.Kind][]string{
	feed.KindArbiter:      {"status", "stakeCoinAmount", "stakeAssetValue", "activeTransactionId"},
	feed.KindTransaction:  {"status", "arbiter", "depositedFee", "deadline"},
	feed.KindClaim:        {"claimType", "arbiter", "totalAmount", "withdrawn"},
	feed.KindPolicy:       {"value"},
	feed.KindNotification: {"arbiterId", "transactionId"},
}

// ShowKinds lists the values accepted by Show, "facts" first.
func ShowKinds() []string {
	out := []string{"facts"}
	for _, k := range []feed.Kind{feed.KindArbiter, feed.KindTransaction, feed.KindClaim, feed.KindPolicy, feed.KindNotification} {
		out = append(out, string(k))
	}
	return out
}

// ValidShowKind reports whether kind is accepted by Show.
func ValidShowKind(kind string) bool {
	if kind == "" || kind == "facts" {
		return true
	}
	_, ok := summaryFields[feed.Kind(kind)]
	return ok
}

// Show prints recent facts or the projected state of one entity kind.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot show state")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Kind == "" || opts.Kind == "facts" {
		facts, err := store.ListRecentFacts(ctx, opts.Limit)
		if err != nil {
			return err
		}
		return renderFacts(os.Stdout, facts)
	}

	kind := feed.Kind(opts.Kind)
	if _, ok := summaryFields[kind]; !ok {
		return fmt.Errorf("unknown kind %q", opts.Kind)
	}
	projections, err := store.ListProjections(ctx, kind, opts.Limit)
	if err != nil {
		return err
	}
	return renderProjections(os.Stdout, kind, projections)
}

func renderFacts(out io.Writer, facts []storage.FactRecord) error {
	if len(facts) == 0 {
		fmt.Fprintln(out, "no facts found")
		return nil
	}

	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Seq\tTime (UTC)\tKind\tEntity\tEvent")
	for _, f := range facts {
		fmt.Fprintf(writer, "%d\t%s\t%s\t%s\t%s\n",
			f.Seq,
			f.Timestamp.UTC().Format(time.RFC3339),
			f.Kind,
			shortID(f.EntityID),
			f.Event,
		)
	}
	return writer.Flush()
}

func renderProjections(out io.Writer, kind feed.Kind, projections []storage.Projection) error {
	if len(projections) == 0 {
		fmt.Fprintf(out, "no %s entries found\n", kind)
		return nil
	}

	columns := summaryFields[kind]
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Entity\tLast event\tUpdated (UTC)\t%s\n", strings.Join(columns, "\t"))
	for _, p := range projections {
		row := []string{shortID(p.EntityID), p.LastEvent, p.UpdatedAt.UTC().Format(time.RFC3339)}
		for _, col := range columns {
			v, ok := p.Field(col)
			if !ok || v == nil {
				row = append(row, "-")
				continue
			}
			row = append(row, sanitizeInline(fmt.Sprint(v)))
		}
		fmt.Fprintln(writer, strings.Join(row, "\t"))
	}
	return writer.Flush()
}

// shortID abbreviates 32-byte hex ids; addresses and parameter names are kept whole.
func shortID(id string) string {
	if len(id) == 66 && strings.HasPrefix(id, "0x") {
		return id[:10] + "…" + id[len(id)-6:]
	}
	return id
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
