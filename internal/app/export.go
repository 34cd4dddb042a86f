package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"arbiter-escrow/internal/compensation"
	"arbiter-escrow/internal/feed"
	"arbiter-escrow/internal/storage"
)

const defaultExportWindow = 30 * 24 * time.Hour

// Export renders the fact log as CSV and the compensation history as a PNG chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	to := time.Now().UTC()
	if opts.To != nil {
		to = opts.To.UTC()
	}

	from := to.Add(-defaultExportWindow)
	if opts.From != nil {
		from = opts.From.UTC()
	}

	if !from.Before(to) {
		return errors.New("from must be before to")
	}

	facts, err := store.ListFactsBetween(ctx, from, to)
	if err != nil {
		return err
	}
	if len(facts) == 0 {
		a.Logger.Info().Msg("no facts found for export window")
		return nil
	}

	if opts.CSVPath != "" {
		rows := filterKinds(facts, opts.Kinds)
		if err := writeFactsCSV(opts.CSVPath, rows); err != nil {
			return err
		}
		a.Logger.Info().Int("facts", len(rows)).Strs("kinds", opts.Kinds).Str("path", opts.CSVPath).Msg("facts exported")
	}

	if opts.PNGPath != "" {
		points := compensationSeries(facts)
		if len(points) == 0 {
			a.Logger.Info().Msg("no compensation activity in export window; skipping chart")
			return nil
		}
		downsampled := downsamplePoints(points, opts.MaxPoints)
		a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("rendering compensation chart")
		if err := writeCompensationPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func filterKinds(facts []storage.FactRecord, kinds []string) []storage.FactRecord {
	if len(kinds) == 0 {
		return facts
	}
	keep := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		keep[k] = struct{}{}
	}
	out := make([]storage.FactRecord, 0, len(facts))
	for _, f := range facts {
		if _, ok := keep[f.Kind]; ok {
			out = append(out, f)
		}
	}
	return out
}

// compensationPoint is the running total after one claim fact.
type compensationPoint struct {
	At      time.Time
	Slashed decimal.Decimal
	Paid    decimal.Decimal
	Fees    decimal.Decimal
}

// compensationSeries accumulates slashed stake from created claims and payouts from
// withdrawn claims. Arbiter fee claims are not slashes and only count once paid.
func compensationSeries(facts []storage.FactRecord) []compensationPoint {
	var out []compensationPoint
	var cur compensationPoint
	for _, f := range facts {
		if f.Kind != string(feed.KindClaim) {
			continue
		}
		var fields struct {
			ClaimType   string          `json:"claimType"`
			TotalAmount decimal.Decimal `json:"totalAmount"`
			SystemFee   decimal.Decimal `json:"systemFee"`
		}
		if err := json.Unmarshal(f.Fields, &fields); err != nil {
			continue
		}
		switch f.Event {
		case "created":
			if fields.ClaimType == compensation.ArbitratorFee.String() {
				continue
			}
			cur.Slashed = cur.Slashed.Add(fields.TotalAmount)
		case "withdrawn":
			cur.Paid = cur.Paid.Add(fields.TotalAmount.Sub(fields.SystemFee))
			cur.Fees = cur.Fees.Add(fields.SystemFee)
		default:
			continue
		}
		cur.At = f.Timestamp
		out = append(out, cur)
	}
	return out
}

func downsamplePoints(points []compensationPoint, max int) []compensationPoint {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]compensationPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeFactsCSV(path string, facts []storage.FactRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"seq", "id", "ts", "kind", "entity_id", "event", "fields"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, f := range facts {
		record := []string{
			strconv.FormatInt(f.Seq, 10),
			f.ID.String(),
			f.Timestamp.UTC().Format(time.RFC3339),
			f.Kind,
			f.EntityID,
			f.Event,
			string(f.Fields),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func writeCompensationPNG(path string, points []compensationPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(points))
	slashed := make([]float64, len(points))
	paid := make([]float64, len(points))
	fees := make([]float64, len(points))

	for i, p := range points {
		x[i] = p.At
		slashed[i] = p.Slashed.InexactFloat64()
		paid[i] = p.Paid.InexactFloat64()
		fees[i] = p.Fees.InexactFloat64()
	}

	amountFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "%.0f")
	}
	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Cumulative amount",
			ValueFormatter: amountFormatter,
		},
		YAxisSecondary: chart.YAxis{
			Name:           "System fees",
			ValueFormatter: amountFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Slashed",
				XValues: x,
				YValues: slashed,
			},
			chart.TimeSeries{
				Name:    "Paid out",
				XValues: x,
				YValues: paid,
			},
			chart.TimeSeries{
				Name:    "System fees",
				XValues: x,
				YValues: fees,
				YAxis:   chart.YAxisSecondary,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
