// Package export renders forecast results to CSV files.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/quantrix-lab/stockdeck/internal/types"
	"github.com/quantrix-lab/stockdeck/pkg/errors"
)

const dateLayout = "2006-01-02"

// DefaultFilename returns the conventional predictions file name for a
// ticker.
func DefaultFilename(ticker string) string {
	return fmt.Sprintf("%s_predictions.csv", strings.ToUpper(strings.TrimSpace(ticker)))
}

// WritePredictions writes the forecast band as CSV: one row per date in
// the union of the three bands, values formatted with two decimals and
// left empty where a band has no value for the date.
func WritePredictions(w io.Writer, forecast *types.ForecastResult) error {
	if forecast == nil {
		return errors.New(errors.ErrCodeExport, "no forecast to export")
	}

	type row struct {
		forecast *float64
		lower    *float64
		upper    *float64
	}

	rows := make(map[time.Time]*row)

	rowFor := func(date time.Time) *row {
		r, ok := rows[date]
		if !ok {
			r = &row{}
			rows[date] = r
		}

		return r
	}

	for _, p := range forecast.Forecast {
		v := p.Value
		rowFor(p.Date).forecast = &v
	}

	for _, p := range forecast.LowerBound {
		v := p.Value
		rowFor(p.Date).lower = &v
	}

	for _, p := range forecast.UpperBound {
		v := p.Value
		rowFor(p.Date).upper = &v
	}

	dates := make([]time.Time, 0, len(rows))
	for date := range rows {
		dates = append(dates, date)
	}

	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })

	writer := csv.NewWriter(w)

	if err := writer.Write([]string{"date", "forecast", "lower_ci", "upper_ci"}); err != nil {
		return errors.Wrap(errors.ErrCodeExport, "write csv header", err)
	}

	cell := func(v *float64) string {
		if v == nil {
			return ""
		}

		return fmt.Sprintf("%.2f", *v)
	}

	for _, date := range dates {
		r := rows[date]

		record := []string{
			date.Format(dateLayout),
			cell(r.forecast),
			cell(r.lower),
			cell(r.upper),
		}

		if err := writer.Write(record); err != nil {
			return errors.Wrap(errors.ErrCodeExport, "write csv row", err)
		}
	}

	writer.Flush()

	if err := writer.Error(); err != nil {
		return errors.Wrap(errors.ErrCodeExport, "flush csv", err)
	}

	return nil
}

// ExportPredictions writes the forecast to a file, creating or truncating
// it.
func ExportPredictions(path string, forecast *types.ForecastResult) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeExport, err, "create %s", path)
	}

	if err := WritePredictions(f, forecast); err != nil {
		f.Close()
		return err
	}

	if err := f.Close(); err != nil {
		return errors.Wrapf(errors.ErrCodeExport, err, "close %s", path)
	}

	return nil
}
