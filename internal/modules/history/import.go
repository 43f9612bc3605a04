package history

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/aristath/riskengine/internal/domain"
)

// ImportCSV loads prices from CSV with a header row containing at least
// symbol, date (YYYY-MM-DD) and close. open, high, low and volume are optional.
// It returns the number of rows written.
func (s *PriceStore) ImportCSV(ctx context.Context, r io.Reader) (int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		return 0, fmt.Errorf("failed to read CSV header: %w", err)
	}
	columns := make(map[string]int, len(header))
	for i, name := range header {
		columns[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"symbol", "date", "close"} {
		if _, ok := columns[required]; !ok {
			return 0, fmt.Errorf("CSV header is missing column %q", required)
		}
	}

	bySymbol := make(map[string][]DailyPrice)
	line := 1
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return 0, fmt.Errorf("line %d: %w", line, err)
		}

		symbol := strings.ToUpper(strings.TrimSpace(record[columns["symbol"]]))
		date, err := domain.ParseDateKey(strings.TrimSpace(record[columns["date"]]))
		if err != nil {
			return 0, fmt.Errorf("line %d: invalid date: %w", line, err)
		}
		closePrice, err := strconv.ParseFloat(strings.TrimSpace(record[columns["close"]]), 64)
		if err != nil {
			return 0, fmt.Errorf("line %d: invalid close: %w", line, err)
		}

		price := DailyPrice{Date: date, Close: closePrice}
		price.Open = optionalFloat(record, columns, "open")
		price.High = optionalFloat(record, columns, "high")
		price.Low = optionalFloat(record, columns, "low")
		if idx, ok := columns["volume"]; ok && idx < len(record) {
			if v, err := strconv.ParseInt(strings.TrimSpace(record[idx]), 10, 64); err == nil {
				price.Volume = &v
			}
		}
		bySymbol[symbol] = append(bySymbol[symbol], price)
	}

	symbols := make([]string, 0, len(bySymbol))
	for symbol := range bySymbol {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	written := 0
	for _, symbol := range symbols {
		if err := s.UpsertPrices(ctx, symbol, bySymbol[symbol]); err != nil {
			return written, err
		}
		written += len(bySymbol[symbol])
	}

	s.log.Info().Int("rows", written).Int("symbols", len(symbols)).Msg("Imported prices from CSV")
	return written, nil
}

func optionalFloat(record []string, columns map[string]int, name string) *float64 {
	idx, ok := columns[name]
	if !ok || idx >= len(record) {
		return nil
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(record[idx]), 64)
	if err != nil {
		return nil
	}
	return &v
}
