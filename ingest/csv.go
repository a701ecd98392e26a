package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"

	"github.com/brunobiangulo/ddi/record"
)

// CSVImporter reads UTF-8 registry exports.
type CSVImporter struct{}

func (p *CSVImporter) SupportedFormats() []string { return []string{"csv"} }

func (p *CSVImporter) Import(ctx context.Context, path string) ([]record.DrugRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening CSV: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	rows, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("reading CSV: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("no data found in CSV")
	}

	l, ok := detectLayout(rows[0])
	if !ok {
		return nil, fmt.Errorf("CSV header has no product name column (ITEM_NAME or 제품명)")
	}
	c := newCollector()
	if err := c.collect(ctx, l, rows[1:]); err != nil {
		return nil, err
	}
	return c.out, nil
}
