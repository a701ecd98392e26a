package ingest

import (
	"context"
	"fmt"

	"github.com/xuri/excelize/v2"

	"github.com/brunobiangulo/ddi/record"
)

// headerScanRows is how far down a sheet the header row may sit; portal
// downloads put a title block above it.
const headerScanRows = 5

// XLSXImporter reads registry spreadsheets. Every sheet with a
// recognisable header contributes rows.
type XLSXImporter struct{}

func (p *XLSXImporter) SupportedFormats() []string { return []string{"xlsx"} }

func (p *XLSXImporter) Import(ctx context.Context, path string) ([]record.DrugRecord, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	c := newCollector()
	found := false
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil || len(rows) == 0 {
			continue
		}
		for i := 0; i < len(rows) && i < headerScanRows; i++ {
			l, ok := detectLayout(rows[i])
			if !ok {
				continue
			}
			if err := c.collect(ctx, l, rows[i+1:]); err != nil {
				return nil, err
			}
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("no sheet with a product name column found in XLSX")
	}
	return c.out, nil
}
