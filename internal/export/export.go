// Package export renders Z-reports for download.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"stockbook/backend/internal/domain"
)

const (
	ContentTypeCSV  = "text/csv; charset=utf-8"
	ContentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

	sheetName = "Z-Report"
)

var saleHeader = []string{"sale_id", "item_id", "item_name", "quantity", "total", "sold_by", "timestamp"}

// Filename returns the attachment name for report with the given extension.
func Filename(report domain.ZReport, ext string) string {
	return fmt.Sprintf("zreport-%s-%s.%s", report.GeneratedAt.UTC().Format("20060102-150405"), report.ID, ext)
}

func WriteCSV(w io.Writer, report domain.ZReport) error {
	cw := csv.NewWriter(w)

	rows := [][]string{
		{"report_id", report.ID},
		{"generated_at", report.GeneratedAt.UTC().Format(time.RFC3339)},
		{"generated_by", report.GeneratedBy},
		{"sales", strconv.Itoa(len(report.Sales))},
		{"total", domain.FormatCents(report.TotalCents)},
		{},
		saleHeader,
	}
	for _, sale := range report.Sales {
		rows = append(rows, []string{
			sale.ID,
			sale.ItemID,
			sale.ItemName,
			strconv.Itoa(sale.Quantity),
			domain.FormatCents(sale.TotalCents),
			sale.SoldBy,
			sale.Timestamp.UTC().Format(time.RFC3339),
		})
	}

	if err := cw.WriteAll(rows); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	return nil
}

func WriteXLSX(w io.Writer, report domain.ZReport) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return err
	}

	summary := [][]any{
		{"Report", report.ID},
		{"Generated at", report.GeneratedAt.UTC().Format(time.RFC3339)},
		{"Generated by", report.GeneratedBy},
		{"Sales", len(report.Sales)},
		{"Total", centsToNumber(report.TotalCents)},
	}
	row := 1
	for _, values := range summary {
		if err := setRow(f, row, values); err != nil {
			return err
		}
		row++
	}

	row++
	header := make([]any, len(saleHeader))
	for i, h := range saleHeader {
		header[i] = h
	}
	if err := setRow(f, row, header); err != nil {
		return err
	}
	row++

	for _, sale := range report.Sales {
		err := setRow(f, row, []any{
			sale.ID,
			sale.ItemID,
			sale.ItemName,
			sale.Quantity,
			centsToNumber(sale.TotalCents),
			sale.SoldBy,
			sale.Timestamp.UTC().Format(time.RFC3339),
		})
		if err != nil {
			return err
		}
		row++
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write xlsx: %w", err)
	}
	return nil
}

func setRow(f *excelize.File, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	return f.SetSheetRow(sheetName, cell, &values)
}

func centsToNumber(cents int64) float64 {
	return decimal.New(cents, -2).InexactFloat64()
}
