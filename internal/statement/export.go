package statement

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	"meterbridge/internal/engine"
	"meterbridge/internal/tariff"
)

// BuildPDF renders a consumption and cost statement for one meter.
func BuildPDF(snap engine.Snapshot) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Energy Statement")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("POD: %s", snap.POD))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Tariff: %s", snap.Scheme))
	pdf.Ln(5)
	if snap.HasWatermark {
		pdf.Cell(0, 6, fmt.Sprintf("Reconciled through: %s", snap.LastProcessedDate.Format("2006-01-02")))
		pdf.Ln(5)
	}

	pdf.Ln(4)
	pdf.Cell(0, 6, fmt.Sprintf("Total Energy (kWh): %.3f", snap.Totals[tariff.BucketTotal]))
	pdf.Ln(5)
	if snap.Scheme == tariff.SchemeBioraria {
		pdf.Cell(0, 6, fmt.Sprintf("F1 (kWh): %.3f", snap.Totals[tariff.BucketF1]))
		pdf.Ln(5)
		pdf.Cell(0, 6, fmt.Sprintf("F2 (kWh): %.3f", snap.Totals[tariff.BucketF2]))
		pdf.Ln(5)
		pdf.Cell(0, 6, fmt.Sprintf("F3 (kWh): %.3f", snap.Totals[tariff.BucketF3]))
		pdf.Ln(5)
	}
	pdf.Cell(0, 6, fmt.Sprintf("Total Invoiced (EUR): %.2f", snap.InvoicedAmount))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Average Cost (EUR/kWh): %.4f", snap.AverageCostPerKWh))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Outstanding (EUR): %.2f", snap.UnpaidTotal))
	pdf.Ln(8)

	// Invoice table
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(40, 6, "Number", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Issued", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Due", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Amount", "1", 0, "C", false, 0, "")
	pdf.CellFormat(30, 6, "Status", "1", 0, "C", false, 0, "")
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 10)
	for _, inv := range snap.Invoices {
		pdf.CellFormat(40, 6, inv.Number, "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, inv.IssueDate.Format("2006-01-02"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, inv.DueDate.Format("2006-01-02"), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 6, fmt.Sprintf("%.2f", inv.Amount()), "1", 0, "R", false, 0, "")
		pdf.CellFormat(30, 6, string(inv.Status()), "1", 0, "C", false, 0, "")
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildXLSX renders the same statement as a workbook.
func BuildXLSX(snap engine.Snapshot) ([]byte, error) {
	f := excelize.NewFile()
	summarySheet := "summary"
	invoicesSheet := "invoices"
	f.SetSheetName("Sheet1", summarySheet)
	f.NewSheet(invoicesSheet)

	_ = f.SetCellValue(summarySheet, "A1", "Energy Statement")
	_ = f.SetCellValue(summarySheet, "A3", "POD")
	_ = f.SetCellValue(summarySheet, "B3", snap.POD)
	_ = f.SetCellValue(summarySheet, "A4", "Tariff")
	_ = f.SetCellValue(summarySheet, "B4", string(snap.Scheme))
	if snap.HasWatermark {
		_ = f.SetCellValue(summarySheet, "A5", "Reconciled through")
		_ = f.SetCellValue(summarySheet, "B5", snap.LastProcessedDate.Format("2006-01-02"))
	}
	_ = f.SetCellValue(summarySheet, "A6", "Total Energy (kWh)")
	_ = f.SetCellValue(summarySheet, "B6", snap.Totals[tariff.BucketTotal])
	_ = f.SetCellValue(summarySheet, "A7", "F1 (kWh)")
	_ = f.SetCellValue(summarySheet, "B7", snap.Totals[tariff.BucketF1])
	_ = f.SetCellValue(summarySheet, "A8", "F2 (kWh)")
	_ = f.SetCellValue(summarySheet, "B8", snap.Totals[tariff.BucketF2])
	_ = f.SetCellValue(summarySheet, "A9", "F3 (kWh)")
	_ = f.SetCellValue(summarySheet, "B9", snap.Totals[tariff.BucketF3])
	_ = f.SetCellValue(summarySheet, "A10", "Total Invoiced (EUR)")
	_ = f.SetCellValue(summarySheet, "B10", snap.InvoicedAmount)
	_ = f.SetCellValue(summarySheet, "A11", "Average Cost (EUR/kWh)")
	_ = f.SetCellValue(summarySheet, "B11", snap.AverageCostPerKWh)
	_ = f.SetCellValue(summarySheet, "A12", "Outstanding (EUR)")
	_ = f.SetCellValue(summarySheet, "B12", snap.UnpaidTotal)

	_ = f.SetCellValue(invoicesSheet, "A1", "Number")
	_ = f.SetCellValue(invoicesSheet, "B1", "Issued")
	_ = f.SetCellValue(invoicesSheet, "C1", "Due")
	_ = f.SetCellValue(invoicesSheet, "D1", "Amount")
	_ = f.SetCellValue(invoicesSheet, "E1", "Paid")
	_ = f.SetCellValue(invoicesSheet, "F1", "Status")
	for i, inv := range snap.Invoices {
		row := i + 2
		_ = f.SetCellValue(invoicesSheet, fmt.Sprintf("A%d", row), inv.Number)
		_ = f.SetCellValue(invoicesSheet, fmt.Sprintf("B%d", row), inv.IssueDate.Format("2006-01-02"))
		_ = f.SetCellValue(invoicesSheet, fmt.Sprintf("C%d", row), inv.DueDate.Format("2006-01-02"))
		_ = f.SetCellValue(invoicesSheet, fmt.Sprintf("D%d", row), inv.Amount())
		_ = f.SetCellValue(invoicesSheet, fmt.Sprintf("E%d", row), inv.AmountPaid)
		_ = f.SetCellValue(invoicesSheet, fmt.Sprintf("F%d", row), string(inv.Status()))
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
