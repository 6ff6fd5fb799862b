package export

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"storesync/internal/config"
	"storesync/internal/database"
	"storesync/internal/models"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

const (
	sheetFailed    = "Failed items"
	sheetConflicts = "Open conflicts"

	backlogLimit = 1000
)

// Exporter writes the sync backlog (failed items and open conflicts) to
// an Excel workbook for back-office review.
type Exporter struct {
	db     *database.DB
	path   string
	logger zerolog.Logger
}

func New(db *database.DB, cfg config.ExportConfig, logger *zerolog.Logger) *Exporter {
	var l zerolog.Logger
	if logger != nil {
		l = logger.With().Str("component", "export").Logger()
	} else {
		l = zerolog.Nop()
	}
	return &Exporter{db: db, path: cfg.Path, logger: l}
}

// BacklogReport builds the workbook and returns the saved file path.
func (e *Exporter) BacklogReport(ctx context.Context) (string, error) {
	if err := os.MkdirAll(e.path, 0o755); err != nil {
		return "", fmt.Errorf("error creating export directory: %v", err)
	}

	failed, err := e.db.ListByStatus(ctx, models.StatusFailed, backlogLimit)
	if err != nil {
		return "", fmt.Errorf("error loading failed items: %v", err)
	}
	conflicts, err := e.db.ListConflicts(ctx, models.ConflictOpen, backlogLimit)
	if err != nil {
		return "", fmt.Errorf("error loading conflicts: %v", err)
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := e.writeFailedSheet(f, failed); err != nil {
		return "", err
	}
	if err := e.writeConflictSheet(f, conflicts); err != nil {
		return "", err
	}
	_ = f.DeleteSheet("Sheet1")

	fileName := fmt.Sprintf("sync_backlog_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	filePath := filepath.Join(e.path, fileName)
	if err := f.SaveAs(filePath); err != nil {
		return "", fmt.Errorf("error saving file: %v", err)
	}

	e.logger.Info().Str("file_path", filePath).Int("failed", len(failed)).
		Int("conflicts", len(conflicts)).Msg("backlog report created")
	return filePath, nil
}

func (e *Exporter) writeFailedSheet(f *excelize.File, items []models.SyncQueueItem) error {
	index, err := f.NewSheet(sheetFailed)
	if err != nil {
		return fmt.Errorf("error creating sheet: %v", err)
	}
	f.SetActiveSheet(index)

	headers := []string{
		"ID", "Entity type", "Entity ID", "Operation", "Priority",
		"Attempts", "Last error", "Local version", "Created", "Updated",
	}
	if err := writeHeaderRow(f, sheetFailed, headers); err != nil {
		return err
	}

	for i, item := range items {
		row := i + 2
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("A%d", row), item.ID)
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("B%d", row), item.EntityType)
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("C%d", row), item.EntityID)
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("D%d", row), item.Operation)
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("E%d", row), item.Priority.String())
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("F%d", row), item.AttemptCount)
		if item.LastError != nil {
			_ = f.SetCellValue(sheetFailed, fmt.Sprintf("G%d", row), *item.LastError)
		}
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("H%d", row), item.LocalVersion)
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("I%d", row), item.CreatedAt.Format("02.01.2006 15:04"))
		_ = f.SetCellValue(sheetFailed, fmt.Sprintf("J%d", row), item.UpdatedAt.Format("02.01.2006 15:04"))
	}

	_ = f.SetColWidth(sheetFailed, "A", "A", 38)
	_ = f.SetColWidth(sheetFailed, "B", "E", 14)
	_ = f.SetColWidth(sheetFailed, "F", "F", 10)
	_ = f.SetColWidth(sheetFailed, "G", "G", 50)
	_ = f.SetColWidth(sheetFailed, "H", "J", 18)
	return nil
}

func (e *Exporter) writeConflictSheet(f *excelize.File, records []models.ConflictRecord) error {
	if _, err := f.NewSheet(sheetConflicts); err != nil {
		return fmt.Errorf("error creating sheet: %v", err)
	}

	headers := []string{
		"ID", "Item ID", "Entity type", "Entity ID", "Local version",
		"Remote version", "Local payload", "Remote payload", "Created",
	}
	if err := writeHeaderRow(f, sheetConflicts, headers); err != nil {
		return err
	}

	for i, record := range records {
		row := i + 2
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("A%d", row), record.ID)
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("B%d", row), record.ItemID)
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("C%d", row), record.EntityType)
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("D%d", row), record.EntityID)
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("E%d", row), record.LocalVersion)
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("F%d", row), record.RemoteVersion)
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("G%d", row), record.LocalPayload)
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("H%d", row), record.RemotePayload)
		_ = f.SetCellValue(sheetConflicts, fmt.Sprintf("I%d", row), record.CreatedAt.Format("02.01.2006 15:04"))
	}

	_ = f.SetColWidth(sheetConflicts, "A", "A", 8)
	_ = f.SetColWidth(sheetConflicts, "B", "B", 38)
	_ = f.SetColWidth(sheetConflicts, "C", "F", 14)
	_ = f.SetColWidth(sheetConflicts, "G", "H", 50)
	_ = f.SetColWidth(sheetConflicts, "I", "I", 18)
	return nil
}

func writeHeaderRow(f *excelize.File, sheet string, headers []string) error {
	style, err := f.NewStyle(&excelize.Style{
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return fmt.Errorf("error creating header style: %v", err)
	}
	for i, header := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, header)
		_ = f.SetCellStyle(sheet, cell, cell, style)
	}
	return nil
}
