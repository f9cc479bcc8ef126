// Package xlsx renders a session transcript as a spreadsheet.
package xlsx

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kirillkom/dictamen-rag/internal/core/domain"
)

const sheetName = "Historial"

var headers = []string{"#", "Fecha", "Rol", "Mensaje", "Fuentes"}

type Exporter struct{}

func NewExporter() *Exporter {
	return &Exporter{}
}

// Export writes one row per message in stored order. Sources are listed as
// "identifier (url)" separated by new lines.
func (e *Exporter) Export(w io.Writer, sessionID string, messages []domain.Message) error {
	f := excelize.NewFile()
	defer func() {
		_ = f.Close()
	}()

	if err := f.SetSheetName("Sheet1", sheetName); err != nil {
		return fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   "Sesión " + sessionID,
		Creator: "dictamen-rag",
	}); err != nil {
		return fmt.Errorf("set doc props: %w", err)
	}

	for col, header := range headers {
		if err := setCell(f, col+1, 1, header); err != nil {
			return err
		}
	}
	for i, msg := range messages {
		row := i + 2
		values := []any{
			i + 1,
			msg.Timestamp.UTC().Format(time.RFC3339),
			roleLabel(msg.Role),
			msg.Content,
			formatSources(msg.Sources),
		}
		for col, value := range values {
			if err := setCell(f, col+1, row, value); err != nil {
				return err
			}
		}
	}

	if err := f.SetColWidth(sheetName, "D", "D", 80); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetColWidth(sheetName, "E", "E", 40); err != nil {
		return fmt.Errorf("set column width: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

func setCell(f *excelize.File, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return fmt.Errorf("cell name: %w", err)
	}
	if err := f.SetCellValue(sheetName, cell, value); err != nil {
		return fmt.Errorf("set cell %s: %w", cell, err)
	}
	return nil
}

func roleLabel(role domain.Role) string {
	if role == domain.RoleAssistant {
		return "Asistente"
	}
	return "Usuario"
}

func formatSources(sources []domain.Source) string {
	if len(sources) == 0 {
		return ""
	}
	lines := make([]string, 0, len(sources))
	for _, src := range sources {
		if src.URL == "" {
			lines = append(lines, src.Identifier)
			continue
		}
		lines = append(lines, fmt.Sprintf("%s (%s)", src.Identifier, src.URL))
	}
	return strings.Join(lines, "\n")
}
