package leads

import (
	"encoding/csv"
	"fmt"
	"io"

	"leaddesk/models"
	"leaddesk/policy"
)

// ExportHeader is the first line of every export.
var ExportHeader = []string{"id", "name", "surname", "phone", "email", "status", "country", "source"}

// ExportCSV writes the header followed by one row per lead, in order.
func ExportCSV(w io.Writer, leads []models.Lead) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(ExportHeader); err != nil {
		return err
	}
	for _, l := range leads {
		row := []string{l.ID, l.Name, l.Surname, l.Phone, l.Email, l.Status, l.Country, l.SourceFile}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write lead %s: %w", l.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Export writes the selected leads as CSV, in selection order.
func (b *Book) Export(w io.Writer, actor models.Agent, ids []string) (int, error) {
	if err := policy.Authorize(actor, policy.ActionExport); err != nil {
		return 0, err
	}
	selected := b.Selected(ids)
	if err := ExportCSV(w, selected); err != nil {
		return 0, fmt.Errorf("export leads: %w", err)
	}
	return len(selected), nil
}
