package reports

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/whatsapp-engine/internal/domain"
)

// csvHeader is the fixed column set of log exports. Order is part of the
// export contract; downstream parsers index by position.
var csvHeader = []string{
	"id", "campaign_id", "message_id", "template", "selected_variations",
	"recipient", "sent_at", "delivered", "read",
}

// WriteCSV streams entries as RFC 4180 CSV with a header row.
func WriteCSV(w io.Writer, entries []domain.VariationLogEntry) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}
	for _, e := range entries {
		row := []string{
			e.ID,
			e.CampaignID,
			e.MessageID,
			e.TemplateRaw,
			encodeSelections(e.Selections),
			e.Recipient,
			e.SentAt.UTC().Format(time.RFC3339),
			strconv.FormatBool(e.Delivered),
			strconv.FormatBool(e.Read),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// encodeSelections renders selections as "block:option" pairs joined by
// semicolons, compact enough for a spreadsheet cell.
func encodeSelections(sels []domain.Selection) string {
	parts := make([]string, len(sels))
	for i, s := range sels {
		parts[i] = fmt.Sprintf("%d:%d", s.BlockIndex, s.OptionIndex)
	}
	return strings.Join(parts, ";")
}

// WriteJSON streams entries as a JSON array.
func WriteJSON(w io.Writer, entries []domain.VariationLogEntry) error {
	enc := json.NewEncoder(w)
	if entries == nil {
		entries = []domain.VariationLogEntry{}
	}
	return enc.Encode(entries)
}

// ExportCampaign writes one campaign's log in the requested format
// ("csv" or "json").
func (e *Engine) ExportCampaign(ctx context.Context, campaignID, format string, w io.Writer) error {
	entries, err := e.source.EntriesForCampaign(ctx, campaignID)
	if err != nil {
		return err
	}
	return writeFormat(w, format, entries)
}

// ExportAccount writes an account's log within [from, to) in the requested
// format.
func (e *Engine) ExportAccount(ctx context.Context, accountID string, from, to time.Time, format string, w io.Writer) error {
	entries, err := e.source.EntriesForAccount(ctx, accountID, from, to, 0)
	if err != nil {
		return err
	}
	return writeFormat(w, format, entries)
}

func writeFormat(w io.Writer, format string, entries []domain.VariationLogEntry) error {
	switch format {
	case "", "csv":
		return WriteCSV(w, entries)
	case "json":
		return WriteJSON(w, entries)
	default:
		return fmt.Errorf("unknown export format %q", format)
	}
}
