package audit

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"
)

// ExportFormat defines supported export formats.
type ExportFormat string

const (
	// ExportFormatCSV exports events as comma-separated values.
	ExportFormatCSV ExportFormat = "csv"
	// ExportFormatJSON exports events as a JSON array.
	ExportFormatJSON ExportFormat = "json"
)

// ExportOptions configures audit export.
type ExportOptions struct {
	Format ExportFormat
	Query  Query
	// Anonymize truncates identities (IPv4 /24, IPv6 /48) in the output.
	Anonymize bool
}

// Export queries repo and renders the result. Rows are newest first.
func Export(ctx context.Context, repo Repository, opts ExportOptions) ([]byte, error) {
	if opts.Format != ExportFormatCSV && opts.Format != ExportFormatJSON {
		return nil, fmt.Errorf("unsupported export format: %s", opts.Format)
	}

	events, err := repo.Query(ctx, opts.Query)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	return Render(events, opts.Format, opts.Anonymize)
}

// Render encodes events in the given format.
func Render(events []Event, format ExportFormat, anonymize bool) ([]byte, error) {
	if anonymize {
		out := make([]Event, len(events))
		for i, e := range events {
			e.Identity = AnonymizeIP(e.Identity)
			out[i] = e
		}
		events = out
	}

	switch format {
	case ExportFormatCSV:
		return exportToCSV(events)
	case ExportFormatJSON:
		return exportToJSON(events)
	default:
		return nil, fmt.Errorf("unsupported export format: %s", format)
	}
}

// csvHeader is the column order for CSV export.
var csvHeader = []string{
	"ID",
	"Timestamp (UTC)",
	"Event Type",
	"Category",
	"Identity",
	"Outcome",
	"Request Method",
	"Request Path",
	"Request ID",
	"User Agent",
	"Details",
}

func exportToCSV(events []Event) ([]byte, error) {
	buf := new(bytes.Buffer)
	writer := csv.NewWriter(buf)

	if err := writer.Write(csvHeader); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	for _, e := range events {
		row := []string{
			e.ID,
			e.Timestamp.UTC().Format(time.RFC3339),
			string(e.EventType),
			string(e.Category),
			e.Identity,
			e.Outcome,
			e.RequestMethod,
			e.RequestPath,
			e.RequestID,
			e.UserAgent,
			formatDetails(e.Details),
		}
		if err := writer.Write(row); err != nil {
			return nil, fmt.Errorf("failed to write CSV row: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}
	return buf.Bytes(), nil
}

// formatDetails renders details as sorted key=value pairs.
func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(details))
	for k := range details {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, details[k])
	}
	return strings.Join(parts, ";")
}

func exportToJSON(events []Event) ([]byte, error) {
	if events == nil {
		events = []Event{}
	}
	data, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// AnonymizeIP truncates an address for export.
// IPv4 keeps the first 24 bits (192.168.1.100 becomes 192.168.1.0);
// IPv6 keeps the first 48 bits. Values that are not addresses are returned
// as an empty string.
func AnonymizeIP(s string) string {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return ""
	}
	addr = addr.Unmap()
	bits := 48
	if addr.Is4() {
		bits = 24
	}
	prefix, err := addr.Prefix(bits)
	if err != nil {
		return ""
	}
	return prefix.Addr().String()
}
