package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat selects the export encoding.
type ExportFormat string

const (
	FormatJSON ExportFormat = "json"
	FormatCSV  ExportFormat = "csv"
)

var csvHeader = []string{"seq", "timestamp", "kind", "subjectId", "actor", "payloadJson", "prevHash", "hash"}

// Export serializes the matching entries. JSON exports are an array of
// full entries; CSV carries the payload as a JSON column.
func (l *Log) Export(format ExportFormat, q Query) ([]byte, error) {
	entries := l.Entries(q)

	switch format {
	case FormatJSON:
		return json.MarshalIndent(entries, "", "  ")

	case FormatCSV:
		var buf bytes.Buffer
		w := csv.NewWriter(&buf)
		if err := w.Write(csvHeader); err != nil {
			return nil, err
		}
		for _, e := range entries {
			payload := ""
			if len(e.Payload) > 0 {
				data, err := json.Marshal(e.Payload)
				if err != nil {
					return nil, fmt.Errorf("marshal payload at seq %d: %w", e.Seq, err)
				}
				payload = string(data)
			}
			record := []string{
				strconv.FormatUint(e.Seq, 10),
				e.Timestamp.UTC().Format(time.RFC3339Nano),
				string(e.Kind),
				e.SubjectID,
				e.Actor,
				payload,
				e.PrevHash,
				e.Hash,
			}
			if err := w.Write(record); err != nil {
				return nil, err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil

	default:
		return nil, fmt.Errorf("unsupported export format %q", format)
	}
}
