package export

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"pulse/internal/domain"
)

type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
)

const Version = "1.0"

var csvHeader = []string{"id", "timestamp", "dominantEmotion", "confidence", "source", "sessionId", "notes"}

func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatJSON:
		return FormatJSON, nil
	case FormatCSV:
		return FormatCSV, nil
	default:
		return "", fmt.Errorf("unsupported export format %q", s)
	}
}

// FormatFromPath picks the format from the file extension.
func FormatFromPath(path string) (Format, error) {
	return ParseFormat(strings.TrimPrefix(filepath.Ext(path), "."))
}

type Info struct {
	Timestamp    time.Time `json:"timestamp"`
	TotalRecords int       `json:"totalRecords"`
	Format       Format    `json:"format"`
	Version      string    `json:"version"`
}

type Envelope struct {
	ExportInfo Info                   `json:"exportInfo"`
	Data       []domain.EmotionRecord `json:"data"`
}

func Write(w io.Writer, format Format, records []domain.EmotionRecord, now time.Time) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, records, now)
	case FormatCSV:
		return WriteCSV(w, records)
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}

func WriteJSON(w io.Writer, records []domain.EmotionRecord, now time.Time) error {
	if records == nil {
		records = []domain.EmotionRecord{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(Envelope{
		ExportInfo: Info{
			Timestamp:    now.UTC(),
			TotalRecords: len(records),
			Format:       FormatJSON,
			Version:      Version,
		},
		Data: records,
	})
}

func WriteCSV(w io.Writer, records []domain.EmotionRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, rec := range records {
		confidence := ""
		if rec.Confidence != nil {
			confidence = strconv.FormatFloat(*rec.Confidence, 'f', -1, 64)
		}
		row := []string{
			rec.ID,
			rec.Timestamp.UTC().Format(time.RFC3339Nano),
			rec.DominantEmotion,
			confidence,
			rec.Source,
			rec.SessionID,
			rec.Notes,
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ReadResult holds parsed records and the number of rows skipped for
// lacking an emotion or a source.
type ReadResult struct {
	Records []domain.EmotionRecord
	Skipped int
}

// Read parses an export file. Rows written by older clients that use
// "emotion" and "inputType" are mapped onto dominantEmotion and source.
// Missing ids and timestamps are generated.
func Read(r io.Reader, format Format, newID func() string, now func() time.Time) (ReadResult, error) {
	var (
		items []importItem
		err   error
	)
	switch format {
	case FormatJSON:
		items, err = readJSON(r)
	case FormatCSV:
		items, err = readCSV(r)
	default:
		err = fmt.Errorf("unsupported import format %q", format)
	}
	if err != nil {
		return ReadResult{}, err
	}

	var out ReadResult
	for _, item := range items {
		rec := item.EmotionRecord
		if strings.TrimSpace(rec.DominantEmotion) == "" {
			rec.DominantEmotion = item.Emotion
		}
		if strings.TrimSpace(rec.Source) == "" {
			rec.Source = item.InputType
		}
		if strings.TrimSpace(rec.DominantEmotion) == "" || strings.TrimSpace(rec.Source) == "" {
			out.Skipped++
			continue
		}
		rec.Timestamp = time.Time(item.Timestamp)
		if rec.Timestamp.IsZero() {
			rec.Timestamp = now().UTC()
		}
		if rec.ID == "" {
			rec.ID = newID()
		}
		rec.SyncStatus = ""
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

type importItem struct {
	domain.EmotionRecord
	Timestamp flexTime `json:"timestamp"`
	Emotion   string   `json:"emotion"`
	InputType string   `json:"inputType"`
}

// flexTime accepts RFC 3339, YYYY-MM-DD or epoch milliseconds.
type flexTime time.Time

func (t *flexTime) UnmarshalJSON(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "null" || s == `""` {
		return nil
	}
	if !strings.HasPrefix(s, `"`) {
		ms, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid timestamp %s", s)
		}
		*t = flexTime(time.UnixMilli(ms).UTC())
		return nil
	}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := parseTimestamp(raw)
	if err != nil {
		return err
	}
	*t = flexTime(parsed)
	return nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", time.DateTime, time.DateOnly} {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

func readJSON(r io.Reader) ([]importItem, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, errors.New("empty import file")
	}
	var items []importItem
	if data[0] == '[' {
		if err := json.Unmarshal(data, &items); err != nil {
			return nil, fmt.Errorf("decode import: %w", err)
		}
		return items, nil
	}
	var envelope struct {
		Data []importItem `json:"data"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("decode import: %w", err)
	}
	return envelope.Data, nil
}

func readCSV(r io.Reader) ([]importItem, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("empty import file")
	}
	if err != nil {
		return nil, err
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	field := func(row []string, names ...string) string {
		for _, name := range names {
			if i, ok := cols[strings.ToLower(name)]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
		}
		return ""
	}

	var items []importItem
	for line := 2; ; line++ {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		var item importItem
		item.ID = field(row, "id")
		item.DominantEmotion = field(row, "dominantEmotion")
		item.Emotion = field(row, "emotion")
		item.Source = field(row, "source")
		item.InputType = field(row, "inputType")
		item.SessionID = field(row, "sessionId")
		item.Notes = field(row, "notes")
		ts, err := parseTimestamp(field(row, "timestamp"))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		item.Timestamp = flexTime(ts)
		if raw := field(row, "confidence"); raw != "" {
			c, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: invalid confidence %q", line, raw)
			}
			item.Confidence = &c
		}
		items = append(items, item)
	}
	return items, nil
}
