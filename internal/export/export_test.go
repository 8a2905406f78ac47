package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"pulse/internal/domain"
)

func sampleRecords() []domain.EmotionRecord {
	c := 0.82
	return []domain.EmotionRecord{
		{
			ID:              "emo_1",
			Timestamp:       time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC),
			DominantEmotion: "happy",
			Confidence:      &c,
			Source:          "face",
			SessionID:       "s1",
			Notes:           "morning, coffee",
		},
		{
			ID:              "emo_2",
			Timestamp:       time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
			DominantEmotion: "sad",
			Source:          "manual",
		},
	}
}

func seqIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("gen_%d", n)
	}
}

func fixedNow() time.Time { return time.Date(2026, 4, 4, 12, 0, 0, 0, time.UTC) }

func TestWriteJSONEnvelope(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, sampleRecords(), fixedNow()))

	var env Envelope
	require.NoError(t, json.Unmarshal(buf.Bytes(), &env))
	require.Equal(t, 2, env.ExportInfo.TotalRecords)
	require.Equal(t, FormatJSON, env.ExportInfo.Format)
	require.Equal(t, "1.0", env.ExportInfo.Version)
	require.True(t, env.ExportInfo.Timestamp.Equal(fixedNow()))
	require.Len(t, env.Data, 2)
}

func TestWriteJSONEmptyDataIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, nil, fixedNow()))
	require.Contains(t, buf.String(), `"data": []`)
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatCSV, sampleRecords(), fixedNow()))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 3)
	require.Equal(t, "id,timestamp,dominantEmotion,confidence,source,sessionId,notes", lines[0])
	require.Equal(t, `emo_1,2026-03-01T09:30:00Z,happy,0.82,face,s1,"morning, coffee"`, lines[1])
	require.Equal(t, "emo_2,2026-03-01T10:00:00Z,sad,,manual,,", lines[2])
}

func TestRoundTripPreservesRecords(t *testing.T) {
	for _, format := range []Format{FormatJSON, FormatCSV} {
		t.Run(string(format), func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, Write(&buf, format, sampleRecords(), fixedNow()))

			got, err := Read(&buf, format, seqIDs(), fixedNow)
			require.NoError(t, err)
			require.Zero(t, got.Skipped)
			if diff := cmp.Diff(sampleRecords(), got.Records); diff != "" {
				t.Fatalf("records mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestReadJSONLegacyFields(t *testing.T) {
	in := `[
		{"emotion": "angry", "inputType": "voice", "timestamp": 1767225600000},
		{"dominantEmotion": "happy", "source": "text", "timestamp": "2026-01-02"},
		{"notes": "no emotion here", "source": "text"},
		{"dominantEmotion": "sad"}
	]`
	got, err := Read(strings.NewReader(in), FormatJSON, seqIDs(), fixedNow)
	require.NoError(t, err)
	require.Equal(t, 2, got.Skipped)
	require.Len(t, got.Records, 2)

	require.Equal(t, "gen_1", got.Records[0].ID)
	require.Equal(t, "angry", got.Records[0].DominantEmotion)
	require.Equal(t, "voice", got.Records[0].Source)
	require.True(t, got.Records[0].Timestamp.Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	require.Equal(t, "gen_2", got.Records[1].ID)
	require.True(t, got.Records[1].Timestamp.Equal(time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)))
}

func TestReadCSVMapsColumnsByName(t *testing.T) {
	in := "source,emotion,notes\nvoice,excited,loud\n,sad,\n"
	got, err := Read(strings.NewReader(in), FormatCSV, seqIDs(), fixedNow)
	require.NoError(t, err)
	require.Equal(t, 1, got.Skipped)
	require.Len(t, got.Records, 1)

	rec := got.Records[0]
	require.Equal(t, "gen_1", rec.ID)
	require.Equal(t, "excited", rec.DominantEmotion)
	require.Equal(t, "voice", rec.Source)
	require.Equal(t, "loud", rec.Notes)
	require.True(t, rec.Timestamp.Equal(fixedNow()))
}

func TestReadRejectsBadInput(t *testing.T) {
	_, err := Read(strings.NewReader(""), FormatJSON, seqIDs(), fixedNow)
	require.Error(t, err)

	_, err = Read(strings.NewReader("id,timestamp,emotion,source\nx,yesterday,happy,face\n"), FormatCSV, seqIDs(), fixedNow)
	require.ErrorContains(t, err, "line 2")

	_, err = Read(strings.NewReader("id,confidence,emotion,source\nx,high,happy,face\n"), FormatCSV, seqIDs(), fixedNow)
	require.ErrorContains(t, err, "invalid confidence")
}

func TestFormatFromPath(t *testing.T) {
	f, err := FormatFromPath("/tmp/backup.JSON")
	require.NoError(t, err)
	require.Equal(t, FormatJSON, f)

	f, err = FormatFromPath("moods.csv")
	require.NoError(t, err)
	require.Equal(t, FormatCSV, f)

	_, err = FormatFromPath("moods.xlsx")
	require.Error(t, err)
}
