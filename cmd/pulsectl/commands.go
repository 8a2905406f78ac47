package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"pulse/internal/config"
	"pulse/internal/domain"
	"pulse/internal/emotion"
	"pulse/internal/export"
	"pulse/internal/hybrid"
	"pulse/internal/localstore"
	"pulse/internal/remote"
)

type cli struct {
	cfg     config.CLIConfig
	verbose bool
	now     func() time.Time

	store   *localstore.Store
	persist *hybrid.Persistence
}

func newRootCmd(cfg config.CLIConfig, now func() time.Time) *cobra.Command {
	c := &cli{cfg: cfg, now: now}

	root := &cobra.Command{
		Use:           "pulsectl",
		Short:         "Inspect and manage locally stored emotion records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPostRunE: func(*cobra.Command, []string) error {
			return c.close()
		},
	}
	root.PersistentFlags().StringVar(&c.cfg.DataPath, "data", cfg.DataPath, "path of the local SQLite store")
	root.PersistentFlags().StringVar(&c.cfg.RemoteBaseURL, "remote", cfg.RemoteBaseURL, "base URL of the remote emotions API")
	root.PersistentFlags().StringVar(&c.cfg.RemoteToken, "token", cfg.RemoteToken, "bearer token for the remote emotions API")
	root.PersistentFlags().BoolVarP(&c.verbose, "verbose", "v", false, "log persistence activity to stderr")

	root.AddCommand(
		c.listCmd(),
		c.saveCmd(),
		c.deleteCmd(),
		c.modeCmd(),
		c.flushCmd(),
		c.statusCmd(),
		c.statsCmd(),
		c.exportCmd(),
		c.importCmd(),
		c.analyzeCmd(),
		c.loginCmd(),
	)
	return root
}

func (c *cli) open(ctx context.Context, errOut io.Writer) (*hybrid.Persistence, error) {
	if c.persist != nil {
		return c.persist, nil
	}
	store, err := localstore.Open(c.cfg.DataPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	level := slog.LevelWarn
	if c.verbose {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: level}))

	var remoteStore hybrid.RemoteStore
	if c.cfg.RemoteBaseURL != "" {
		remoteStore = remote.NewClient(c.cfg.RemoteBaseURL, c.cfg.RemoteToken, c.cfg.RemoteTimeout)
	}
	persist := hybrid.New(store, remoteStore, hybrid.Options{Logger: logger, Now: c.now})
	if err := persist.Init(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}
	c.store, c.persist = store, persist
	return persist, nil
}

func (c *cli) close() error {
	if c.store == nil {
		return nil
	}
	err := c.store.Close()
	c.store, c.persist = nil, nil
	return err
}

func (c *cli) listCmd() *cobra.Command {
	var (
		f      filterFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List records, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}
			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			records, err := p.Get(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), records)
			}
			return writeTable(cmd.OutOrStdout(), records)
		},
	}
	f.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of a table")
	return cmd
}

func (c *cli) saveCmd() *cobra.Command {
	var (
		rec        domain.EmotionRecord
		confidence float64
	)
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save a manual emotion record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Flags().Changed("confidence") {
				rec.Confidence = &confidence
			}
			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			saved, err := p.Save(cmd.Context(), rec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", saved.ID, saved.SyncStatus)
			return nil
		},
	}
	cmd.Flags().StringVar(&rec.DominantEmotion, "emotion", "", "dominant emotion label")
	cmd.Flags().StringVar(&rec.Source, "source", domain.SourceManual, "face, voice, text or manual")
	cmd.Flags().Float64Var(&confidence, "confidence", 0, "confidence in [0,1]")
	cmd.Flags().StringVar(&rec.Notes, "notes", "", "free text notes")
	cmd.Flags().StringVar(&rec.SessionID, "session", "", "session id")
	_ = cmd.MarkFlagRequired("emotion")
	return cmd
}

func (c *cli) deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if err := p.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "deleted", args[0])
			return nil
		},
	}
}

func (c *cli) modeCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "mode [local|remote]",
		Short:     "Show or switch the storage mode",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{string(hybrid.ModeLocal), string(hybrid.ModeRemote)},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if len(args) == 1 {
				mode, err := hybrid.ParseMode(strings.ToLower(args[0]))
				if err != nil {
					return err
				}
				if err := p.SetMode(cmd.Context(), mode); err != nil {
					return err
				}
			}
			fmt.Fprintln(cmd.OutOrStdout(), p.Mode())
			return nil
		},
	}
}

// loginCmd prints a bearer token for use as --token or PULSE_REMOTE_TOKEN.
func (c *cli) loginCmd() *cobra.Command {
	var email, password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to the remote emotions API and print a bearer token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if c.cfg.RemoteBaseURL == "" {
				return fmt.Errorf("--remote or PULSE_REMOTE_URL is required")
			}
			if email == "" || password == "" {
				return fmt.Errorf("--email and --password are required")
			}
			token, err := remote.NewClient(c.cfg.RemoteBaseURL, "", c.cfg.RemoteTimeout).Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	return cmd
}

func (c *cli) flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Replay the offline queue against the remote",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			report, err := p.FlushQueue(cmd.Context())
			fmt.Fprintf(cmd.OutOrStdout(), "replayed=%d remaining=%d\n", report.Replayed, report.Remaining)
			return err
		},
	}
}

func (c *cli) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show storage mode, connectivity and queue size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			state, err := p.State(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), state)
		},
	}
}

type recordStats struct {
	Total     int            `json:"total"`
	ByEmotion map[string]int `json:"byEmotion"`
	BySource  map[string]int `json:"bySource"`
	Pending   int            `json:"pending"`
	First     *time.Time     `json:"first,omitempty"`
	Last      *time.Time     `json:"last,omitempty"`
}

func summarize(records []domain.EmotionRecord) recordStats {
	out := recordStats{ByEmotion: map[string]int{}, BySource: map[string]int{}}
	for i := range records {
		rec := records[i]
		out.Total++
		out.ByEmotion[rec.DominantEmotion]++
		out.BySource[rec.Source]++
		if rec.PendingSync() {
			out.Pending++
		}
		if out.First == nil || rec.Timestamp.Before(*out.First) {
			out.First = &records[i].Timestamp
		}
		if out.Last == nil || rec.Timestamp.After(*out.Last) {
			out.Last = &records[i].Timestamp
		}
	}
	return out
}

func (c *cli) statsCmd() *cobra.Command {
	var f filterFlags
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Count records per emotion and source",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}
			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			records, err := p.Get(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), summarize(records))
		},
	}
	f.register(cmd)
	return cmd
}

func (c *cli) exportCmd() *cobra.Command {
	var (
		f      filterFlags
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export records as JSON or CSV",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter, err := f.filter()
			if err != nil {
				return err
			}
			fmtValue, err := export.ParseFormat(format)
			if err != nil {
				return err
			}
			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			records, err := p.Get(cmd.Context(), filter)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				out = file
			}
			if err := export.Write(out, fmtValue, records, c.now()); err != nil {
				return err
			}
			if output != "" && output != "-" {
				fmt.Fprintf(cmd.ErrOrStderr(), "exported %d records to %s\n", len(records), output)
			}
			return nil
		},
	}
	f.register(cmd)
	cmd.Flags().StringVar(&format, "format", string(export.FormatJSON), "json or csv")
	cmd.Flags().StringVarP(&output, "output", "o", "", "write to file instead of stdout")
	return cmd
}

func (c *cli) importCmd() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Import records from a JSON or CSV export",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				fmtValue export.Format
				err      error
			)
			if format != "" {
				fmtValue, err = export.ParseFormat(format)
			} else {
				fmtValue, err = export.FormatFromPath(args[0])
			}
			if err != nil {
				return err
			}

			file, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer file.Close()
			parsed, err := export.Read(file, fmtValue, uuid.NewString, c.now)
			if err != nil {
				return err
			}

			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			report, err := p.Import(cmd.Context(), parsed.Records)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported=%d pending=%d skipped=%d\n",
				report.Imported, report.Pending, report.Skipped+parsed.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "json or csv (default: from file extension)")
	return cmd
}

type analyzeOutput struct {
	Text     emotion.TextResult    `json:"text"`
	Combined domain.CombinedResult `json:"combined"`
}

func (c *cli) analyzeCmd() *cobra.Command {
	var (
		save        bool
		face, voice string
	)
	cmd := &cobra.Command{
		Use:   "analyze <text>",
		Short: "Score text, optionally fused with face and voice vectors, and optionally save the result",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			extra, err := extraReadings(face, voice, c.now())
			if err != nil {
				return err
			}
			result, err := c.analyzeText(cmd.Context(), text)
			if err != nil {
				return err
			}

			rec := domain.EmotionRecord{
				DominantEmotion: result.Emotion,
				Source:          string(domain.ModalityText),
				RawVectors:      map[domain.Modality]domain.EmotionVector{domain.ModalityText: result.Vector},
				Notes:           text,
			}
			confidence := result.Confidence
			if len(extra) == 0 {
				if err := writeJSON(cmd.OutOrStdout(), result); err != nil {
					return err
				}
			} else {
				readings := append([]domain.ModalityReading{{Modality: domain.ModalityText, Vector: result.Vector, CapturedAt: c.now()}}, extra...)
				combined, err := c.combine(cmd.Context(), readings)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), analyzeOutput{Text: result, Combined: combined}); err != nil {
					return err
				}
				rec.DominantEmotion = combined.DominantEmotion
				confidence = combined.Confidence
				if len(combined.Modalities) > 0 {
					rec.Source = string(combined.Modalities[0])
				}
				for _, r := range extra {
					rec.RawVectors[r.Modality] = r.Vector
				}
			}
			if !save {
				return nil
			}

			p, err := c.open(cmd.Context(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			rec.Confidence = &confidence
			saved, err := p.Save(cmd.Context(), rec)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", saved.ID, saved.SyncStatus)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "store the result as a record")
	cmd.Flags().StringVar(&face, "face", "", "face vector to fuse with the text, e.g. happy=0.7,neutral=0.3")
	cmd.Flags().StringVar(&voice, "voice", "", "voice vector to fuse with the text")
	return cmd
}

// analyzeText uses the emotion service when EMOTION_SERVICE_URL is set and
// the built-in scorer otherwise.
func (c *cli) analyzeText(ctx context.Context, text string) (emotion.TextResult, error) {
	client := emotion.NewClient(c.cfg.EmotionServiceURL, c.cfg.RemoteTimeout)
	if client.Enabled() {
		return client.AnalyzeText(ctx, text)
	}
	return emotion.NewTextAnalyzer().Analyze(text), nil
}

func (c *cli) combine(ctx context.Context, readings []domain.ModalityReading) (domain.CombinedResult, error) {
	client := emotion.NewClient(c.cfg.EmotionServiceURL, c.cfg.RemoteTimeout)
	if client.Enabled() {
		return client.Combine(ctx, readings)
	}
	return emotion.NewAggregator(emotion.DefaultWeights()).Combine(readings)
}

func extraReadings(face, voice string, at time.Time) ([]domain.ModalityReading, error) {
	var out []domain.ModalityReading
	for _, in := range []struct {
		modality domain.Modality
		raw      string
	}{
		{domain.ModalityFace, face},
		{domain.ModalityVoice, voice},
	} {
		if strings.TrimSpace(in.raw) == "" {
			continue
		}
		vec, err := parseVector(in.raw)
		if err != nil {
			return nil, fmt.Errorf("--%s: %w", in.modality, err)
		}
		out = append(out, domain.ModalityReading{Modality: in.modality, Vector: vec, CapturedAt: at})
	}
	return out, nil
}

// parseVector reads label=score pairs separated by commas.
func parseVector(raw string) (domain.EmotionVector, error) {
	vec := domain.EmotionVector{}
	for _, pair := range strings.Split(raw, ",") {
		label, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok {
			return nil, fmt.Errorf("expected label=score, got %q", pair)
		}
		canonical, known := domain.CanonicalLabel(strings.TrimSpace(label))
		if !known {
			return nil, fmt.Errorf("unknown emotion %q", label)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil || score < 0 || math.IsNaN(score) || math.IsInf(score, 0) {
			return nil, fmt.Errorf("invalid score %q for %s", value, canonical)
		}
		vec[canonical] += score
	}
	return emotion.Normalize(vec), nil
}

type filterFlags struct {
	since   string
	until   string
	emotion string
	source  string
	limit   int
}

func (f *filterFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.since, "since", "", "start date (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.until, "until", "", "end date, inclusive (RFC 3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&f.emotion, "emotion", "", "only this emotion")
	cmd.Flags().StringVar(&f.source, "source", "", "only this source")
	cmd.Flags().IntVar(&f.limit, "limit", 0, "maximum number of records")
}

func (f *filterFlags) filter() (domain.Filter, error) {
	var out domain.Filter
	var err error
	if out.StartDate, err = parseDate(f.since, false); err != nil {
		return domain.Filter{}, fmt.Errorf("--since: %w", err)
	}
	if out.EndDate, err = parseDate(f.until, true); err != nil {
		return domain.Filter{}, fmt.Errorf("--until: %w", err)
	}
	if f.emotion != "" {
		label, ok := domain.CanonicalLabel(f.emotion)
		if !ok {
			return domain.Filter{}, fmt.Errorf("unknown emotion %q", f.emotion)
		}
		out.Emotion = label
	}
	if f.source != "" {
		source, ok := domain.CanonicalSource(f.source)
		if !ok {
			return domain.Filter{}, fmt.Errorf("unknown source %q", f.source)
		}
		out.Source = source
	}
	if f.limit < 0 {
		return domain.Filter{}, fmt.Errorf("--limit must not be negative")
	}
	out.Limit = f.limit
	return out, nil
}

// parseDate accepts RFC 3339 or a bare date. A bare end date covers the
// whole day.
func parseDate(raw string, endOfDay bool) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q", raw)
	}
	if endOfDay {
		t = t.Add(24*time.Hour - time.Nanosecond)
	}
	return t.UTC(), nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeTable(w io.Writer, records []domain.EmotionRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTIME\tEMOTION\tCONFIDENCE\tSOURCE\tSTATUS")
	for _, rec := range records {
		confidence := "-"
		if rec.Confidence != nil {
			confidence = fmt.Sprintf("%.2f", *rec.Confidence)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.Timestamp.Local().Format(time.DateTime), rec.DominantEmotion, confidence, rec.Source, rec.SyncStatus)
	}
	return tw.Flush()
}
