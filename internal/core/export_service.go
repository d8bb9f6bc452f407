package core

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"qachat.io/qa-chatbot-backend/internal/store"
)

// ExportColumns is the fixed CSV header, written even when there are no rows.
var ExportColumns = []string{
	"conversationId",
	"conversationTitle",
	"username",
	"email",
	"messageIndex",
	"prompt",
	"response",
	"messageTimestamp",
	"conversationCreated",
}

type ExportFilter struct {
	UserID    string
	StartDate *time.Time
	EndDate   *time.Time
}

// ExportRow is one message of one conversation. MessageIndex starts at 1.
type ExportRow struct {
	ConversationID      string
	ConversationTitle   string
	Username            string
	Email               string
	MessageIndex        int
	Prompt              string
	Response            string
	MessageTimestamp    time.Time
	ConversationCreated time.Time
}

func (r ExportRow) fields() []string {
	return []string{
		r.ConversationID,
		r.ConversationTitle,
		r.Username,
		r.Email,
		strconv.Itoa(r.MessageIndex),
		r.Prompt,
		r.Response,
		r.MessageTimestamp.UTC().Format(time.RFC3339Nano),
		r.ConversationCreated.UTC().Format(time.RFC3339Nano),
	}
}

type ExportService struct {
	store  store.Store
	loc    *time.Location
	logger *slog.Logger
}

func NewExportService(s store.Store, loc *time.Location, logger *slog.Logger) *ExportService {
	if loc == nil {
		loc = time.Local
	}
	return &ExportService{store: s, loc: loc, logger: logger.With("component", "export")}
}

// ParseFilter builds a filter from raw query values. Dates may be RFC 3339
// or YYYY-MM-DD; a bare end date covers that whole day.
func (s *ExportService) ParseFilter(userID, startDate, endDate string) (ExportFilter, error) {
	f := ExportFilter{UserID: strings.TrimSpace(userID)}
	if startDate != "" {
		t, _, err := s.parseDate(startDate)
		if err != nil {
			return ExportFilter{}, validationf("Invalid startDate %q", startDate)
		}
		f.StartDate = &t
	}
	if endDate != "" {
		t, dateOnly, err := s.parseDate(endDate)
		if err != nil {
			return ExportFilter{}, validationf("Invalid endDate %q", endDate)
		}
		if dateOnly {
			t = t.AddDate(0, 0, 1).Add(-time.Nanosecond)
		}
		f.EndDate = &t
	}
	return f, nil
}

func (s *ExportService) parseDate(raw string) (time.Time, bool, error) {
	raw = strings.TrimSpace(raw)
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, false, nil
	}
	t, err := time.ParseInLocation(dayLayout, raw, s.loc)
	if err != nil {
		return time.Time{}, false, err
	}
	return t, true, nil
}

// Export flattens every matching conversation into one row per message,
// newest conversation first.
func (s *ExportService) Export(ctx context.Context, f ExportFilter) ([]ExportRow, error) {
	convs, _, err := s.store.ListConversations(ctx, store.ConversationQuery{
		UserID: f.UserID,
		Start:  f.StartDate,
		End:    f.EndDate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load conversations: %w", err)
	}

	owners := newOwnerResolver(s.store)
	var rows []ExportRow
	for _, c := range convs {
		owner, err := owners.resolve(ctx, c.UserID)
		if err != nil {
			return nil, err
		}
		for i, m := range c.Messages {
			rows = append(rows, ExportRow{
				ConversationID:      c.ID,
				ConversationTitle:   c.Title,
				Username:            owner.Username,
				Email:               owner.Email,
				MessageIndex:        i + 1,
				Prompt:              m.Prompt,
				Response:            m.Response,
				MessageTimestamp:    m.Timestamp,
				ConversationCreated: c.CreatedAt,
			})
		}
	}
	s.logger.Info("conversations exported", "conversations", len(convs), "rows", len(rows))
	return rows, nil
}

// WriteCSV writes the header and rows. Every data field is quoted with inner
// quotes doubled; lines end in \n.
func WriteCSV(w io.Writer, rows []ExportRow) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(strings.Join(ExportColumns, ",") + "\n"); err != nil {
		return err
	}
	for _, r := range rows {
		for i, field := range r.fields() {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.WriteByte('"')
			bw.WriteString(strings.ReplaceAll(field, `"`, `""`))
			bw.WriteByte('"')
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
	}
	return bw.Flush()
}
