package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// timestamps are stored as fixed-width UTC text so they sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// sqliteDriverName is go-sqlite3 with a Unicode-aware fold function
// registered on every connection. SQLite's own LOWER only folds ASCII.
const sqliteDriverName = "sqlite3_qachat"

func init() {
	sql.Register(sqliteDriverName, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterFunc("unicode_lower", strings.ToLower, true)
		},
	})
}

type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dataSourceName string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open(sqliteDriverName, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dataSourceName == ":memory:" || strings.Contains(dataSourceName, "mode=memory") {
		// each connection would otherwise get its own empty database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &SQLiteStore{db: db, logger: logger.With("component", "store", "driver", "sqlite")}
	if err = store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	store.logger.Info("SQLite store initialized", "dsn", dataSourceName)
	return store, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
    PRAGMA foreign_keys = ON;

    CREATE TABLE IF NOT EXISTS users (
        id TEXT PRIMARY KEY, -- UUID
        username TEXT NOT NULL UNIQUE,
        email TEXT NOT NULL UNIQUE,
        password_hash TEXT NOT NULL,
        is_admin BOOLEAN NOT NULL DEFAULT FALSE,
        trial_prompts_used INTEGER NOT NULL DEFAULT 0 CHECK (trial_prompts_used BETWEEN 0 AND 5),
        api_key TEXT,
        created_at TEXT NOT NULL,
        updated_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_users_created_at ON users (created_at);

    -- user_id is a weak reference: conversations may outlive their owner
    CREATE TABLE IF NOT EXISTS conversations (
        id TEXT PRIMARY KEY, -- UUID
        user_id TEXT NOT NULL,
        title TEXT NOT NULL DEFAULT '',
        created_at TEXT NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations (user_id);
    CREATE INDEX IF NOT EXISTS idx_conversations_created_at ON conversations (created_at);

    CREATE TABLE IF NOT EXISTS messages (
        id INTEGER PRIMARY KEY AUTOINCREMENT,
        conversation_id TEXT NOT NULL,
        position INTEGER NOT NULL,
        prompt TEXT NOT NULL,
        response TEXT NOT NULL,
        timestamp TEXT NOT NULL,
        UNIQUE (conversation_id, position),
        FOREIGN KEY (conversation_id) REFERENCES conversations (id) ON DELETE CASCADE
    );
    `
	_, err := s.db.Exec(schema)
	return err
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}

// escapeLike makes % and _ in user input match literally under ESCAPE '\'.
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// User methods

const userColumns = "id, username, email, password_hash, is_admin, trial_prompts_used, api_key, created_at, updated_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u                User
		apiKey           sql.NullString
		created, updated string
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.IsAdmin, &u.TrialPromptsUsed, &apiKey, &created, &updated); err != nil {
		return nil, err
	}
	if apiKey.Valid {
		u.APIKey = &apiKey.String
		u.HasAPIKey = apiKey.String != ""
	}
	var err error
	if u.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}
	if u.UpdatedAt, err = parseTime(updated); err != nil {
		return nil, err
	}
	return &u, nil
}

func (s *SQLiteStore) CreateUser(ctx context.Context, u *User) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if u.CreatedAt.IsZero() {
		u.CreatedAt = now
	}
	u.UpdatedAt = u.CreatedAt
	u.TrialPromptsUsed = ClampTrial(u.TrialPromptsUsed)

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users ("+userColumns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		u.ID, u.Username, u.Email, u.PasswordHash, u.IsAdmin, u.TrialPromptsUsed, u.APIKey,
		formatTime(u.CreatedAt), formatTime(u.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	u.HasAPIKey = u.APIKey != nil && *u.APIKey != ""
	return nil
}

func (s *SQLiteStore) getUserWhere(ctx context.Context, where string, arg any) (*User, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+userColumns+" FROM users WHERE "+where, arg)
	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to query user: %w", err)
	}
	return u, nil
}

func (s *SQLiteStore) GetUserByID(ctx context.Context, id string) (*User, error) {
	return s.getUserWhere(ctx, "id = ?", id)
}

func (s *SQLiteStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserWhere(ctx, "email = ?", email)
}

func (s *SQLiteStore) UserExists(ctx context.Context, username, email string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM users WHERE username = ? OR email = ?", username, email).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("failed to check user existence: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListUsers(ctx context.Context, q UserQuery) ([]User, int64, error) {
	where := ""
	var args []any
	if q.Search != "" {
		pattern := "%" + escapeLike(strings.ToLower(q.Search)) + "%"
		where = ` WHERE (unicode_lower(username) LIKE ? ESCAPE '\' OR unicode_lower(email) LIKE ? ESCAPE '\')`
		args = append(args, pattern, pattern)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM users"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count users: %w", err)
	}
	if q.Limit < 0 || q.Offset < 0 {
		return []User{}, total, nil
	}

	query := "SELECT " + userColumns + " FROM users" + where + " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query users: %w", err)
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *u)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating users: %w", err)
	}
	return users, total, nil
}

func (s *SQLiteStore) UpdateUser(ctx context.Context, id string, upd UserUpdate) (*User, error) {
	sets := []string{"updated_at = ?"}
	args := []any{formatTime(time.Now())}
	if upd.Username != nil {
		sets = append(sets, "username = ?")
		args = append(args, *upd.Username)
	}
	if upd.Email != nil {
		sets = append(sets, "email = ?")
		args = append(args, *upd.Email)
	}
	if upd.IsAdmin != nil {
		sets = append(sets, "is_admin = ?")
		args = append(args, *upd.IsAdmin)
	}
	if upd.TrialPromptsUsed != nil {
		sets = append(sets, "trial_prompts_used = ?")
		args = append(args, ClampTrial(*upd.TrialPromptsUsed))
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, "UPDATE users SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("failed to update user: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return nil, ErrNotFound
	}
	return s.GetUserByID(ctx, id)
}

func (s *SQLiteStore) SetPasswordHash(ctx context.Context, id, hash string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?", hash, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update password: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) SetAPIKey(ctx context.Context, id string, key *string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE users SET api_key = ?, updated_at = ? WHERE id = ?", key, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to update api key: %w", err)
	}
	return nil
}

func (s *SQLiteStore) IncrementTrialPrompts(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE users SET trial_prompts_used = MIN(trial_prompts_used + 1, ?), updated_at = ? WHERE id = ?",
		MaxTrialPrompts, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to increment trial prompts: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DeleteUser(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM users WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) count(ctx context.Context, query string, args ...any) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountUsers(ctx context.Context) (int64, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM users")
}

func (s *SQLiteStore) CountUsersCreatedSince(ctx context.Context, since time.Time) (int64, error) {
	return s.count(ctx, "SELECT COUNT(*) FROM users WHERE created_at >= ?", formatTime(since))
}

func (s *SQLiteStore) TrialUsageBuckets(ctx context.Context) ([]TrialBucket, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT trial_prompts_used, COUNT(*) FROM users GROUP BY trial_prompts_used ORDER BY trial_prompts_used")
	if err != nil {
		return nil, fmt.Errorf("failed to group trial usage: %w", err)
	}
	defer rows.Close()

	buckets := []TrialBucket{}
	for rows.Next() {
		var b TrialBucket
		if err := rows.Scan(&b.PromptsUsed, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan trial bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (s *SQLiteStore) UserCreationTimesSince(ctx context.Context, since time.Time) ([]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT created_at FROM users WHERE created_at >= ? ORDER BY created_at", formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query user creation times: %w", err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("failed to scan creation time: %w", err)
		}
		t, err := parseTime(raw)
		if err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, rows.Err()
}

// Conversation methods

func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO conversations (id, user_id, title, created_at) VALUES (?, ?, ?, ?)",
		c.ID, c.UserID, c.Title, formatTime(c.CreatedAt)); err != nil {
		return fmt.Errorf("failed to insert conversation: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO messages (conversation_id, position, prompt, response, timestamp) VALUES (?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare message insert: %w", err)
	}
	defer stmt.Close()
	for i, m := range c.Messages {
		if _, err := stmt.ExecContext(ctx, c.ID, i, m.Prompt, m.Response, formatTime(m.Timestamp)); err != nil {
			return fmt.Errorf("failed to insert message: %w", err)
		}
	}

	if c.Messages == nil {
		c.Messages = []Message{}
	}
	return tx.Commit()
}

func (s *SQLiteStore) AppendMessage(ctx context.Context, conversationID string, m Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int
	err = tx.QueryRowContext(ctx, `
        SELECT COALESCE((SELECT MAX(position) + 1 FROM messages WHERE conversation_id = c.id), 0)
        FROM conversations c WHERE c.id = ?`, conversationID).Scan(&next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to locate conversation: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, position, prompt, response, timestamp) VALUES (?, ?, ?, ?, ?)",
		conversationID, next, m.Prompt, m.Response, formatTime(m.Timestamp)); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var (
		c       Conversation
		created string
	)
	err := s.db.QueryRowContext(ctx,
		"SELECT id, user_id, title, created_at FROM conversations WHERE id = ?", id).
		Scan(&c.ID, &c.UserID, &c.Title, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}
	if c.CreatedAt, err = parseTime(created); err != nil {
		return nil, err
	}

	convs := []Conversation{c}
	if err := s.loadMessages(ctx, convs); err != nil {
		return nil, err
	}
	return &convs[0], nil
}

func (s *SQLiteStore) ListConversations(ctx context.Context, q ConversationQuery) ([]Conversation, int64, error) {
	var (
		conds []string
		args  []any
	)
	if q.UserID != "" {
		conds = append(conds, "user_id = ?")
		args = append(args, q.UserID)
	}
	if q.Start != nil {
		conds = append(conds, "created_at >= ?")
		args = append(args, formatTime(*q.Start))
	}
	if q.End != nil {
		conds = append(conds, "created_at <= ?")
		args = append(args, formatTime(*q.End))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	total, err := s.count(ctx, "SELECT COUNT(*) FROM conversations"+where, args...)
	if err != nil {
		return nil, 0, err
	}
	if q.Limit < 0 || q.Offset < 0 {
		return []Conversation{}, total, nil
	}

	query := "SELECT id, user_id, title, created_at FROM conversations" + where + " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, q.Limit, q.Offset)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query conversations: %w", err)
	}
	defer rows.Close()

	convs := []Conversation{}
	for rows.Next() {
		var (
			c       Conversation
			created string
		)
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &created); err != nil {
			return nil, 0, fmt.Errorf("failed to scan conversation: %w", err)
		}
		if c.CreatedAt, err = parseTime(created); err != nil {
			return nil, 0, err
		}
		convs = append(convs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating conversations: %w", err)
	}
	rows.Close()

	if err := s.loadMessages(ctx, convs); err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

// loadMessages fills Messages for every conversation with one query.
func (s *SQLiteStore) loadMessages(ctx context.Context, convs []Conversation) error {
	if len(convs) == 0 {
		return nil
	}
	index := make(map[string]int, len(convs))
	placeholders := make([]string, len(convs))
	args := make([]any, len(convs))
	for i := range convs {
		convs[i].Messages = []Message{}
		index[convs[i].ID] = i
		placeholders[i] = "?"
		args[i] = convs[i].ID
	}

	rows, err := s.db.QueryContext(ctx,
		"SELECT conversation_id, prompt, response, timestamp FROM messages WHERE conversation_id IN ("+
			strings.Join(placeholders, ",")+") ORDER BY conversation_id, position", args...)
	if err != nil {
		return fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			convID, ts string
			m          Message
		)
		if err := rows.Scan(&convID, &m.Prompt, &m.Response, &ts); err != nil {
			return fmt.Errorf("failed to scan message: %w", err)
		}
		if m.Timestamp, err = parseTime(ts); err != nil {
			return err
		}
		i := index[convID]
		convs[i].Messages = append(convs[i].Messages, m)
	}
	return rows.Err()
}

func (s *SQLiteStore) DeleteConversationsByUser(ctx context.Context, userID string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		"DELETE FROM messages WHERE conversation_id IN (SELECT id FROM conversations WHERE user_id = ?)", userID); err != nil {
		return 0, fmt.Errorf("failed to delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, "DELETE FROM conversations WHERE user_id = ?", userID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete conversations: %w", err)
	}
	affected, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit conversation delete: %w", err)
	}
	return affected, nil
}

func (s *SQLiteStore) CountConversations(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return s.count(ctx, "SELECT COUNT(*) FROM conversations")
	}
	return s.count(ctx, "SELECT COUNT(*) FROM conversations WHERE user_id = ?", userID)
}

func (s *SQLiteStore) CountMessages(ctx context.Context, userID string) (int64, error) {
	if userID == "" {
		return s.count(ctx, "SELECT COUNT(*) FROM messages")
	}
	return s.count(ctx, `
        SELECT COUNT(*) FROM messages m
        JOIN conversations c ON c.id = m.conversation_id
        WHERE c.user_id = ?`, userID)
}

func (s *SQLiteStore) DistinctActiveUsersSince(ctx context.Context, since time.Time) (int64, error) {
	return s.count(ctx, "SELECT COUNT(DISTINCT user_id) FROM conversations WHERE created_at >= ?", formatTime(since))
}

func (s *SQLiteStore) ConversationActivitySince(ctx context.Context, since time.Time) ([]ConversationActivity, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT c.created_at, COUNT(m.id)
        FROM conversations c
        LEFT JOIN messages m ON m.conversation_id = c.id
        WHERE c.created_at >= ?
        GROUP BY c.id, c.created_at
        ORDER BY c.created_at`, formatTime(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query conversation activity: %w", err)
	}
	defer rows.Close()

	var out []ConversationActivity
	for rows.Next() {
		var (
			raw string
			a   ConversationActivity
		)
		if err := rows.Scan(&raw, &a.MessageCount); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		if a.CreatedAt, err = parseTime(raw); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
