package store

import (
	"context"
	"database/sql"
	"fmt"
	"html"
	"time"

	"github.com/choucavalier/zulip/internal/narrow"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) GetDefaultRealm(ctx context.Context) (Realm, error) {
	var realm Realm
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, subdomain, web_public_streams_enabled, first_visible_message_id
		FROM realms
		ORDER BY id
		LIMIT 1
	`).Scan(&realm.ID, &realm.Name, &realm.Subdomain, &realm.WebPublicStreamsEnabled, &realm.FirstVisibleMessageID)
	if err != nil {
		return Realm{}, fmt.Errorf("load realm: %w", err)
	}
	return realm, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, realmID int64, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, realm_id, email, full_name, role, password_hash, is_active
		FROM users
		WHERE realm_id = $1 AND lower(email) = lower($2)
	`, realmID, email).Scan(&user.ID, &user.RealmID, &user.Email, &user.FullName, &user.Role, &user.PasswordHash, &user.IsActive)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, realm_id, email, full_name, role, password_hash, is_active
		FROM users
		WHERE id = $1
	`, userID).Scan(&user.ID, &user.RealmID, &user.Email, &user.FullName, &user.Role, &user.PasswordHash, &user.IsActive)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

// Refresh sessions live in Postgres when Redis is not configured.

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, user User, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, user.ID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT u.id, u.realm_id, u.email, u.full_name, u.role, u.is_active
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash).Scan(&user.ID, &user.RealmID, &user.Email, &user.FullName, &user.Role, &user.IsActive)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// MessageSnapshot is one isolated, read-only view of the message store. All
// reads made through the same snapshot observe the same data; the fetch
// engine relies on this to keep the id window, search matches and flag
// lookups mutually consistent.
type MessageSnapshot interface {
	FetchWindow(ctx context.Context, q WindowQuery) (WindowResult, error)
	FirstUnreadMessageID(ctx context.Context, q WindowQuery) (int64, error)
	UserMessageFlags(ctx context.Context, userID int64, messageIDs []int64) (map[int64]int64, error)
	Messages(ctx context.Context, messageIDs []int64) ([]Message, error)
	Close() error
}

// Snapshot opens a repeatable-read, read-only transaction. Repeatable read
// rules out both phantom and non-repeatable reads, so a window fetched in
// several queries can never disagree with itself; being read-only, the
// transaction can neither deadlock nor need serialization retries.
func (s *PostgresStore) Snapshot(ctx context.Context) (MessageSnapshot, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelRepeatableRead,
		ReadOnly:  true,
	})
	if err != nil {
		return nil, fmt.Errorf("begin snapshot: %w", err)
	}
	return &pgSnapshot{tx: tx}, nil
}

type pgSnapshot struct {
	tx *sql.Tx
}

// Close releases the snapshot. Rollback is the right verb for a read-only
// transaction and is safe on every exit path.
func (s *pgSnapshot) Close() error {
	err := s.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

// FetchWindow runs the windowed (or explicit-id) retrieval for one request.
// Rows come back ordered by id with found/limited edge flags computed per
// postProcessWindow.
func (s *pgSnapshot) FetchWindow(ctx context.Context, q WindowQuery) (WindowResult, error) {
	isSearch := narrow.ContainsSearch(q.Narrow)
	searchQuery := narrow.SearchOperand(q.Narrow)
	withFlags := !q.Spectator && (!q.IncludeHistory || needUserMessageJoin(q.Narrow))
	withMatch := isSearch || q.WithMatchData

	if q.MessageIDs != nil {
		return s.fetchByIDs(ctx, q, withFlags, withMatch, isSearch, searchQuery)
	}

	anchoredLeft := q.Anchor == 0
	anchoredRight := q.Anchor >= LargerThanMaxMessageID

	var rows []MessageRow
	if q.NumBefore > 0 {
		before, err := s.windowQuery(ctx, q, withFlags, withMatch, fmt.Sprintf("m.id < %d", q.Anchor), "DESC", q.NumBefore)
		if err != nil {
			return WindowResult{}, err
		}
		// windowQuery returns newest-first for the before side.
		for i := len(before) - 1; i >= 0; i-- {
			rows = append(rows, before[i])
		}
	}
	if q.IncludeAnchor && !anchoredRight {
		anchorRow, err := s.windowQuery(ctx, q, withFlags, withMatch, fmt.Sprintf("m.id = %d", q.Anchor), "ASC", 1)
		if err != nil {
			return WindowResult{}, err
		}
		rows = append(rows, anchorRow...)
	}
	if q.NumAfter > 0 && !anchoredRight {
		after, err := s.windowQuery(ctx, q, withFlags, withMatch, fmt.Sprintf("m.id > %d", q.Anchor), "ASC", q.NumAfter)
		if err != nil {
			return WindowResult{}, err
		}
		rows = append(rows, after...)
	}

	if isSearch {
		populateMatches(rows, searchQuery)
	}
	return postProcessWindow(rows, q.NumBefore, q.NumAfter, q.Anchor, q.IncludeAnchor, anchoredLeft, anchoredRight, q.FirstVisibleID), nil
}

func (s *pgSnapshot) fetchByIDs(ctx context.Context, q WindowQuery, withFlags, withMatch, isSearch bool, searchQuery string) (WindowResult, error) {
	historyLimited := false
	requested := make([]int64, 0, len(q.MessageIDs))
	for _, id := range q.MessageIDs {
		if q.FirstVisibleID > 0 && id < q.FirstVisibleID {
			historyLimited = true
			continue
		}
		requested = append(requested, id)
	}
	if len(requested) == 0 {
		return WindowResult{Rows: []MessageRow{}, HistoryLimited: historyLimited}, nil
	}

	b := &condBuilder{}
	accessConditions(b, q)
	if err := narrowConditions(b, q); err != nil {
		return WindowResult{}, fmt.Errorf("compile narrow: %w", err)
	}
	b.add(fmt.Sprintf("m.id = ANY(%s)", b.ph(requested)))

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY m.id ASC`,
		selectColumns(withFlags, withMatch), fromClause(withFlags, q.UserID), b.where())
	rows, err := s.queryRows(ctx, query, b.args, withFlags, withMatch)
	if err != nil {
		return WindowResult{}, err
	}
	if isSearch {
		populateMatches(rows, searchQuery)
	}
	return WindowResult{Rows: rows, HistoryLimited: historyLimited}, nil
}

// FirstUnreadMessageID resolves the "first_unread" anchor within the
// narrowed context. When everything is read the sentinel comes back, which
// anchors the window to the newest end.
func (s *pgSnapshot) FirstUnreadMessageID(ctx context.Context, q WindowQuery) (int64, error) {
	b := &condBuilder{}
	accessConditions(b, q)
	if err := narrowConditions(b, q); err != nil {
		return 0, fmt.Errorf("compile narrow: %w", err)
	}
	b.add(fmt.Sprintf("(um.flags & %s) = 0", b.ph(FlagRead)))

	query := fmt.Sprintf(`SELECT COALESCE(MIN(m.id), %d) FROM %s WHERE %s`,
		LargerThanMaxMessageID, fromClause(true, q.UserID), b.where())

	var first int64
	if err := s.tx.QueryRowContext(ctx, query, b.args...).Scan(&first); err != nil {
		return 0, fmt.Errorf("first unread: %w", err)
	}
	return first, nil
}

func (s *pgSnapshot) UserMessageFlags(ctx context.Context, userID int64, messageIDs []int64) (map[int64]int64, error) {
	flags := make(map[int64]int64, len(messageIDs))
	if len(messageIDs) == 0 {
		return flags, nil
	}
	rows, err := s.tx.QueryContext(ctx, `
		SELECT message_id, flags FROM user_messages
		WHERE user_id = $1 AND message_id = ANY($2)
	`, userID, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("user message flags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id, f int64
		if err := rows.Scan(&id, &f); err != nil {
			return nil, fmt.Errorf("scan flags: %w", err)
		}
		flags[id] = f
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate flags: %w", err)
	}
	return flags, nil
}

func (s *pgSnapshot) Messages(ctx context.Context, messageIDs []int64) ([]Message, error) {
	if len(messageIDs) == 0 {
		return []Message{}, nil
	}
	rows, err := s.tx.QueryContext(ctx, `
		SELECT m.id, m.realm_id, m.sender_id, u.email, u.full_name,
			m.stream_id, st.name, m.topic, m.content, m.rendered_content,
			m.date_sent, m.has_attachment, m.has_image, m.has_link
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		JOIN streams st ON st.id = m.stream_id
		WHERE m.id = ANY($1)
		ORDER BY m.id ASC
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, len(messageIDs))
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.RealmID, &m.SenderID, &m.SenderEmail, &m.SenderFullName,
			&m.StreamID, &m.StreamName, &m.Topic, &m.Content, &m.RenderedContent,
			&m.DateSent, &m.HasAttachment, &m.HasImage, &m.HasLink); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return items, nil
}

// windowQuery runs one side of the window. idCond is built from trusted
// int64 values only; every caller-supplied operand goes through the
// condBuilder placeholders.
func (s *pgSnapshot) windowQuery(ctx context.Context, q WindowQuery, withFlags, withMatch bool, idCond, order string, limit int) ([]MessageRow, error) {
	b := &condBuilder{}
	accessConditions(b, q)
	if err := narrowConditions(b, q); err != nil {
		return nil, fmt.Errorf("compile narrow: %w", err)
	}
	b.add(idCond)

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s ORDER BY m.id %s LIMIT %d`,
		selectColumns(withFlags, withMatch), fromClause(withFlags, q.UserID), b.where(), order, limit)
	return s.queryRows(ctx, query, b.args, withFlags, withMatch)
}

func selectColumns(withFlags, withMatch bool) string {
	cols := "m.id"
	if withFlags {
		cols += ", um.flags"
	}
	if withMatch {
		cols += ", m.topic, m.rendered_content"
	}
	return cols
}

func fromClause(withFlags bool, userID int64) string {
	if withFlags {
		return fmt.Sprintf("messages m JOIN user_messages um ON um.message_id = m.id AND um.user_id = %d", userID)
	}
	return "messages m"
}

func (s *pgSnapshot) queryRows(ctx context.Context, query string, args []any, withFlags, withMatch bool) ([]MessageRow, error) {
	rows, err := s.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("window query: %w", err)
	}
	defer rows.Close()

	var out []MessageRow
	for rows.Next() {
		var row MessageRow
		var topic string
		dest := []any{&row.ID}
		if withFlags {
			dest = append(dest, &row.Flags)
			row.HasUserMessage = true
		}
		if withMatch {
			dest = append(dest, &topic, &row.RenderedContent)
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan window row: %w", err)
		}
		if withMatch {
			row.EscapedTopic = html.EscapeString(topic)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate window rows: %w", err)
	}
	return out, nil
}

func populateMatches(rows []MessageRow, searchQuery string) {
	for i := range rows {
		rows[i].ContentMatches = matchSpans(rows[i].RenderedContent, searchQuery)
		rows[i].TopicMatches = matchSpans(rows[i].EscapedTopic, searchQuery)
	}
}
