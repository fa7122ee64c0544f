package app

import (
	"context"
	"crypto/md5"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/choucavalier/zulip/internal/auth"
	"github.com/choucavalier/zulip/internal/authpw"
	"github.com/choucavalier/zulip/internal/cache"
	"github.com/choucavalier/zulip/internal/config"
	"github.com/choucavalier/zulip/internal/narrow"
	"github.com/choucavalier/zulip/internal/search"
	"github.com/choucavalier/zulip/internal/store"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       int64
	Email        string
	FullName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetDefaultRealm(ctx context.Context) (store.Realm, error)
	GetUserByEmail(ctx context.Context, realmID int64, email string) (store.User, error)
	GetUserByID(ctx context.Context, userID int64) (store.User, error)
	Snapshot(ctx context.Context) (store.MessageSnapshot, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type messageCache interface {
	GetMessages(ctx context.Context, ids []int64) (map[int64]json.RawMessage, error)
	SetMessages(ctx context.Context, payloads map[int64]json.RawMessage) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	cache    messageCache
	search   *search.Service
}

// New wires the service against Postgres for both data and refresh
// sessions. messages and searchSvc are optional.
func New(cfg config.Config, dataStore *store.PostgresStore, messages *cache.MessageCache, searchSvc *search.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		search:   searchSvc,
	}
	if messages != nil {
		svc.cache = messages
	}
	return svc
}

// NewWithSessionStore is New with refresh sessions held in a dedicated
// store (Redis) instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, messages *cache.MessageCache, searchSvc *search.Service) *Service {
	svc := New(cfg, dataStore, messages, searchSvc)
	svc.sessions = sessions
	return svc
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// GetMessages is the fetch engine's entry point. viewer is nil for
// spectator (unauthenticated) requests, which are only admitted when the
// realm and the narrow both allow web-public access.
//
// Validation happens first, then a single store snapshot serves every read
// of the request: first-unread resolution, the window itself, and the bulk
// flag lookup all observe the same data.
func (s *Service) GetMessages(ctx context.Context, viewer *store.User, req GetMessagesRequest) (map[string]any, error) {
	selector, err := newFetchSelector(req, s.cfg.MaxMessagesPerFetch)
	if err != nil {
		return nil, err
	}

	realm, err := s.store.GetDefaultRealm(ctx)
	if err != nil {
		return nil, err
	}

	terms := narrow.UpdateEmptyTopicTerms(req.Narrow)
	spectator := viewer == nil
	clientGravatar := req.ClientGravatar
	if spectator {
		// Spectators have no unread state to anchor on.
		if selector.ExplicitIDs == nil && selector.Window.UseFirstUnread {
			return nil, errAuthenticationRequired()
		}
		terms, err = sanitizeSpectatorNarrow(realm, terms)
		if err != nil {
			return nil, err
		}
		clientGravatar = false
	}

	includeHistory := spectator || okToIncludeHistory(terms)

	q := store.WindowQuery{
		RealmID:        realm.ID,
		Spectator:      spectator,
		IncludeHistory: includeHistory,
		Narrow:         terms,
		FirstVisibleID: realm.FirstVisibleMessageID,
	}
	if viewer != nil {
		q.UserID = viewer.ID
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	var anchor int64
	anchorKnown := false
	if selector.ExplicitIDs != nil {
		q.MessageIDs = selector.ExplicitIDs
	} else {
		w := selector.Window
		anchor = w.Anchor
		if w.UseFirstUnread {
			anchor, err = snap.FirstUnreadMessageID(ctx, q)
			if err != nil {
				return nil, err
			}
		}
		anchorKnown = true
		q.Anchor = anchor
		q.IncludeAnchor = w.IncludeAnchor
		q.NumBefore = w.NumBefore
		q.NumAfter = w.NumAfter
	}

	result, err := snap.FetchWindow(ctx, q)
	if err != nil {
		return nil, err
	}

	flags, err := s.assembleFlags(ctx, snap, result.Rows, viewer, spectator, includeHistory)
	if err != nil {
		return nil, err
	}

	var matchFields map[int64]map[string]string
	if narrow.ContainsSearch(terms) {
		matchFields = make(map[int64]map[string]string, len(result.Rows))
		for _, row := range result.Rows {
			matchFields[row.ID] = searchFields(row.RenderedContent, row.EscapedTopic, row.ContentMatches, row.TopicMatches)
		}
	}

	messages, err := s.messagePayloads(ctx, snap, result.Rows, payloadOptions{
		applyMarkdown:       req.ApplyMarkdown,
		clientGravatar:      clientGravatar,
		allowEmptyTopicName: req.AllowEmptyTopicName,
	}, flags, matchFields)
	if err != nil {
		return nil, err
	}

	resp := map[string]any{
		"result":          "success",
		"msg":             "",
		"messages":        messages,
		"history_limited": result.HistoryLimited,
	}
	if anchorKnown {
		resp["anchor"] = anchor
		resp["found_anchor"] = result.FoundAnchor
		resp["found_oldest"] = result.FoundOldest
		resp["found_newest"] = result.FoundNewest
	} else {
		resp["found_anchor"] = false
		resp["found_oldest"] = false
		resp["found_newest"] = false
	}
	return resp, nil
}

// MessagesMatchesNarrow reports, for explicit message ids the viewer has
// received, which of them match the narrow, with highlighted match fields
// for search narrows.
func (s *Service) MessagesMatchesNarrow(ctx context.Context, viewer store.User, msgIDs []int64, rawTerms []narrow.Term) (map[string]any, error) {
	if len(msgIDs) > s.cfg.MaxMessagesPerFetch {
		return nil, errTooManyMessages(s.cfg.MaxMessagesPerFetch)
	}

	realm, err := s.store.GetDefaultRealm(ctx)
	if err != nil {
		return nil, err
	}

	terms := narrow.UpdateEmptyTopicTerms(rawTerms)
	ids := msgIDs
	if ids == nil {
		ids = []int64{}
	}

	q := store.WindowQuery{
		RealmID:        realm.ID,
		UserID:         viewer.ID,
		Narrow:         terms,
		WithMatchData:  true,
		MessageIDs:     ids,
		FirstVisibleID: realm.FirstVisibleMessageID,
	}

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	result, err := snap.FetchWindow(ctx, q)
	if err != nil {
		return nil, err
	}

	matches := make(map[string]map[string]string, len(result.Rows))
	for _, row := range result.Rows {
		matches[strconv.FormatInt(row.ID, 10)] = searchFields(row.RenderedContent, row.EscapedTopic, row.ContentMatches, row.TopicMatches)
	}
	return map[string]any{
		"result":   "success",
		"msg":      "",
		"messages": matches,
	}, nil
}

// QuickSearch serves the non-snapshot, best-effort search endpoint backed
// by Meilisearch with a Postgres full-text fallback.
func (s *Service) QuickSearch(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Source: "none"}
	}
	return s.search.Search(q)
}

// sanitizeSpectatorNarrow gates unauthenticated access. Every rejection
// maps to the same generic authentication error.
func sanitizeSpectatorNarrow(realm store.Realm, terms []narrow.Term) ([]narrow.Term, error) {
	if !realm.WebPublicStreamsEnabled {
		return nil, errAuthenticationRequired()
	}
	terms = narrow.CleanForWebPublicAPI(terms)
	if len(terms) == 0 || !narrow.IsWebPublicNarrow(terms) || !narrow.IsSpectatorCompatible(terms) {
		return nil, errAuthenticationRequired()
	}
	return terms, nil
}

// okToIncludeHistory decides whether a narrow may serve public channel
// history the viewer never received. A channel-scoped narrow qualifies;
// any term about personal state (is:, in:) pins the query back to the
// viewer's own messages.
func okToIncludeHistory(terms []narrow.Term) bool {
	channelScoped := false
	for _, t := range terms {
		switch t.Operator {
		case "channel", "stream":
			if !t.Negated {
				channelScoped = true
			}
		case "channels", "streams":
			operand := t.OperandString()
			if !t.Negated && (operand == "public" || operand == "web-public") {
				channelScoped = true
			}
		case "is", "in":
			return false
		}
	}
	return channelScoped
}

// assembleFlags builds the per-message flag lists. Three regimes:
// spectators always see ["read"]; history queries look personal flags up
// in bulk and mark unreceived messages read+historical; everything else
// already carries packed flags on the row.
func (s *Service) assembleFlags(ctx context.Context, snap store.MessageSnapshot, rows []store.MessageRow, viewer *store.User, spectator, includeHistory bool) (map[int64][]string, error) {
	flags := make(map[int64][]string, len(rows))
	switch {
	case spectator:
		for _, row := range rows {
			flags[row.ID] = []string{"read"}
		}
	case includeHistory:
		ids := make([]int64, len(rows))
		for i, row := range rows {
			ids[i] = row.ID
		}
		userFlags, err := snap.UserMessageFlags(ctx, viewer.ID, ids)
		if err != nil {
			return nil, err
		}
		for _, row := range rows {
			if f, ok := userFlags[row.ID]; ok {
				flags[row.ID] = store.FlagsList(f)
			} else {
				flags[row.ID] = []string{"read", "historical"}
			}
		}
	default:
		for _, row := range rows {
			flags[row.ID] = store.FlagsList(row.Flags)
		}
	}
	return flags, nil
}

type payloadOptions struct {
	applyMarkdown       bool
	clientGravatar      bool
	allowEmptyTopicName bool
}

// messagePayloads hydrates full message objects for the fetched rows, in
// row order. Rendered payloads come from the Redis cache when possible;
// the rest are loaded inside the same snapshot and written back. The cache
// holds only the shared, rendered form; per-request concerns (flags, match
// fields, gravatar policy, topic display) are applied after retrieval.
func (s *Service) messagePayloads(ctx context.Context, snap store.MessageSnapshot, rows []store.MessageRow, opts payloadOptions, flags map[int64][]string, matchFields map[int64]map[string]string) ([]map[string]any, error) {
	ids := make([]int64, len(rows))
	for i, row := range rows {
		ids[i] = row.ID
	}

	useCache := s.cache != nil && opts.applyMarkdown

	base := make(map[int64]map[string]any, len(ids))
	missing := ids
	if useCache {
		cached, err := s.cache.GetMessages(ctx, ids)
		if err != nil {
			log.Printf("message cache read failed: %v", err)
			cached = nil
		}
		missing = make([]int64, 0, len(ids))
		for _, id := range ids {
			payload, ok := cached[id]
			if !ok {
				missing = append(missing, id)
				continue
			}
			var decoded map[string]any
			if err := json.Unmarshal(payload, &decoded); err != nil {
				log.Printf("message cache entry %d corrupt: %v", id, err)
				missing = append(missing, id)
				continue
			}
			base[id] = decoded
		}
	}

	if len(missing) > 0 {
		loaded, err := snap.Messages(ctx, missing)
		if err != nil {
			return nil, err
		}
		writeBack := make(map[int64]json.RawMessage, len(loaded))
		for _, m := range loaded {
			payload := basePayload(m, opts.applyMarkdown)
			base[m.ID] = payload
			if useCache {
				encoded, err := json.Marshal(payload)
				if err == nil {
					writeBack[m.ID] = encoded
				}
			}
		}
		if useCache && len(writeBack) > 0 {
			if err := s.cache.SetMessages(ctx, writeBack); err != nil {
				log.Printf("message cache write failed: %v", err)
			}
		}
	}

	messages := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		payload, ok := base[id]
		if !ok {
			// The row vanished between the window query and hydration;
			// impossible inside one snapshot, so treat it as a store bug.
			return nil, fmt.Errorf("message %d missing during hydration", id)
		}
		out := make(map[string]any, len(payload)+3)
		for k, v := range payload {
			out[k] = v
		}
		if opts.clientGravatar {
			out["avatar_url"] = nil
		}
		if !opts.allowEmptyTopicName {
			if topic, ok := out["subject"].(string); ok && topic == "" {
				out["subject"] = narrow.LegacyEmptyTopicName
			}
		}
		out["flags"] = flags[id]
		if matchFields != nil {
			for k, v := range matchFields[id] {
				out[k] = v
			}
		}
		messages = append(messages, out)
	}
	return messages, nil
}

// basePayload is the cacheable, viewer-independent form of one message.
func basePayload(m store.Message, applyMarkdown bool) map[string]any {
	content := m.Content
	contentType := "text/x-markdown"
	if applyMarkdown {
		content = m.RenderedContent
		contentType = "text/html"
	}
	return map[string]any{
		"id":                m.ID,
		"sender_id":         m.SenderID,
		"sender_email":      m.SenderEmail,
		"sender_full_name":  m.SenderFullName,
		"display_recipient": m.StreamName,
		"stream_id":         m.StreamID,
		"subject":           m.Topic,
		"type":              "stream",
		"content":           content,
		"content_type":      contentType,
		"timestamp":         m.DateSent.Unix(),
		"avatar_url":        gravatarURL(m.SenderEmail),
	}
}

func gravatarURL(email string) string {
	sum := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(email))))
	return fmt.Sprintf("https://secure.gravatar.com/avatar/%x?d=identicon", sum)
}

func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	realm, err := s.store.GetDefaultRealm(ctx)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByEmail(ctx, realm.ID, email)
	if err != nil || !user.IsActive || !authpw.Verify(user.PasswordHash, password) {
		return Session{}, errInvalidCredentials()
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	if refreshToken == "" {
		return nil
	}
	return s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := auth.NewOpaqueToken("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:   user.ID,
		Email: user.Email,
		Role:  user.Role,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := auth.NewOpaqueToken("rft") + auth.NewOpaqueToken("")
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		Email:        user.Email,
		FullName:     user.FullName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}
	if !user.IsActive {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    user.ID,
		Email:     user.Email,
		FullName:  user.FullName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// UserFromToken resolves the authenticated user for message endpoints.
func (s *Service) UserFromToken(ctx context.Context, token string) (store.User, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return store.User{}, err
	}
	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return store.User{}, err
	}
	if !user.IsActive {
		return store.User{}, auth.ErrInvalidToken
	}
	return user, nil
}
