package app

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"huddle/api/internal/config"
	"huddle/api/internal/docstore"
	"huddle/api/internal/gateway"
	"huddle/api/internal/identity"
	"huddle/api/internal/kudos"
	"huddle/api/internal/message"
	"huddle/api/internal/metrics"
	"huddle/api/internal/presence"
	"huddle/api/internal/search"
	"huddle/api/internal/session"
	"huddle/api/internal/store"
	"huddle/api/internal/util"
)

// Service wires the realtime core, the document store and the search index
// behind one API surface shared by the HTTP routes and the websocket gateway.
type Service struct {
	cfg      config.Config
	store    store.Store
	docs     docstore.Store
	kudos    *kudos.Engine
	commands *session.Dispatcher
	searcher search.Searcher
	indexer  search.Indexer
	hub      *gateway.Hub

	typingMu sync.Mutex
	typing   map[string]*typingEntry
}

// typingEntry is one live REST typing coordinator plus the timer that evicts
// it once the indicator must have expired anyway, so abandoned clients cannot
// grow the registry without bound.
type typingEntry struct {
	coord *presence.Coordinator
	evict *time.Timer
}

func NewService(cfg config.Config, rt store.Store, docs docstore.Store, searcher search.Searcher, indexer search.Indexer) *Service {
	s := &Service{
		cfg:      cfg,
		store:    rt,
		docs:     docs,
		kudos:    kudos.NewEngine(docs),
		commands: session.NewDispatcher(rt),
		searcher: searcher,
		indexer:  indexer,
		typing:   make(map[string]*typingEntry),
	}
	s.hub = gateway.NewHub(rt, s.identityFromRequest, gateway.Options{
		PageSize:       cfg.MessagePageSize,
		Retention:      cfg.MessageRetention,
		TypingTTL:      cfg.TypingTTL,
		TypingDebounce: cfg.TypingDebounce,
		AllowedOrigin:  cfg.CORSOrigin,
	})
	if counter, ok := rt.(interface{ NumListeners() int }); ok {
		metrics.RegisterStoreListeners(counter.NumListeners)
	}
	return s
}

func (s *Service) Hub() *gateway.Hub { return s.hub }

func (s *Service) SyncToken() string { return s.cfg.SyncToken }

func (s *Service) Ping(ctx context.Context) error {
	if err := s.docs.Ping(ctx); err != nil {
		return err
	}
	if pinger, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// ── identity ──

func (s *Service) Register(ctx context.Context, username, displayName, secretKey string) (string, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "username is required", nil)
	}
	if len(secretKey) < identity.MinSecretKeyLen {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "secret key is too short", nil)
	}
	hash, err := identity.HashSecretKey(secretKey)
	if err != nil {
		return "", err
	}
	user := docstore.User{
		UID:           util.NewID("usr"),
		Username:      username,
		DisplayName:   strings.TrimSpace(displayName),
		SecretKeyHash: hash,
		Kudos:         s.cfg.KudosResetValue,
	}
	if err := s.docs.CreateUser(ctx, user); err != nil {
		if errors.Is(err, docstore.ErrUserExists) {
			return "", domainError(http.StatusConflict, "USER_EXISTS", "Username already taken", nil)
		}
		return "", err
	}
	return user.UID, nil
}

func (s *Service) AuthToken(ctx context.Context, username, secretKey string) (string, identity.Identity, error) {
	user, err := s.docs.GetUserByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		if errors.Is(err, docstore.ErrUserNotFound) {
			return "", identity.Identity{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or secret key", nil)
		}
		return "", identity.Identity{}, err
	}
	if user.Banned || !identity.VerifySecretKey(user.SecretKeyHash, secretKey) {
		return "", identity.Identity{}, domainError(http.StatusUnauthorized, "INVALID_CREDENTIALS", "Invalid username or secret key", nil)
	}
	name := user.DisplayName
	if name == "" {
		name = user.Username
	}
	token, err := identity.IssueToken([]byte(s.cfg.TokenSecret), identity.Claims{
		Sub:      user.UID,
		Name:     name,
		Verified: true,
		JTI:      util.NewID("jti"),
		Exp:      time.Now().Add(s.cfg.AccessTTL).Unix(),
	})
	if err != nil {
		return "", identity.Identity{}, err
	}
	return token, identity.Identity{UID: user.UID, DisplayName: name, Verified: true}, nil
}

func (s *Service) IdentityFromToken(token string) (identity.Identity, error) {
	claims, err := identity.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return identity.Identity{}, err
	}
	return identity.Identity{UID: claims.Sub, DisplayName: claims.Name, Verified: claims.Verified}, nil
}

// identityFromRequest accepts the bearer header or, for websocket upgrades
// where headers are awkward for browser clients, a token query parameter.
func (s *Service) identityFromRequest(r *http.Request) (identity.Identity, error) {
	token := bearerToken(r)
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return identity.Identity{}, identity.ErrInvalidToken
	}
	return s.IdentityFromToken(token)
}

// ── sessions ──

func (s *Service) CreateSession(ctx context.Context, ident identity.Identity, title string, invited []string) (string, error) {
	id, err := s.commands.Create(ctx, ident.UID, title, invited)
	if err != nil {
		return "", err
	}
	metrics.SessionsCreated.Inc()
	return id, nil
}

// authorizeMember loads the session and checks the caller may touch it.
func (s *Service) authorizeMember(ctx context.Context, sessionID, uid string) (session.Session, error) {
	sess, err := session.Load(ctx, s.store, sessionID)
	if err != nil {
		return session.Session{}, err
	}
	if !sess.Authorizes(uid) {
		return session.Session{}, session.ErrNotAuthorized
	}
	return sess, nil
}

// CommandInput is one dispatcher command from the HTTP surface.
type CommandInput struct {
	Command            string  `json:"command"`
	TargetUID          string  `json:"targetUid,omitempty"`
	Title              *string `json:"title,omitempty"`
	IdentifierRequired *bool   `json:"identifierRequired,omitempty"`
}

func (s *Service) DispatchCommand(ctx context.Context, ident identity.Identity, sessionID string, in CommandInput) error {
	switch in.Command {
	case "endSession":
		return s.commands.EndSession(ctx, sessionID, ident.UID)
	case "leaveSession":
		return s.commands.LeaveSession(ctx, sessionID, ident.UID)
	case "joinSession":
		return s.commands.Join(ctx, sessionID, ident.UID)
	case "addParticipant":
		if strings.TrimSpace(in.TargetUID) == "" {
			return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "targetUid is required", nil)
		}
		return s.commands.AddParticipant(ctx, sessionID, ident.UID, in.TargetUID)
	case "toggleLock":
		return s.commands.ToggleLock(ctx, sessionID, ident.UID)
	case "updateMetadata":
		return s.commands.UpdateMetadata(ctx, sessionID, ident.UID, session.MetadataUpdate{
			Title:              in.Title,
			IdentifierRequired: in.IdentifierRequired,
		})
	default:
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown command", nil)
	}
}

// ── messages ──

func (s *Service) ListMessages(ctx context.Context, ident identity.Identity, sessionID, before string, limit int) ([]message.ChatMessage, error) {
	if _, err := s.authorizeMember(ctx, sessionID, ident.UID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > s.cfg.MessagePageSize {
		limit = s.cfg.MessagePageSize
	}
	mgr := message.NewManager(s.store, sessionID, s.cfg.MessageRetention)
	if before == "" {
		return mgr.LoadInitial(ctx, limit)
	}
	return mgr.LoadOlder(ctx, before, limit)
}

func (s *Service) SendMessage(ctx context.Context, ident identity.Identity, sessionID, text, replyTo string) (message.ChatMessage, error) {
	sess, err := s.authorizeMember(ctx, sessionID, ident.UID)
	if err != nil {
		return message.ChatMessage{}, err
	}
	if sess.Status == session.StatusEnded {
		return message.ChatMessage{}, session.ErrEnded
	}
	mgr := message.NewManager(s.store, sessionID, s.cfg.MessageRetention)
	msg, err := mgr.Send(ctx, ident.UID, text, replyTo)
	if err != nil {
		if !errors.Is(err, message.ErrEmptyText) && !errors.Is(err, message.ErrTextTooLong) {
			metrics.MessageSendRollbacks.Inc()
		}
		return message.ChatMessage{}, err
	}
	metrics.MessagesSent.Inc()
	s.indexAsync(sessionID, msg)
	return msg, nil
}

func (s *Service) indexAsync(sessionID string, msg message.ChatMessage) {
	go func() {
		err := s.indexer.IndexMessage(search.MessageRecord{
			ID:        msg.ID,
			SessionID: sessionID,
			Sender:    msg.Sender,
			Text:      msg.Text,
			CreatedAt: msg.CreatedAt,
		})
		if err != nil {
			log.Printf("app: index message %s: %v", msg.ID, err)
		}
	}()
}

func (s *Service) DeleteMessage(ctx context.Context, ident identity.Identity, sessionID, messageID string) error {
	sess, err := s.authorizeMember(ctx, sessionID, ident.UID)
	if err != nil {
		return err
	}
	mgr := message.NewManager(s.store, sessionID, s.cfg.MessageRetention)
	if err := mgr.Delete(ctx, messageID, ident.UID, sess.Creator); err != nil {
		return err
	}
	go func() {
		if err := s.indexer.DeleteMessage(messageID); err != nil {
			log.Printf("app: unindex message %s: %v", messageID, err)
		}
	}()
	return nil
}

func (s *Service) ToggleReaction(ctx context.Context, ident identity.Identity, sessionID, messageID, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "emoji is required", nil)
	}
	if _, err := s.authorizeMember(ctx, sessionID, ident.UID); err != nil {
		return err
	}
	mgr := message.NewManager(s.store, sessionID, s.cfg.MessageRetention)
	if err := mgr.ToggleReaction(ctx, messageID, emoji, ident.UID); err != nil {
		return err
	}
	metrics.ReactionToggles.Inc()
	return nil
}

// ── typing ──

// SetTyping drives the caller's typing flag over the REST path. Coordinators
// are kept per (session, caller) so the debounce state survives across
// requests; an explicit clear retires the entry immediately, and a client
// that vanishes mid-typing is evicted once TTL plus debounce have passed and
// the coordinator's auto-clear has fired.
func (s *Service) SetTyping(ctx context.Context, ident identity.Identity, sessionID string, active bool) error {
	if _, err := s.authorizeMember(ctx, sessionID, ident.UID); err != nil {
		return err
	}

	key := sessionID + "\x00" + ident.UID
	s.typingMu.Lock()
	entry, ok := s.typing[key]
	if !ok {
		entry = &typingEntry{
			coord: presence.NewCoordinator(s.store, sessionID, ident.UID, s.cfg.TypingTTL, s.cfg.TypingDebounce),
		}
		s.typing[key] = entry
	}
	if entry.evict != nil {
		entry.evict.Stop()
		entry.evict = nil
	}
	if active {
		entry.evict = time.AfterFunc(s.cfg.TypingTTL+s.cfg.TypingDebounce, func() {
			s.typingMu.Lock()
			if s.typing[key] == entry {
				delete(s.typing, key)
			}
			s.typingMu.Unlock()
		})
	} else {
		delete(s.typing, key)
	}
	s.typingMu.Unlock()

	return entry.coord.SetTyping(ctx, ident.DisplayName, "", active)
}

// ── kudos ──

func (s *Service) TransferKudos(ctx context.Context, ident identity.Identity, toUID string, amount int, note string) kudos.Result {
	res := s.kudos.Transfer(ctx, ident.UID, toUID, amount, note)
	outcome := "ok"
	if !res.OK {
		outcome = string(res.Reason)
	}
	metrics.KudosTransfers.WithLabelValues(outcome).Inc()
	return res
}

func (s *Service) ListKudosTxns(ctx context.Context, ident identity.Identity, limit int) ([]docstore.Txn, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.docs.ListTxns(ctx, ident.UID, limit)
}

// ResetAllKudos runs the scheduled balance reset and reports how it went.
func (s *Service) ResetAllKudos(ctx context.Context) (docstore.ResetReport, time.Duration, error) {
	started := time.Now()
	report, err := s.docs.ResetAllKudos(ctx, s.cfg.KudosResetValue, s.cfg.ResetBatchSize)
	elapsed := time.Since(started)
	if err != nil {
		return report, elapsed, err
	}
	log.Printf("app: kudos reset done, updated=%d failed=%d in %dms",
		report.Updated, report.Failed, elapsed.Milliseconds())
	return report, elapsed, nil
}

// ── search ──

// SearchMessages runs a full-text query scoped to one session. The caller
// must pass the same membership check as any other read of that session, so
// the index can never leak message bodies across session boundaries.
func (s *Service) SearchMessages(ctx context.Context, ident identity.Identity, q search.Query) (search.Response, error) {
	if strings.TrimSpace(q.SessionID) == "" {
		return search.Response{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "sessionId is required", nil)
	}
	if _, err := s.authorizeMember(ctx, q.SessionID, ident.UID); err != nil {
		return search.Response{}, err
	}
	if !s.searcher.Healthy() {
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	results, total, err := s.searcher.Search(q)
	if err != nil {
		log.Printf("app: search error: %v", err)
		return search.Response{Results: []search.Result{}, Query: q.Text}, nil
	}
	if results == nil {
		results = []search.Result{}
	}
	return search.Response{Results: results, Total: total, Query: q.Text}, nil
}
