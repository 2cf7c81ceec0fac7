package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"pdfchat/features/document"
	"pdfchat/internal/middleware"
	"pdfchat/internal/retrieval"
)

var (
	ErrNotReady        = errors.New("document is not ready for questions")
	ErrInvalidMessage  = errors.New("message must be between 1 and 2000 characters")
	ErrSessionNotFound = errors.New("chat session not found")
)

// FallbackAnswer is returned verbatim when retrieval finds nothing. The
// model is not called in that case.
const FallbackAnswer = "I couldn't find relevant information in the PDF to answer your question."

const (
	maxMessageLength = 2000
	historyDepth     = 5
	previewLength    = 200
)

type Session struct {
	ID         string    `json:"-"`
	SessionID  string    `json:"session_id"`
	OwnerID    string    `json:"-"`
	DocumentID string    `json:"document_id"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type ContextEntry struct {
	PageNumber int     `json:"page_number"`
	Content    string  `json:"content"`
	Score      float32 `json:"score"`
}

type Message struct {
	ID        string         `json:"id"`
	SessionID string         `json:"-"`
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Context   []ContextEntry `json:"context,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

type Answer struct {
	SessionID string         `json:"session_id"`
	Answer    string         `json:"answer"`
	Context   []ContextEntry `json:"context"`
	Cached    bool           `json:"cached"`
}

// cachedResponse is the cache value. Both the answer and its context are
// stored so a hit replays the exact response of the original call.
type cachedResponse struct {
	Answer  string         `json:"answer"`
	Context []ContextEntry `json:"context"`
}

type Repository interface {
	FindSession(ctx context.Context, ownerID, sessionID string) (*Session, error)
	CreateSession(ctx context.Context, session *Session) error
	ListSessionsByDocument(ctx context.Context, ownerID, documentID string) ([]Session, error)
	// RecentSessions returns up to limit sessions, most recently active first.
	RecentSessions(ctx context.Context, ownerID string, limit int) ([]Session, error)
	DeleteSession(ctx context.Context, ownerID, sessionID string) error
	AppendMessage(ctx context.Context, msg *Message) error
	// RecentMessages returns up to limit messages, oldest first.
	RecentMessages(ctx context.Context, sessionRowID string, limit int) ([]Message, error)
	Messages(ctx context.Context, sessionRowID string) ([]Message, error)
}

type DocumentGetter interface {
	Get(ctx context.Context, id, ownerID string) (*document.Document, error)
}

type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Searcher interface {
	Query(ctx context.Context, vector []float32, documentID, ownerID string, topK int) ([]retrieval.Match, error)
}

type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

type ResponseCache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

type Service struct {
	repo     Repository
	docs     DocumentGetter
	embedder Embedder
	searcher Searcher
	llm      Generator
	cache    ResponseCache
	queryLog *retrieval.QueryLogger
	topK     int
	cacheTTL time.Duration
}

func NewService(repo Repository, docs DocumentGetter, embedder Embedder, searcher Searcher, llm Generator, cache ResponseCache, queryLog *retrieval.QueryLogger, topK int, cacheTTL time.Duration) *Service {
	return &Service{
		repo:     repo,
		docs:     docs,
		embedder: embedder,
		searcher: searcher,
		llm:      llm,
		cache:    cache,
		queryLog: queryLog,
		topK:     topK,
		cacheTTL: cacheTTL,
	}
}

// Ask answers a question about one document. Identical questions within the
// cache TTL are served from Redis without touching the model, but every
// exchange still lands in the session transcript.
func (s *Service) Ask(ctx context.Context, ownerID, documentID, sessionID, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if len(question) == 0 || len(question) > maxMessageLength {
		return nil, ErrInvalidMessage
	}

	doc, err := s.docs.Get(ctx, documentID, ownerID)
	if err != nil {
		return nil, err
	}
	if !doc.IsReady() {
		return nil, ErrNotReady
	}

	session, err := s.findOrCreateSession(ctx, ownerID, documentID, sessionID)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	cacheKey := fmt.Sprintf("chat:%s:%s", documentID, strings.ToLower(question))

	if raw, ok := s.cache.Get(ctx, cacheKey); ok {
		var cached cachedResponse
		if err := json.Unmarshal([]byte(raw), &cached); err != nil {
			// Unreadable entry, fall through to the full path and overwrite it.
			slog.WarnContext(ctx, "malformed cache entry", "key", cacheKey, "error", err)
		} else {
			if cached.Context == nil {
				cached.Context = []ContextEntry{}
			}
			if err := s.appendExchange(ctx, session.ID, question, cached.Answer, cached.Context); err != nil {
				return nil, err
			}
			s.logQuery(ctx, documentID, question, len(cached.Context), true, started)
			return &Answer{SessionID: session.SessionID, Answer: cached.Answer, Context: cached.Context, Cached: true}, nil
		}
	}

	vector, err := s.embedder.Embed(ctx, question)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}

	matches, err := s.searcher.Query(ctx, vector, documentID, ownerID, s.topK)
	if err != nil {
		return nil, fmt.Errorf("query index: %w", err)
	}

	if len(matches) == 0 {
		if err := s.appendExchange(ctx, session.ID, question, FallbackAnswer, nil); err != nil {
			return nil, err
		}
		s.logQuery(ctx, documentID, question, 0, false, started)
		return &Answer{SessionID: session.SessionID, Answer: FallbackAnswer, Context: []ContextEntry{}}, nil
	}

	history, err := s.repo.RecentMessages(ctx, session.ID, historyDepth)
	if err != nil {
		slog.WarnContext(ctx, "history fetch failed", "session_id", session.SessionID, "error", err)
		history = nil
	}

	answer, err := s.llm.Generate(ctx, BuildPrompt(question, history, matches))
	if err != nil {
		return nil, fmt.Errorf("generate answer: %w", err)
	}

	entries := contextEntries(matches)
	if blob, err := json.Marshal(cachedResponse{Answer: answer, Context: entries}); err == nil {
		s.cache.Set(ctx, cacheKey, string(blob), s.cacheTTL)
	}

	if err := s.appendExchange(ctx, session.ID, question, answer, entries); err != nil {
		return nil, err
	}

	s.logQuery(ctx, documentID, question, len(matches), false, started)
	return &Answer{SessionID: session.SessionID, Answer: answer, Context: entries}, nil
}

func (s *Service) findOrCreateSession(ctx context.Context, ownerID, documentID, sessionID string) (*Session, error) {
	if sessionID != "" {
		session, err := s.repo.FindSession(ctx, ownerID, sessionID)
		if err == nil {
			// A session belongs to exactly one document. Presenting its id
			// against another document is treated as an unknown session.
			if session.DocumentID != documentID {
				return nil, ErrSessionNotFound
			}
			return session, nil
		}
		if !errors.Is(err, ErrSessionNotFound) {
			return nil, err
		}
	} else {
		sessionID = uuid.New().String()
	}

	session := &Session{
		SessionID:  sessionID,
		OwnerID:    ownerID,
		DocumentID: documentID,
		IsActive:   true,
	}
	if err := s.repo.CreateSession(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (s *Service) appendExchange(ctx context.Context, sessionRowID, question, answer string, entries []ContextEntry) error {
	if err := s.repo.AppendMessage(ctx, &Message{
		SessionID: sessionRowID,
		Role:      "user",
		Content:   question,
	}); err != nil {
		return err
	}
	return s.repo.AppendMessage(ctx, &Message{
		SessionID: sessionRowID,
		Role:      "assistant",
		Content:   answer,
		Context:   entries,
	})
}

func (s *Service) logQuery(ctx context.Context, documentID, question string, numResults int, cached bool, started time.Time) {
	if s.queryLog == nil {
		return
	}
	s.queryLog.Log(retrieval.QueryLogEntry{
		DocumentID:    documentID,
		Query:         question,
		NumResults:    numResults,
		Cached:        cached,
		Duration:      time.Since(started),
		CorrelationID: middleware.GetCorrelationID(ctx),
	})
}

// History lists the caller's most recently active sessions across all
// documents.
func (s *Service) History(ctx context.Context, ownerID string, limit int) ([]Session, error) {
	return s.repo.RecentSessions(ctx, ownerID, limit)
}

// GetSession returns a session together with its full transcript.
func (s *Service) GetSession(ctx context.Context, ownerID, sessionID string) (*Session, []Message, error) {
	session, err := s.repo.FindSession(ctx, ownerID, sessionID)
	if err != nil {
		return nil, nil, err
	}
	messages, err := s.repo.Messages(ctx, session.ID)
	if err != nil {
		return nil, nil, err
	}
	return session, messages, nil
}

// Sessions lists the caller's sessions for one document.
func (s *Service) Sessions(ctx context.Context, ownerID, documentID string) ([]Session, error) {
	if _, err := s.docs.Get(ctx, documentID, ownerID); err != nil {
		return nil, err
	}
	return s.repo.ListSessionsByDocument(ctx, ownerID, documentID)
}

// DeleteSession removes a session and its transcript. Messages go with the
// row via cascade.
func (s *Service) DeleteSession(ctx context.Context, ownerID, sessionID string) error {
	return s.repo.DeleteSession(ctx, ownerID, sessionID)
}

func contextEntries(matches []retrieval.Match) []ContextEntry {
	entries := make([]ContextEntry, len(matches))
	for i, m := range matches {
		content := m.Content
		if len(content) > previewLength {
			// Back up to a rune boundary so the cut never leaves a partial
			// UTF-8 sequence in the preview.
			cut := previewLength
			for cut > 0 && !utf8.RuneStart(content[cut]) {
				cut--
			}
			content = content[:cut] + "..."
		}
		entries[i] = ContextEntry{
			PageNumber: m.PageNumber,
			Content:    content,
			Score:      m.Score,
		}
	}
	return entries
}
