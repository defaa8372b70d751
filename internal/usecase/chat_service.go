package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"codechat/internal/domain"
)

// ChatServiceDeps holds the dependencies for ChatService.
type ChatServiceDeps struct {
	Orchestrator *Orchestrator
	Sessions     *SessionManager
	Locker       *SessionLocker
	Logger       *slog.Logger
	// Listeners observe every exchange in addition to the per-call listener.
	Listeners []domain.ExchangeListener
	// Timeout bounds one exchange. Zero means no limit.
	Timeout time.Duration
}

// ChatService turns user input into exchanges on keyed conversations.
type ChatService struct {
	orch      *Orchestrator
	sessions  *SessionManager
	locker    *SessionLocker
	logger    *slog.Logger
	listeners []domain.ExchangeListener
	timeout   time.Duration
}

// NewChatService creates a ChatService.
func NewChatService(deps ChatServiceDeps) *ChatService {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	locker := deps.Locker
	if locker == nil {
		locker = NewSessionLocker()
	}
	return &ChatService{
		orch:      deps.Orchestrator,
		sessions:  deps.Sessions,
		locker:    locker,
		logger:    logger,
		listeners: deps.Listeners,
		timeout:   deps.Timeout,
	}
}

// pendingTurn holds the user message of a running exchange. The message
// reaches the session only together with the answer, so failed, cancelled
// and empty exchanges leave the history untouched.
type pendingTurn struct {
	*Session
	user domain.Message
}

func (t pendingTurn) AddMessage(reply domain.Message) {
	t.appendMessages(t.user, reply)
}

// Send starts an exchange for text on the session under sessionKey. The user
// message is committed with the answer. The session stays locked until the
// exchange resolves, so a second Send on the same key waits for the first.
func (s *ChatService) Send(ctx context.Context, sessionKey, text string, l domain.ExchangeListener) (*Exchange, error) {
	if strings.TrimSpace(text) == "" {
		return nil, domain.NewDomainError("ChatService.Send", domain.ErrMissingPrompt, sessionKey)
	}

	sess, err := s.sessions.GetOrCreate(sessionKey)
	if err != nil {
		return nil, err
	}

	unlock, err := s.locker.Lock(ctx, sess.ID())
	if err != nil {
		return nil, domain.WrapOp("ChatService.Send", err)
	}

	user := domain.Message{Role: domain.RoleUser, Content: text, Timestamp: time.Now()}
	prompt := sess.GetMessages(sess.Model().ContextBudget, user)
	sess.beginExchange()

	runCtx := domain.ContextWithSessionID(ctx, sess.ID())
	cancel := context.CancelFunc(func() {})
	if s.timeout > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, s.timeout)
	}

	all := make([]domain.ExchangeListener, 0, len(s.listeners)+1)
	all = append(all, s.listeners...)
	all = append(all, l)

	turn := pendingTurn{Session: sess, user: user}
	ex, err := s.orch.Start(runCtx, turn, domain.NewInitiating(NewExchangeID(), prompt), NewMultiListener(all...))
	if err != nil {
		cancel()
		sess.endExchange()
		unlock()
		return nil, fmt.Errorf("start exchange: %w", err)
	}

	go func() {
		<-ex.Done()
		cancel()
		sess.endExchange()
		unlock()
	}()
	return ex, nil
}

// Reset clears the history of the session under sessionKey.
func (s *ChatService) Reset(sessionKey string) error {
	sess, err := s.sessions.Get(sessionKey)
	if err != nil {
		return err
	}
	sess.Reset()
	s.logger.Debug("session reset", "session", sessionKey, "session_id", sess.ID())
	return nil
}

// History returns a copy of the conversation under sessionKey.
func (s *ChatService) History(sessionKey string) ([]domain.Message, error) {
	sess, err := s.sessions.Get(sessionKey)
	if err != nil {
		return nil, err
	}
	return sess.Messages(), nil
}
