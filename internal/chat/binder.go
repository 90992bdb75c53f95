package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"policy-backend/internal/llm"
	"policy-backend/internal/shared/metrics"
	"policy-backend/internal/shared/retry"
	"policy-backend/internal/shared/telemetry"
)

var (
	ErrUnboundSession = errors.New("chat: session is not bound to a result")
	ErrEmptyQuestion  = errors.New("chat: question is required")
	ErrEmptyResult    = errors.New("chat: result is required")
)

const instructions = `You are a policy assistant helping a customer understand their insurance policy.
Answer only from the policy analysis below. If the analysis does not cover something, say so plainly.

Respond in natural language, never raw JSON. Format every answer in markdown:
- **bold** for key terms and benefit names
- bulleted lists for coverage items, exclusions and steps
- ### headings to separate sections of longer answers
- > block quotes for caveats, limitations and anything the customer should double check
- ` + "`inline code`" + ` for amounts, percentages, limits and waiting periods

Policy analysis:
`

const acknowledgement = "Understood. I will answer questions about this policy using only the analysis provided, formatted in markdown."

const reminder = "\n\n(Answer from the policy analysis above. Use markdown with bold key terms, bulleted lists, headings, block quotes for caveats and inline code for numbers.)"

// WelcomeMessage is shown when a chat is opened on a result.
const WelcomeMessage = "### Welcome to Policy Assistant! 👋\n\n" +
	"I've analyzed your insurance policy and I'm ready to help you understand it better. You can ask me anything about:\n\n" +
	"- Policy coverage and benefits\n" +
	"- Exclusions and limitations\n" +
	"- Waiting periods\n" +
	"- Premium details\n" +
	"- Claims procedures\n\n" +
	"I'll provide clear, structured answers based on your policy document."

// Session is a chat bound to one analysis result.
type Session struct {
	ID        string
	Owner     string
	CreatedAt time.Time

	conv *llm.Session
}

// History returns the turns of the bound conversation.
func (s *Session) History() []llm.Content {
	if s == nil || s.conv == nil {
		return nil
	}
	return s.conv.History()
}

func (s *Session) close() {
	if s != nil && s.conv != nil {
		s.conv.Close()
	}
}

// Binder opens chat sessions grounded in an analysis result.
type Binder struct {
	Model   llm.Model
	Retry   retry.Policy
	History HistoryStore
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// NewBinder returns a Binder with the default model retry and no history store.
func NewBinder(model llm.Model) *Binder {
	return &Binder{
		Model:   model,
		Retry:   DefaultRetry(),
		History: NopHistoryStore{},
	}
}

// DefaultRetry mirrors the analysis model retry.
func DefaultRetry() retry.Policy {
	return retry.Policy{
		MaxAttempts: 3,
		BaseDelay:   2 * time.Second,
		MaxDelay:    30 * time.Second,
		Backoff:     retry.Exponential,
		Retryable:   llm.IsRetryable,
	}
}

// Bind starts a fresh session whose first turn carries result.
func (b *Binder) Bind(ctx context.Context, owner string, result any) (*Session, error) {
	if result == nil {
		return nil, ErrEmptyResult
	}
	payload, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("chat: encode result: %w", err)
	}
	if s := strings.TrimSpace(string(payload)); s == "null" || s == "{}" {
		return nil, ErrEmptyResult
	}

	conv := llm.NewSession(b.Model, llm.SeedHistory(instructions+string(payload), acknowledgement)...)
	s := &Session{ID: conv.ID, Owner: owner, CreatedAt: b.now(), conv: conv}
	b.save(ctx, s)
	return s, nil
}

// Ask sends question on s and returns the reply.
func (b *Binder) Ask(ctx context.Context, s *Session, question string) (string, error) {
	if s == nil || s.conv == nil || s.conv.Closed() {
		return "", ErrUnboundSession
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return "", ErrEmptyQuestion
	}

	policy := b.Retry
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		b.Metrics.Retry("chat")
		telemetry.Warn("chat.retry", map[string]any{
			"session_id": s.ID,
			"attempt":    attempt,
			"delay_ms":   delay.Milliseconds(),
			"error":      err.Error(),
		})
	}
	reply, err := retry.Do(ctx, policy, func(ctx context.Context) (string, error) {
		return s.conv.Send(ctx, llm.Text(question+reminder))
	})
	if err != nil {
		b.Metrics.ChatQuestion("error")
		return "", err
	}
	b.Metrics.ChatQuestion("success")
	b.save(ctx, s)
	return reply, nil
}

// Resume rebuilds a session from the history store.
func (b *Binder) Resume(ctx context.Context, id string) (*Session, error) {
	rec, err := b.historyStore().Load(ctx, id)
	if err != nil {
		return nil, err
	}
	conv := llm.NewSession(b.Model, rec.History...)
	conv.ID = id
	return &Session{ID: id, Owner: rec.Owner, CreatedAt: rec.CreatedAt, conv: conv}, nil
}

// Discard drops persisted history for s.
func (b *Binder) Discard(ctx context.Context, s *Session) {
	if s == nil {
		return
	}
	s.close()
	if err := b.historyStore().Delete(ctx, s.ID); err != nil {
		telemetry.Warn("chat.history.delete_failed", map[string]any{"session_id": s.ID, "error": err.Error()})
	}
}

func (b *Binder) save(ctx context.Context, s *Session) {
	rec := Record{Owner: s.Owner, CreatedAt: s.CreatedAt, History: s.History()}
	if err := b.historyStore().Save(ctx, s.ID, rec); err != nil {
		telemetry.Warn("chat.history.save_failed", map[string]any{"session_id": s.ID, "error": err.Error()})
	}
}

func (b *Binder) historyStore() HistoryStore {
	if b.History == nil {
		return NopHistoryStore{}
	}
	return b.History
}

func (b *Binder) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}
