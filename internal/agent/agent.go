// Package agent answers natural-language questions about the target
// database. Each question runs a bounded state machine that drafts,
// validates, executes and phrases a query, and records exactly one turn.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sethvargo/go-retry"

	"github.com/Eriq7/SQL-AI-Agent/internal/answer"
	"github.com/Eriq7/SQL-AI-Agent/internal/conversation"
	"github.com/Eriq7/SQL-AI-Agent/internal/nl2sql"
	"github.com/Eriq7/SQL-AI-Agent/internal/observability"
	"github.com/Eriq7/SQL-AI-Agent/internal/query"
	"github.com/Eriq7/SQL-AI-Agent/internal/schema"
	"github.com/Eriq7/SQL-AI-Agent/internal/sqlguard"
)

type State string

const (
	StateReceived       State = "received"
	StateSynthesizing   State = "synthesizing"
	StateValidating     State = "validating"
	StateExecuting      State = "executing"
	StateResynthesizing State = "resynthesizing"
	StateComposing      State = "composing"
	StateCompleted      State = "completed"
	StateFailed         State = "failed"
)

const (
	appendBackoff        = 50 * time.Millisecond
	feedbackErrorChars   = 300
	degradedAnswerNotice = "The answer is shown as a table because a summary could not be written."
)

type SchemaSource interface {
	Snapshot(ctx context.Context) (schema.Snapshot, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, req nl2sql.Request) (sqlguard.CandidateQuery, error)
}

type Validator interface {
	Validate(candidate sqlguard.CandidateQuery, snapshot schema.Snapshot) sqlguard.Verdict
}

type Composer interface {
	Compose(ctx context.Context, question string, result query.Result) (string, error)
}

type Dependencies struct {
	Schema      SchemaSource
	History     conversation.Store
	Synthesizer Synthesizer
	Validator   Validator
	Engine      query.Engine
	Composer    Composer
	Logger      *slog.Logger
}

type Config struct {
	MaxAttempts int
	// TurnTimeout bounds one Ask, including the wait for earlier turns of
	// the same user. Zero disables it.
	TurnTimeout       time.Duration
	HistoryWindow     int
	ExecutionTimeout  time.Duration
	RowCap            int
	SummaryRows       int
	AppendRetries     int
	AppendRetryBudget time.Duration
}

// Response is the outcome of one Ask. SQL is set only when a query was
// executed; FailureReason only when the turn failed.
type Response struct {
	Answer        string  `json:"answer"`
	SQL           *string `json:"sql"`
	Success       bool    `json:"success"`
	FailureReason *string `json:"failure_reason"`
	Message       string  `json:"message,omitempty"`
	ResultSummary string  `json:"result_summary,omitempty"`
	TurnID        int64   `json:"turn_id,omitempty"`
	Attempts      int     `json:"attempts"`
	Recorded      bool    `json:"recorded"`
}

type Service struct {
	deps   Dependencies
	cfg    Config
	logger *slog.Logger
	queue  *userQueue
	now    func() time.Time
}

func New(deps Dependencies, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.HistoryWindow < 0 {
		cfg.HistoryWindow = 0
	}
	if cfg.SummaryRows <= 0 {
		cfg.SummaryRows = 5
	}
	if cfg.AppendRetryBudget <= 0 {
		cfg.AppendRetryBudget = 10 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Service{deps: deps, cfg: cfg, logger: logger, queue: newUserQueue(), now: time.Now}
}

// turn carries the state of one question through the machine.
type turn struct {
	userID   string
	question string
	state    State

	attempts     int
	candidateSQL *string
	executedSQL  *string
	result       *query.Result
	answer       string
	message      string
	reason       Reason
	cause        error
}

// Ask answers question for userID. Turns of the same user run one at a time
// in arrival order. A turn that ends in the failed state still returns a
// Response, together with an *Error naming the reason.
func (s *Service) Ask(ctx context.Context, userID, question string) (Response, error) {
	userID, err := conversation.NormalizeUserID(userID)
	if err != nil {
		return Response{}, err
	}
	question = strings.TrimSpace(question)
	if question == "" {
		return Response{}, ErrEmptyQuestion
	}

	if s.cfg.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TurnTimeout)
		defer cancel()
	}

	release, err := s.queue.acquire(ctx, userID)
	if err != nil {
		return Response{}, newError(ReasonCancelled, err)
	}
	defer release()

	ctx = observability.ContextWithUserID(ctx, userID)
	start := s.now()
	t := &turn{userID: userID, question: question, state: StateReceived}
	s.run(ctx, t)

	stored, appendErr := s.record(ctx, t)
	response := s.response(t)
	if appendErr == nil {
		response.TurnID = stored.TurnID
		response.Recorded = true
	}

	outcome := string(StateCompleted)
	if t.state == StateFailed {
		outcome = string(StateFailed)
	}
	observability.ObserveTurn(outcome, string(t.reason), t.attempts, s.now().Sub(start))

	if t.state == StateFailed {
		return response, &Error{Reason: t.reason, Message: t.reason.Message(), Err: t.cause}
	}
	return response, nil
}

func (s *Service) run(ctx context.Context, t *turn) {
	snapshot, err := s.deps.Schema.Snapshot(ctx)
	if err != nil {
		if ctx.Err() != nil {
			s.fail(ctx, t, ReasonCancelled, ctx.Err())
			return
		}
		s.fail(ctx, t, ReasonSchemaUnavailable, err)
		return
	}

	var history []conversation.Turn
	if s.cfg.HistoryWindow > 0 {
		history, err = s.deps.History.Recent(ctx, t.userID, s.cfg.HistoryWindow)
		if err != nil {
			if ctx.Err() != nil {
				s.fail(ctx, t, ReasonCancelled, ctx.Err())
				return
			}
			s.logger.WarnContext(ctx, "load conversation history failed; continuing without it",
				append(observability.RequestAttrs(ctx), "error", err)...)
			history = nil
		}
	}

	var feedback *nl2sql.Feedback
	executionRetried := false
	lastReason := ReasonSynthesisFailed
	var lastErr error

	for t.attempts < s.cfg.MaxAttempts {
		t.attempts++
		if t.attempts == 1 {
			s.transition(ctx, t, StateSynthesizing)
		} else {
			s.transition(ctx, t, StateResynthesizing)
		}

		candidate, err := s.deps.Synthesizer.Synthesize(ctx, nl2sql.Request{
			Question: t.question,
			Schema:   snapshot,
			History:  history,
			Feedback: feedback,
		})
		if err != nil {
			if ctx.Err() != nil {
				s.fail(ctx, t, ReasonCancelled, ctx.Err())
				return
			}
			s.logger.WarnContext(ctx, "query synthesis failed",
				append(observability.RequestAttrs(ctx), "attempt", t.attempts, "error", err)...)
			lastReason, lastErr = ReasonSynthesisFailed, err
			continue
		}
		candidateSQL := candidate.SQL
		t.candidateSQL = &candidateSQL

		s.transition(ctx, t, StateValidating)
		verdict := s.deps.Validator.Validate(candidate, snapshot)
		if !verdict.Accepted {
			observability.IncrementValidationRejection(string(verdict.Reason))
			s.logger.InfoContext(ctx, "query rejected",
				append(observability.RequestAttrs(ctx),
					"attempt", t.attempts,
					"reason", verdict.Reason,
					"explanation", verdict.Explanation,
					"sql", candidate.SQL)...)
			feedback = &nl2sql.Feedback{SQL: candidate.SQL, Reason: string(verdict.Reason), Explanation: verdict.Explanation}
			lastReason, lastErr = ReasonValidationExhausted, fmt.Errorf("query rejected: %s", verdict)
			continue
		}
		if verdict.LimitInjected {
			observability.IncrementLimitInjection()
		}

		accepted := verdict.SQL
		t.candidateSQL = &accepted
		t.executedSQL = &accepted
		s.transition(ctx, t, StateExecuting)
		result, err := s.execute(ctx, accepted)
		switch {
		case err == nil:
			t.result = &result
			s.compose(ctx, t)
			return
		case ctx.Err() != nil:
			s.fail(ctx, t, ReasonCancelled, ctx.Err())
			return
		case errors.Is(err, query.ErrTimeout):
			s.logger.WarnContext(ctx, "query timed out",
				append(observability.RequestAttrs(ctx), "sql", accepted, "error", err)...)
			s.fail(ctx, t, ReasonExecutionTimeout, err)
			return
		}

		s.logger.WarnContext(ctx, "query execution failed",
			append(observability.RequestAttrs(ctx), "attempt", t.attempts, "sql", accepted, "error", err)...)
		if executionRetried || t.attempts >= s.cfg.MaxAttempts {
			s.fail(ctx, t, ReasonExecutionError, err)
			return
		}
		executionRetried = true
		feedback = &nl2sql.Feedback{
			SQL:         accepted,
			Reason:      string(ReasonExecutionError),
			Explanation: "the database rejected the query: " + truncate(executionDetail(err), feedbackErrorChars),
		}
		lastReason, lastErr = ReasonExecutionError, err
	}

	s.fail(ctx, t, lastReason, lastErr)
}

func (s *Service) execute(ctx context.Context, sqlText string) (query.Result, error) {
	start := s.now()
	result, err := s.deps.Engine.Execute(ctx, query.Request{
		SQL:     sqlText,
		Timeout: s.cfg.ExecutionTimeout,
		RowCap:  s.cfg.RowCap,
	})
	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, query.ErrTimeout):
		status = "timeout"
	default:
		status = "error"
	}
	observability.ObserveExecution(status, s.now().Sub(start), result.Truncated)
	return result, err
}

func (s *Service) compose(ctx context.Context, t *turn) {
	s.transition(ctx, t, StateComposing)
	text, err := s.deps.Composer.Compose(ctx, t.question, *t.result)
	if err != nil {
		if ctx.Err() != nil {
			s.fail(ctx, t, ReasonCancelled, ctx.Err())
			return
		}
		s.logger.WarnContext(ctx, "answer composition failed; returning table",
			append(observability.RequestAttrs(ctx), "error", err)...)
		text = answer.RenderTable(*t.result)
		t.message = degradedAnswerNotice
	}
	t.answer = text
	s.transition(ctx, t, StateCompleted)
}

func (s *Service) fail(ctx context.Context, t *turn, reason Reason, cause error) {
	t.reason = reason
	t.cause = cause
	t.answer = reason.Message()
	t.message = reason.Message()
	t.result = nil
	s.transition(ctx, t, StateFailed)
}

func (s *Service) transition(ctx context.Context, t *turn, next State) {
	s.logger.DebugContext(ctx, "turn state", append(observability.RequestAttrs(ctx), "from", t.state, "to", next, "attempt", t.attempts)...)
	t.state = next
}

// record appends the turn with a context detached from the caller so that
// a cancelled request still leaves its failed turn in history.
func (s *Service) record(ctx context.Context, t *turn) (conversation.Turn, error) {
	entry := conversation.Turn{
		Question:      t.question,
		SQL:           t.candidateSQL,
		ResultSummary: summarize(t.result, s.cfg.SummaryRows),
		Answer:        t.answer,
		Outcome:       conversation.OutcomeCompleted,
		Attempts:      t.attempts,
		CreatedAt:     s.now().UTC(),
	}
	if t.state == StateFailed {
		entry.Outcome = conversation.OutcomeFailed
		entry.FailureReason = string(t.reason)
	}

	appendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.AppendRetryBudget)
	defer cancel()

	var stored conversation.Turn
	backoff := retry.WithMaxRetries(uint64(max(s.cfg.AppendRetries, 0)), retry.NewExponential(appendBackoff))
	err := retry.Do(appendCtx, backoff, func(ctx context.Context) error {
		var err error
		stored, err = s.deps.History.Append(ctx, t.userID, entry)
		if err == nil {
			return nil
		}
		if errors.Is(err, conversation.ErrInvalidTurn) || errors.Is(err, conversation.ErrInvalidUserID) {
			return err
		}
		return retry.RetryableError(err)
	})
	if err != nil {
		s.logger.ErrorContext(ctx, "record conversation turn failed",
			append(observability.RequestAttrs(ctx), "outcome", entry.Outcome, "error", err)...)
		return conversation.Turn{}, err
	}
	s.logger.InfoContext(ctx, "turn recorded",
		append(observability.RequestAttrs(ctx),
			"turn_id", stored.TurnID,
			"outcome", stored.Outcome,
			"failure_reason", stored.FailureReason,
			"attempts", stored.Attempts)...)
	return stored, nil
}

func (s *Service) response(t *turn) Response {
	response := Response{
		Answer:        t.answer,
		SQL:           t.executedSQL,
		Success:       t.state == StateCompleted,
		Message:       t.message,
		ResultSummary: summarize(t.result, s.cfg.SummaryRows),
		Attempts:      t.attempts,
	}
	if t.state == StateFailed {
		reason := string(t.reason)
		response.FailureReason = &reason
	}
	return response
}

type resultSummary struct {
	Columns   []string         `json:"columns"`
	Rows      []map[string]any `json:"rows"`
	RowCount  int              `json:"row_count"`
	Truncated bool             `json:"truncated,omitempty"`
}

// summarize keeps a small JSON excerpt of result for history and replies.
func summarize(result *query.Result, rows int) string {
	if result == nil {
		return ""
	}
	excerpt := result.Rows
	if rows > 0 && len(excerpt) > rows {
		excerpt = excerpt[:rows]
	}
	encoded, err := json.Marshal(resultSummary{
		Columns:   result.Columns,
		Rows:      excerpt,
		RowCount:  result.RowCount,
		Truncated: result.Truncated,
	})
	if err != nil {
		return ""
	}
	return string(encoded)
}

func executionDetail(err error) string {
	var execErr *query.ExecutionError
	if errors.As(err, &execErr) && execErr.Err != nil {
		return execErr.Err.Error()
	}
	return err.Error()
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	// Cut on a rune boundary so the feedback stays valid UTF-8.
	for limit > 0 && !utf8.RuneStart(value[limit]) {
		limit--
	}
	return value[:limit] + "..."
}
