package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"qms/token-service/internal/models"
	"qms/token-service/internal/store"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const (
	defaultAllocateAttempts = 3
	defaultExpireBatch      = 500
	servingIndexName        = "tokens_one_serving_idx"
)

var tokenColumns = []string{
	"token_id", "token_number", "sequence", "department_id", "division_id", "issue_date",
	"registry_id", "status", "priority_level", "created_at", "called_at", "called_by",
	"service_started_at", "completed_at", "cancelled_at", "expired_at", "closed_by",
	"cancel_reason", "completion_note",
}

type Store struct {
	pool             *pgxpool.Pool
	allocateAttempts int
}

type Options struct {
	AllocateMaxAttempts int
}

func NewStore(pool *pgxpool.Pool, options Options) *Store {
	attempts := options.AllocateMaxAttempts
	if attempts <= 0 {
		attempts = defaultAllocateAttempts
	}
	return &Store{
		pool:             pool,
		allocateAttempts: attempts,
	}
}

var _ store.TokenStore = (*Store)(nil)

func (s *Store) Allocate(ctx context.Context, input store.AllocateInput) (models.Token, error) {
	input.DepartmentID = strings.TrimSpace(input.DepartmentID)
	input.DivisionID = strings.TrimSpace(input.DivisionID)
	if input.DepartmentID == "" || input.DivisionID == "" {
		return models.Token{}, store.ErrScopeRequired
	}
	if input.PriorityLevel == "" {
		input.PriorityLevel = models.PriorityNormal
	}
	if !models.ValidPriority(input.PriorityLevel) {
		return models.Token{}, store.ErrInvalidPriority
	}
	if input.CreatedAt.IsZero() {
		input.CreatedAt = time.Now().UTC()
	}
	if input.IssueDate.IsZero() {
		input.IssueDate = models.IssueDay(input.CreatedAt, time.UTC)
	}

	var token models.Token
	err := store.Retry(ctx, s.allocateAttempts, isTransient, func() error {
		var err error
		token, err = s.allocateOnce(ctx, input)
		return err
	})
	if err != nil {
		if isTransient(err) {
			return models.Token{}, errors.Wrapf(store.ErrAllocationFailed, "after %d attempts: %v", s.allocateAttempts, err)
		}
		return models.Token{}, errors.Wrap(err, "allocate token")
	}
	return token, nil
}

func (s *Store) allocateOnce(ctx context.Context, input store.AllocateInput) (models.Token, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	seq, err := nextSequence(ctx, tx, input.DepartmentID, input.DivisionID, input.IssueDate)
	if err != nil {
		return models.Token{}, err
	}

	row := tx.QueryRow(ctx, `
		INSERT INTO tokens (
			token_id, token_number, sequence, department_id, division_id, issue_date,
			registry_id, status, priority_level, priority_rank, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		RETURNING `+columnList("")+`
	`, uuid.NewString(), store.FormatTokenNumber(input.Prefix, seq), seq, input.DepartmentID, input.DivisionID,
		input.IssueDate, nullIfEmpty(input.RegistryID), models.StatusWaiting, input.PriorityLevel,
		models.PriorityRank(input.PriorityLevel), input.CreatedAt)

	token, err := scanToken(row)
	if err != nil {
		return models.Token{}, err
	}

	if err = insertTokenEvent(ctx, tx, token, input.IssuedBy, "", input.CreatedAt); err != nil {
		return models.Token{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, err
	}
	return token, nil
}

func (s *Store) Get(ctx context.Context, tokenID string) (models.Token, error) {
	if !isUUID(tokenID) {
		return models.Token{}, store.ErrTokenNotFound
	}
	row := s.pool.QueryRow(ctx, `SELECT `+columnList("")+` FROM tokens WHERE token_id = $1`, tokenID)
	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Token{}, store.ErrTokenNotFound
		}
		return models.Token{}, errors.Wrap(err, "get token")
	}
	return token, nil
}

func (s *Store) ListByScope(ctx context.Context, scope models.Scope, limit int) ([]models.Token, error) {
	query := `
		SELECT ` + columnList("") + `
		FROM tokens
		WHERE department_id = $1 AND division_id = $2 AND issue_date = $3
		ORDER BY created_at ASC, sequence ASC
	`
	args := []interface{}{scope.DepartmentID, scope.DivisionID, scope.Date}
	if limit > 0 {
		query += " LIMIT $4"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list tokens")
	}
	defer rows.Close()

	var tokens []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan token")
		}
		tokens = append(tokens, token)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list tokens")
	}
	return tokens, nil
}

// CallNext claims the first waiting token in call order. Rows locked by a
// concurrent caller are skipped, so two callers never claim the same token.
func (s *Store) CallNext(ctx context.Context, input store.CallNextInput) (models.Token, error) {
	calledAt := input.CalledAt
	if calledAt.IsZero() {
		calledAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, errors.Wrap(err, "begin call next")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		WITH next_token AS (
			SELECT token_id
			FROM tokens
			WHERE department_id = $1 AND division_id = $2 AND issue_date = $3 AND status = 'waiting'
			ORDER BY priority_rank DESC, created_at ASC, sequence ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		UPDATE tokens
		SET status = 'called',
			called_at = $4,
			called_by = $5
		FROM next_token
		WHERE tokens.token_id = next_token.token_id AND tokens.status = 'waiting'
		RETURNING `+columnList("tokens")+`
	`, input.DepartmentID, input.DivisionID, input.IssueDate, calledAt, nullIfEmpty(input.StaffID))

	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = store.ErrNoTokensAvailable
			return models.Token{}, err
		}
		return models.Token{}, errors.Wrap(err, "call next")
	}

	if err = insertTokenEvent(ctx, tx, token, input.StaffID, "", calledAt); err != nil {
		return models.Token{}, errors.Wrap(err, "record call")
	}

	if err = tx.Commit(ctx); err != nil {
		return models.Token{}, errors.Wrap(err, "commit call next")
	}
	return token, nil
}

// Transition applies action as a single UPDATE gated on the current status.
func (s *Store) Transition(ctx context.Context, input store.TransitionInput) (models.Token, error) {
	target, ok := store.TargetStatus(input.Action)
	if !ok {
		return models.Token{}, store.ErrInvalidStateTransition
	}
	if !isUUID(input.TokenID) {
		return models.Token{}, store.ErrTokenNotFound
	}
	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Token{}, errors.Wrap(err, "begin transition")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	query, args := transitionQuery(input, target, occurredAt)
	token, err := scanToken(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = classifyRejected(ctx, tx, input)
			return models.Token{}, err
		}
		if isUniqueViolation(err, servingIndexName) {
			err = store.ErrServingInProgress
			return models.Token{}, err
		}
		if isTransient(err) {
			err = errors.Wrap(store.ErrConflict, err.Error())
			return models.Token{}, err
		}
		return models.Token{}, errors.Wrap(err, "transition token")
	}

	if err = insertTokenEvent(ctx, tx, token, input.StaffID, input.Note, occurredAt); err != nil {
		return models.Token{}, errors.Wrap(err, "record transition")
	}

	if err = tx.Commit(ctx); err != nil {
		if isUniqueViolation(err, servingIndexName) {
			err = store.ErrServingInProgress
			return models.Token{}, err
		}
		return models.Token{}, errors.Wrap(err, "commit transition")
	}
	return token, nil
}

func transitionQuery(input store.TransitionInput, target string, occurredAt time.Time) (string, []interface{}) {
	sets := []string{"status = $1"}
	args := []interface{}{target}
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	switch input.Action {
	case store.ActionCallNext:
		add("called_at", occurredAt)
		add("called_by", nullIfEmpty(input.StaffID))
	case store.ActionStartServing:
		add("service_started_at", occurredAt)
	case store.ActionComplete:
		add("completed_at", occurredAt)
		add("completion_note", input.Note)
		add("closed_by", nullIfEmpty(input.StaffID))
	case store.ActionCancel:
		add("cancelled_at", occurredAt)
		add("cancel_reason", input.Note)
		add("closed_by", nullIfEmpty(input.StaffID))
	case store.ActionExpire:
		add("expired_at", occurredAt)
	}

	args = append(args, input.TokenID, store.AllowedFrom(input.Action))
	query := fmt.Sprintf(`
		UPDATE tokens
		SET %s
		WHERE token_id = $%d AND status = ANY($%d)`, strings.Join(sets, ", "), len(args)-1, len(args))

	if input.Action == store.ActionStartServing {
		query += `
			AND NOT EXISTS (
				SELECT 1 FROM tokens other
				WHERE other.department_id = tokens.department_id
					AND other.division_id = tokens.division_id
					AND other.status = 'serving'
			)`
	}
	query += "\n\t\tRETURNING " + columnList("")
	return query, args
}

// classifyRejected explains why a conditional update matched no row.
func classifyRejected(ctx context.Context, tx pgx.Tx, input store.TransitionInput) error {
	status, exists, err := loadTokenStatus(ctx, tx, input.TokenID)
	if err != nil {
		return errors.Wrap(err, "load token state")
	}
	if !exists {
		return store.ErrTokenNotFound
	}
	if !store.ValidTransition(input.Action, status) {
		return store.ErrInvalidStateTransition
	}
	if input.Action == store.ActionStartServing {
		return store.ErrServingInProgress
	}
	return store.ErrConflict
}

func (s *Store) ExpireWaiting(ctx context.Context, input store.ExpireInput) ([]models.Token, error) {
	limit := input.Limit
	if limit <= 0 {
		limit = defaultExpireBatch
	}
	expiredAt := input.ExpiredAt
	if expiredAt.IsZero() {
		expiredAt = time.Now().UTC()
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin expire")
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	rows, err := tx.Query(ctx, `
		WITH stale AS (
			SELECT token_id
			FROM tokens
			WHERE status = 'waiting'
				AND (
					($1::timestamptz IS NOT NULL AND created_at < $1::timestamptz)
					OR ($2::date IS NOT NULL AND issue_date < $2::date)
				)
			ORDER BY created_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE tokens
		SET status = 'expired',
			expired_at = $4
		FROM stale
		WHERE tokens.token_id = stale.token_id AND tokens.status = 'waiting'
		RETURNING `+columnList("tokens")+`
	`, nullTime(input.CreatedBefore), nullTime(input.IssuedBefore), limit, expiredAt)
	if err != nil {
		return nil, errors.Wrap(err, "expire tokens")
	}

	var expired []models.Token
	for rows.Next() {
		var token models.Token
		token, err = scanToken(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan expired token")
		}
		expired = append(expired, token)
	}
	rows.Close()
	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(err, "expire tokens")
	}

	for _, token := range expired {
		if err = insertTokenEvent(ctx, tx, token, "", "", expiredAt); err != nil {
			return nil, errors.Wrap(err, "record expiry")
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit expire")
	}
	return expired, nil
}

func (s *Store) ListEvents(ctx context.Context, tokenID string) ([]store.TokenEvent, error) {
	if _, err := s.Get(ctx, tokenID); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT token_id, token_seq, type, payload, created_at, prev_hash, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq ASC
	`, tokenID)
	if err != nil {
		return nil, errors.Wrap(err, "list token events")
	}
	defer rows.Close()

	var events []store.TokenEvent
	for rows.Next() {
		var event store.TokenEvent
		var payload []byte
		if err := rows.Scan(&event.TokenID, &event.TokenSeq, &event.Type, &payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, errors.Wrap(err, "scan token event")
		}
		event.Payload = payload
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "list token events")
	}
	return events, nil
}

func nextSequence(ctx context.Context, tx pgx.Tx, departmentID, divisionID string, issueDate time.Time) (int64, error) {
	var next int64
	row := tx.QueryRow(ctx, `
		INSERT INTO token_sequences (department_id, division_id, issue_date, next_number)
		VALUES ($1, $2, $3, 1)
		ON CONFLICT (department_id, division_id, issue_date)
		DO UPDATE SET next_number = token_sequences.next_number + 1
		RETURNING next_number
	`, departmentID, divisionID, issueDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

func insertTokenEvent(ctx context.Context, tx pgx.Tx, token models.Token, staffID, note string, occurredAt time.Time) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, token.TokenID); err != nil {
		return err
	}

	var prev *store.TokenEvent
	var last store.TokenEvent
	row := tx.QueryRow(ctx, `
		SELECT token_seq, hash
		FROM token_events
		WHERE token_id = $1
		ORDER BY token_seq DESC
		LIMIT 1
	`, token.TokenID)
	switch err := row.Scan(&last.TokenSeq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	// Timestamps round-trip through Postgres at microsecond precision.
	createdAt := occurredAt.UTC().Truncate(time.Microsecond)
	payload, err := store.EventPayload(token, staffID, note, createdAt)
	if err != nil {
		return err
	}
	event := store.ChainEvent(prev, token.TokenID, store.EventTypeFor(token.Status), payload, createdAt)

	_, err = tx.Exec(ctx, `
		INSERT INTO token_events (token_id, token_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TokenID, event.TokenSeq, event.Type, string(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func loadTokenStatus(ctx context.Context, tx pgx.Tx, tokenID string) (string, bool, error) {
	var status string
	row := tx.QueryRow(ctx, `SELECT status FROM tokens WHERE token_id = $1`, tokenID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, err
	}
	return status, true, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanToken(row rowScanner) (models.Token, error) {
	var token models.Token
	var registryID, calledBy, closedBy sql.NullString
	var calledAt, startedAt, completedAt, cancelledAt, expiredAt sql.NullTime
	if err := row.Scan(
		&token.TokenID, &token.TokenNumber, &token.Sequence, &token.DepartmentID, &token.DivisionID, &token.IssueDate,
		&registryID, &token.Status, &token.PriorityLevel, &token.CreatedAt, &calledAt, &calledBy,
		&startedAt, &completedAt, &cancelledAt, &expiredAt, &closedBy,
		&token.CancelReason, &token.CompletionNote,
	); err != nil {
		return models.Token{}, err
	}
	token.IssueDate = token.IssueDate.UTC()
	token.CreatedAt = token.CreatedAt.UTC()
	token.RegistryID = nullStringPtr(registryID)
	token.CalledAt = nullTimePtr(calledAt)
	token.CalledBy = nullStringPtr(calledBy)
	token.ServiceStartedAt = nullTimePtr(startedAt)
	token.CompletedAt = nullTimePtr(completedAt)
	token.CancelledAt = nullTimePtr(cancelledAt)
	token.ExpiredAt = nullTimePtr(expiredAt)
	token.ClosedBy = nullStringPtr(closedBy)
	return token, nil
}

func columnList(table string) string {
	if table == "" {
		return strings.Join(tokenColumns, ", ")
	}
	qualified := make([]string, len(tokenColumns))
	for i, column := range tokenColumns {
		qualified[i] = table + "." + column
	}
	return strings.Join(qualified, ", ")
}

// isTransient reports serialization failures, deadlocks and unique
// violations on the sequence index: all safe to retry from scratch.
func isTransient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01":
		return true
	case "23505":
		return pgErr.ConstraintName != servingIndexName
	}
	return false
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func isUUID(value string) bool {
	_, err := uuid.Parse(value)
	return err == nil
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func nullTime(value time.Time) interface{} {
	if value.IsZero() {
		return nil
	}
	return value
}

func nullTimePtr(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

func nullStringPtr(value sql.NullString) *string {
	if !value.Valid {
		return nil
	}
	return &value.String
}
