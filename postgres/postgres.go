package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/jobboard/messaging/api"
)

var _ api.DB = (*Postgres)(nil)

// Postgres provides storage in PostgreSQL.
type Postgres struct {
	bun *bun.DB
}

// Connect connects to the database and ping the DB to ensure the connection is
// working.
func Connect(ctx context.Context, connStr string) (*Postgres, error) {
	sqlDB := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(connStr)))
	if err := sqlDB.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	db := bun.NewDB(sqlDB, pgdialect.New())
	return &Postgres{
		bun: db,
	}, nil
}

// Close closes the underlying connection pool.
func (pg *Postgres) Close() error {
	return pg.bun.Close()
}

// CreateSchema creates the tables and indexes if they do not exist yet.
func (pg *Postgres) CreateSchema(ctx context.Context) error {
	if _, err := pg.bun.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		return fmt.Errorf("create extension: %w", err)
	}
	models := []any{
		(*account)(nil),
		(*session)(nil),
		(*accessGrant)(nil),
		(*conversation)(nil),
		(*message)(nil),
	}
	for _, m := range models {
		if _, err := pg.bun.NewCreateTable().Model(m).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	if _, err := pg.bun.NewCreateIndex().
		Model((*conversation)(nil)).
		Index("conversations_pair_idx").
		Unique().
		IfNotExists().
		Column("participant_a", "participant_b", "context").
		Exec(ctx); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	if _, err := pg.bun.NewCreateIndex().
		Model((*message)(nil)).
		Index("messages_conversation_idx").
		IfNotExists().
		Column("conversation_id", "sent_at").
		Exec(ctx); err != nil {
		return fmt.Errorf("create index: %w", err)
	}
	return nil
}

// CreateAccount inserts an account with an initial balance. An existing
// account is left untouched.
func (pg *Postgres) CreateAccount(ctx context.Context, accountID string, balance int64) error {
	a := &account{ID: accountID, Balance: balance}
	if _, err := pg.bun.NewInsert().Model(a).On("CONFLICT (id) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// CreateSession stores a token for an account. A zero expiresAt never
// expires.
func (pg *Postgres) CreateSession(ctx context.Context, token, accountID string, expiresAt time.Time) error {
	s := &session{Token: token, AccountID: accountID, ExpiresAt: expiresAt}
	if _, err := pg.bun.NewInsert().Model(s).On("CONFLICT (token) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// AccountForToken returns the account the token was issued to.
func (pg *Postgres) AccountForToken(ctx context.Context, token string) (string, error) {
	var s session
	err := pg.bun.NewSelect().
		Model(&s).
		Where("token = ?", token).
		Where("expires_at IS NULL OR expires_at > now()").
		Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", api.ErrUnauthorized
	}
	if err != nil {
		return "", fmt.Errorf("select session: %w", err)
	}
	return s.AccountID, nil
}

// Balance returns the credit balance of an account.
func (pg *Postgres) Balance(ctx context.Context, accountID string) (int64, error) {
	var a account
	err := pg.bun.NewSelect().Model(&a).Where("id = ?", accountID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("account %s: %w", accountID, api.ErrNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("select account: %w", err)
	}
	return a.Balance, nil
}

// HasGrant reports whether payerID unlocked messaging with targetID.
func (pg *Postgres) HasGrant(ctx context.Context, payerID, targetID string) (bool, error) {
	ok, err := pg.bun.NewSelect().
		Model((*accessGrant)(nil)).
		Where("payer_id = ?", payerID).
		Where("target_id = ?", targetID).
		Exists(ctx)
	if err != nil {
		return false, fmt.Errorf("select grant: %w", err)
	}
	return ok, nil
}

// Unlock debits cost from the payer and records the grant in one
// transaction. The payer's account row stays locked for the duration, so
// concurrent unlocks of the same pair debit at most once; the loser sees the
// existing grant and gets AlreadyGranted.
func (pg *Postgres) Unlock(ctx context.Context, payerID, targetID string, cost int64) (api.UnlockResult, error) {
	var (
		res      api.UnlockResult
		settling bool
	)
	err := pg.bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var a account
		err := tx.NewSelect().Model(&a).Where("id = ?", payerID).For("UPDATE").Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("account %s: %w", payerID, api.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lock account: %w", err)
		}
		exists, err := tx.NewSelect().Model((*account)(nil)).Where("id = ?", targetID).Exists(ctx)
		if err != nil {
			return fmt.Errorf("select target: %w", err)
		}
		if !exists {
			return fmt.Errorf("account %s: %w", targetID, api.ErrNotFound)
		}

		var existing accessGrant
		err = tx.NewSelect().
			Model(&existing).
			Where("payer_id = ?", payerID).
			Where("target_id = ?", targetID).
			Scan(ctx)
		if err == nil {
			res = api.UnlockResult{Grant: existing.APIGrant(), Balance: a.Balance, AlreadyGranted: true}
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("select grant: %w", err)
		}

		if a.Balance < cost {
			return api.ErrInsufficientBalance
		}
		settling = true
		if _, err := tx.NewUpdate().
			Model((*account)(nil)).
			Set("balance = balance - ?", cost).
			Where("id = ?", payerID).
			Exec(ctx); err != nil {
			return fmt.Errorf("debit: %w", err)
		}

		g := &accessGrant{PayerID: payerID, TargetID: targetID, Cost: cost, GrantedAt: time.Now()}
		if _, err := tx.NewInsert().Model(g).Exec(ctx); err != nil {
			return fmt.Errorf("insert grant: %w", err)
		}
		res = api.UnlockResult{Grant: g.APIGrant(), Balance: a.Balance - cost}
		return nil
	})
	if err != nil {
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.IntegrityViolation() {
			// The grant was written by a concurrent transaction.
			return pg.existingGrant(ctx, payerID, targetID)
		}
		if settling {
			return api.UnlockResult{}, fmt.Errorf("%w: %w", api.ErrUnlockInconsistent, err)
		}
		return api.UnlockResult{}, err
	}
	return res, nil
}

func (pg *Postgres) existingGrant(ctx context.Context, payerID, targetID string) (api.UnlockResult, error) {
	var g accessGrant
	if err := pg.bun.NewSelect().
		Model(&g).
		Where("payer_id = ?", payerID).
		Where("target_id = ?", targetID).
		Scan(ctx); err != nil {
		return api.UnlockResult{}, fmt.Errorf("select grant: %w", err)
	}
	balance, err := pg.Balance(ctx, payerID)
	if err != nil {
		return api.UnlockResult{}, err
	}
	return api.UnlockResult{Grant: g.APIGrant(), Balance: balance, AlreadyGranted: true}, nil
}

// CreateOrGetConversation returns the conversation between a and b for the
// given context, creating it when missing.
func (pg *Postgres) CreateOrGetConversation(ctx context.Context, a, b, convContext string) (api.Conversation, error) {
	if a > b {
		a, b = b, a
	}
	c := &conversation{ParticipantA: a, ParticipantB: b, Context: convContext}
	if _, err := pg.bun.NewInsert().
		Model(c).
		On("CONFLICT (participant_a, participant_b, context) DO NOTHING").
		Exec(ctx); err != nil {
		return api.Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}

	var got conversation
	if err := pg.bun.NewSelect().
		Model(&got).
		Where("participant_a = ?", a).
		Where("participant_b = ?", b).
		Where("context = ?", convContext).
		Scan(ctx); err != nil {
		return api.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	return got.APIConversation(), nil
}

// GetConversation returns a conversation by ID.
func (pg *Postgres) GetConversation(ctx context.Context, conversationID string) (api.Conversation, error) {
	var c conversation
	err := pg.bun.NewSelect().Model(&c).Where("id = ?", conversationID).Scan(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return api.Conversation{}, api.ErrNotFound
	}
	if err != nil {
		var pgErr pgdriver.Error
		if errors.As(err, &pgErr) && pgErr.Field('C') == "22P02" {
			// Not a valid UUID.
			return api.Conversation{}, api.ErrNotFound
		}
		return api.Conversation{}, fmt.Errorf("select conversation: %w", err)
	}
	return c.APIConversation(), nil
}

// ListMessages returns the messages of a conversation, newest first.
func (pg *Postgres) ListMessages(ctx context.Context, conversationID string, limit int, offset int, excludeMsgIDs ...string) ([]api.Message, error) {
	var msgs []message
	q := pg.bun.NewSelect().
		Model(&msgs).
		Where("conversation_id = ?", conversationID).
		Order("sent_at DESC", "id DESC").
		Offset(offset)
	if limit > 0 {
		q = q.Limit(limit)
	}
	if len(excludeMsgIDs) > 0 {
		q = q.Where("id NOT IN (?)", bun.In(excludeMsgIDs))
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("scan: %w", err)
	}

	out := make([]api.Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.APIMessage()
	}
	return out, nil
}

// InsertMessage inserts a message into the database. The returned message
// holds auto generated fields, such as the message id.
func (pg *Postgres) InsertMessage(ctx context.Context, msg api.Message) (api.Message, error) {
	m := &message{
		ClientID:       msg.ClientID,
		ConversationID: msg.ConversationID,
		SenderID:       msg.SenderID,
		Body:           msg.Body,
		SentAt:         msg.SentAt,
	}
	if _, err := pg.bun.NewInsert().Model(m).Returning("*").Exec(ctx); err != nil {
		return api.Message{}, fmt.Errorf("insert: %w", err)
	}
	return m.APIMessage(), nil
}
