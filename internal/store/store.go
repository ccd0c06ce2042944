// Package store persists chat session and participant records to
// PostgreSQL. It implements session.Recorder; every call is best-effort
// telemetry from the session layer's point of view.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"

	"github.com/strangerlink/signal-server/internal/config"
	"github.com/strangerlink/signal-server/internal/matching"
	"github.com/strangerlink/signal-server/internal/session"
)

type DB struct {
	*bun.DB
}

var _ session.Recorder = (*DB)(nil)

// Open connects to dsn with the given driver and pings it.
func Open(ctx context.Context, driver config.DatabaseDriver, dsn string) (*DB, error) {
	var sqldb *sql.DB
	switch driver {
	case config.DatabaseDriverPG, "":
		sqldb = sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))
	case config.DatabaseDriverPQ:
		var err error
		sqldb, err = sql.Open("postgres", dsn)
		if err != nil {
			return nil, fmt.Errorf("open database: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db := bun.NewDB(sqldb, pgdialect.New())
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &DB{db}, nil
}

// InitSchema creates the tables and indexes if they don't exist.
func (db *DB) InitSchema(ctx context.Context) error {
	for _, model := range []any{(*ChatSession)(nil), (*Participant)(nil)} {
		if _, err := db.NewCreateTable().Model(model).IfNotExists().Exec(ctx); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}

	indexes := []struct {
		model   any
		name    string
		columns []string
	}{
		{(*ChatSession)(nil), "chat_sessions_started_at_idx", []string{"started_at"}},
		{(*Participant)(nil), "participants_presence_idx", []string{"is_online", "in_chat"}},
		{(*Participant)(nil), "participants_last_active_idx", []string{"last_active"}},
	}
	for _, idx := range indexes {
		_, err := db.NewCreateIndex().
			Model(idx.model).
			Index(idx.name).
			Column(idx.columns...).
			IfNotExists().
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("create index %s: %w", idx.name, err)
		}
	}
	return nil
}

func (db *DB) RecordSessionStart(ctx context.Context, rec session.SessionRecord) error {
	row := &ChatSession{
		SessionID: rec.SessionID,
		User1:     string(rec.A),
		User2:     string(rec.B),
		StartedAt: rec.StartedAt,
	}
	if _, err := db.NewInsert().Model(row).On("CONFLICT (session_id) DO NOTHING").Exec(ctx); err != nil {
		return fmt.Errorf("insert chat session: %w", err)
	}
	return nil
}

// RecordSessionEnd closes the session row and credits both participants
// with a finished chat.
func (db *DB) RecordSessionEnd(ctx context.Context, end session.SessionEnd) error {
	return db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var row ChatSession
		err := tx.NewUpdate().
			Model(&row).
			Set("ended_at = ?", end.EndedAt).
			Set("duration_seconds = ?", int64(end.Duration/time.Second)).
			Set("message_count = GREATEST(message_count, ?)", end.Messages).
			Set("end_reason = ?", string(end.Reason)).
			Where("session_id = ?", end.SessionID).
			Where("ended_at IS NULL").
			Returning("user1, user2").
			Scan(ctx)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("end chat session: %w", err)
		}

		_, err = tx.NewUpdate().
			Model((*Participant)(nil)).
			Set("total_chats = total_chats + 1").
			Where("id IN (?)", bun.In([]string{row.User1, row.User2})).
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("update participant chat totals: %w", err)
		}
		return nil
	})
}

func (db *DB) IncrementMessageCount(ctx context.Context, sessionID string) error {
	_, err := db.NewUpdate().
		Model((*ChatSession)(nil)).
		Set("message_count = message_count + 1").
		Where("session_id = ?", sessionID).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("increment message count: %w", err)
	}
	return nil
}

func (db *DB) RecordParticipant(ctx context.Context, p session.ParticipantRecord) error {
	row := participantRow(p)
	_, err := db.NewInsert().
		Model(row).
		On("CONFLICT (id) DO UPDATE").
		Set("is_online = EXCLUDED.is_online").
		Set("in_chat = EXCLUDED.in_chat").
		Set("state = EXCLUDED.state").
		Set("partner_id = EXCLUDED.partner_id").
		Set("remote_addr = EXCLUDED.remote_addr").
		Set("country = EXCLUDED.country").
		Set("gender = EXCLUDED.gender").
		Set("interests = EXCLUDED.interests").
		Set("preferred_gender = EXCLUDED.preferred_gender").
		Set("preferred_country = EXCLUDED.preferred_country").
		Set("last_active = EXCLUDED.last_active").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert participant: %w", err)
	}
	return nil
}

func (db *DB) RemoveParticipant(ctx context.Context, id matching.ConnID) error {
	_, err := db.NewUpdate().
		Model((*Participant)(nil)).
		Set("is_online = FALSE").
		Set("in_chat = FALSE").
		Set("partner_id = NULL").
		Set("state = ?", session.StateIdle.String()).
		Set("last_active = ?", time.Now()).
		Where("id = ?", string(id)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("mark participant offline: %w", err)
	}
	return nil
}

// Summary aggregates the stored records.
func (db *DB) Summary(ctx context.Context, topCountries int) (Summary, error) {
	var s Summary

	var sessions struct {
		Total    int             `bun:"total"`
		Open     int             `bun:"open"`
		Messages sql.NullInt64   `bun:"messages"`
		Avg      sql.NullFloat64 `bun:"avg_duration"`
	}
	err := db.NewSelect().
		Model((*ChatSession)(nil)).
		ColumnExpr("count(*) AS total").
		ColumnExpr("count(*) FILTER (WHERE ended_at IS NULL) AS open").
		ColumnExpr("sum(message_count) AS messages").
		ColumnExpr("avg(duration_seconds) FILTER (WHERE ended_at IS NOT NULL) AS avg_duration").
		Scan(ctx, &sessions)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize chat sessions: %w", err)
	}
	s.TotalSessions = sessions.Total
	s.OpenSessions = sessions.Open
	s.TotalMessages = int(sessions.Messages.Int64)
	s.AvgDurationSeconds = sessions.Avg.Float64

	var presence struct {
		Online int `bun:"online"`
		InChat int `bun:"in_chat"`
	}
	err = db.NewSelect().
		Model((*Participant)(nil)).
		ColumnExpr("count(*) FILTER (WHERE is_online) AS online").
		ColumnExpr("count(*) FILTER (WHERE in_chat) AS in_chat").
		Scan(ctx, &presence)
	if err != nil {
		return Summary{}, fmt.Errorf("summarize participants: %w", err)
	}
	s.OnlineParticipants = presence.Online
	s.InChatParticipants = presence.InChat

	if topCountries > 0 {
		err = db.NewSelect().
			Model((*Participant)(nil)).
			Column("country").
			ColumnExpr("count(*) AS count").
			Group("country").
			OrderExpr("count DESC, country").
			Limit(topCountries).
			Scan(ctx, &s.TopCountries)
		if err != nil {
			return Summary{}, fmt.Errorf("summarize countries: %w", err)
		}
	}
	return s, nil
}

func participantRow(p session.ParticipantRecord) *Participant {
	row := &Participant{
		ID:         string(p.ID),
		IsOnline:   true,
		InChat:     p.PartnerID != "",
		State:      p.State.String(),
		PartnerID:  string(p.PartnerID),
		RemoteAddr: p.RemoteAddr,
		Country:    p.Country,
		LastActive: p.SeenAt,
	}
	if row.Country == "" {
		row.Country = matching.CountryUnknown
	}
	if p.Profile != nil {
		row.Gender = p.Profile.Gender
		row.Interests = p.Profile.Interests
		row.PreferredGender = p.Profile.PreferredGender
		row.PreferredCountry = p.Profile.PreferredCountry
	}
	return row
}
