// Package storage is the durable row store for join channel configurations
// and provisioned voice channels. It survives restarts; the in-memory cache
// is rehydrated from it on every guild snapshot.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"voice-warden/internal/state"
)

const operationTimeout = 5 * time.Second

// JoinChannelRow is the persisted shape of a join channel configuration.
type JoinChannelRow struct {
	ID           string
	GuildID      string
	AccessRoleID string
	ParentID     string
	Permanence   bool
	Privacy      state.Privacy
}

// VoiceChannelRow is the persisted shape of a provisioned voice channel.
type VoiceChannelRow struct {
	ID         string
	GuildID    string
	OwnerID    string
	Permanence bool
	Privacy    state.Privacy
}

type Storage struct {
	db *sql.DB
}

func New(databaseURL string) (*Storage, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) createTables() error {
	ctx, cancel := opContext()
	defer cancel()

	const schema = `
		CREATE TABLE IF NOT EXISTS join_channel (
			id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			access_role_id TEXT,
			parent_id TEXT,
			permanence BOOLEAN NOT NULL DEFAULT FALSE,
			privacy TEXT NOT NULL DEFAULT 'unlocked'
		);
		CREATE TABLE IF NOT EXISTS voice_channel (
			id TEXT PRIMARY KEY,
			guild_id TEXT NOT NULL,
			owner_id TEXT,
			permanence BOOLEAN NOT NULL,
			privacy TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS join_channel_guild_id_idx ON join_channel(guild_id);
		CREATE INDEX IF NOT EXISTS voice_channel_guild_id_idx ON voice_channel(guild_id);`

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// InsertJoinChannel stores a row, leaving any existing row untouched.
func (s *Storage) InsertJoinChannel(ctx context.Context, row JoinChannelRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO join_channel (id, guild_id, access_role_id, parent_id, permanence, privacy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT DO NOTHING`,
		row.ID, row.GuildID, nullable(row.AccessRoleID), nullable(row.ParentID), row.Permanence, string(row.Privacy))
	if err != nil {
		return fmt.Errorf("failed to insert join channel %s: %w", row.ID, err)
	}
	return nil
}

// InsertVoiceChannel stores a row, leaving any existing row untouched.
func (s *Storage) InsertVoiceChannel(ctx context.Context, row VoiceChannelRow) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO voice_channel (id, guild_id, owner_id, permanence, privacy)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT DO NOTHING`,
		row.ID, row.GuildID, nullable(row.OwnerID), row.Permanence, string(row.Privacy))
	if err != nil {
		return fmt.Errorf("failed to insert voice channel %s: %w", row.ID, err)
	}
	return nil
}

func (s *Storage) RemoveJoinChannel(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM join_channel WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove join channel %s: %w", id, err)
	}
	return nil
}

func (s *Storage) RemoveVoiceChannel(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM voice_channel WHERE id = $1`, id); err != nil {
		return fmt.Errorf("failed to remove voice channel %s: %w", id, err)
	}
	return nil
}

// RemoveGuild deletes every row belonging to the guild in one transaction.
func (s *Storage) RemoveGuild(ctx context.Context, guildID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM join_channel WHERE guild_id = $1`, guildID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM voice_channel WHERE guild_id = $1`, guildID)
		return err
	})
}

// RemoveUnknownChannels deletes every row of the guild whose id is not in the
// authoritative channel id set, in one transaction.
func (s *Storage) RemoveUnknownChannels(ctx context.Context, guildID string, knownIDs []string) error {
	ids := make([]string, len(knownIDs))
	copy(ids, knownIDs)
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM join_channel
			WHERE guild_id = $1 AND NOT (id = ANY($2))`, guildID, pq.Array(ids)); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			DELETE FROM voice_channel
			WHERE guild_id = $1 AND NOT (id = ANY($2))`, guildID, pq.Array(ids))
		return err
	})
}

func (s *Storage) UpdateJoinChannelAccessRole(ctx context.Context, id, accessRoleID string) error {
	return s.updateField(ctx, `UPDATE join_channel SET access_role_id = $2 WHERE id = $1`, id, nullable(accessRoleID))
}

func (s *Storage) UpdateJoinChannelParent(ctx context.Context, id, parentID string) error {
	return s.updateField(ctx, `UPDATE join_channel SET parent_id = $2 WHERE id = $1`, id, nullable(parentID))
}

func (s *Storage) UpdateJoinChannelPermanence(ctx context.Context, id string, permanence bool) error {
	return s.updateField(ctx, `UPDATE join_channel SET permanence = $2 WHERE id = $1`, id, permanence)
}

func (s *Storage) UpdateJoinChannelPrivacy(ctx context.Context, id string, privacy state.Privacy) error {
	return s.updateField(ctx, `UPDATE join_channel SET privacy = $2 WHERE id = $1`, id, string(privacy))
}

func (s *Storage) UpdateVoiceChannelOwner(ctx context.Context, id, ownerID string) error {
	return s.updateField(ctx, `UPDATE voice_channel SET owner_id = $2 WHERE id = $1`, id, nullable(ownerID))
}

func (s *Storage) UpdateVoiceChannelPermanence(ctx context.Context, id string, permanence bool) error {
	return s.updateField(ctx, `UPDATE voice_channel SET permanence = $2 WHERE id = $1`, id, permanence)
}

func (s *Storage) UpdateVoiceChannelPrivacy(ctx context.Context, id string, privacy state.Privacy) error {
	return s.updateField(ctx, `UPDATE voice_channel SET privacy = $2 WHERE id = $1`, id, string(privacy))
}

// GuildJoinChannels returns all persisted join channel rows of a guild.
func (s *Storage) GuildJoinChannels(ctx context.Context, guildID string) ([]JoinChannelRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, access_role_id, parent_id, permanence, privacy
		FROM join_channel WHERE guild_id = $1`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to select join channels for guild %s: %w", guildID, err)
	}
	defer rows.Close()

	var out []JoinChannelRow
	for rows.Next() {
		var row JoinChannelRow
		var accessRoleID, parentID sql.NullString
		var privacy string
		if err := rows.Scan(&row.ID, &row.GuildID, &accessRoleID, &parentID, &row.Permanence, &privacy); err != nil {
			return nil, fmt.Errorf("failed to scan join channel row: %w", err)
		}
		row.AccessRoleID = accessRoleID.String
		row.ParentID = parentID.String
		row.Privacy = state.Privacy(privacy)
		out = append(out, row)
	}
	return out, rows.Err()
}

// GuildVoiceChannels returns all persisted voice channel rows of a guild.
func (s *Storage) GuildVoiceChannels(ctx context.Context, guildID string) ([]VoiceChannelRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, guild_id, owner_id, permanence, privacy
		FROM voice_channel WHERE guild_id = $1`, guildID)
	if err != nil {
		return nil, fmt.Errorf("failed to select voice channels for guild %s: %w", guildID, err)
	}
	defer rows.Close()

	var out []VoiceChannelRow
	for rows.Next() {
		var row VoiceChannelRow
		var ownerID sql.NullString
		var privacy string
		if err := rows.Scan(&row.ID, &row.GuildID, &ownerID, &row.Permanence, &privacy); err != nil {
			return nil, fmt.Errorf("failed to scan voice channel row: %w", err)
		}
		row.OwnerID = ownerID.String
		row.Privacy = state.Privacy(privacy)
		out = append(out, row)
	}
	return out, rows.Err()
}

func (s *Storage) updateField(ctx context.Context, query, id string, value any) error {
	if _, err := s.db.ExecContext(ctx, query, id, value); err != nil {
		return fmt.Errorf("failed to update row %s: %w", id, err)
	}
	return nil
}

func (s *Storage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return fmt.Errorf("transaction failed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), operationTimeout)
}
