package storage

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"voice-warden/internal/state"
)

// The tests below need a running Postgres instance; point DATABASE_URL at
// one to enable them. Each test works against its own synthetic guild id so
// runs do not interfere.
func newTestStorage(t *testing.T) *Storage {
	t.Helper()
	url := os.Getenv("DATABASE_URL")
	if url == "" {
		t.Skip("DATABASE_URL not set")
	}
	s, err := New(url)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testGuildID(t *testing.T) string {
	return fmt.Sprintf("test-%s-%d", t.Name(), time.Now().UnixNano())
}

func TestJoinChannelRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	guildID := testGuildID(t)
	t.Cleanup(func() { s.RemoveGuild(context.Background(), guildID) })

	row := JoinChannelRow{
		ID:           guildID + "-jc",
		GuildID:      guildID,
		AccessRoleID: "role-1",
		ParentID:     "cat-1",
		Permanence:   true,
		Privacy:      state.PrivacyLocked,
	}
	if err := s.InsertJoinChannel(ctx, row); err != nil {
		t.Fatal(err)
	}
	// Re-insertion keeps the original row.
	altered := row
	altered.AccessRoleID = "role-2"
	if err := s.InsertJoinChannel(ctx, altered); err != nil {
		t.Fatal(err)
	}

	rows, err := s.GuildJoinChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("got %d rows, want 1", len(rows))
	}
	if rows[0] != row {
		t.Fatalf("row = %+v, want %+v", rows[0], row)
	}

	if err := s.UpdateJoinChannelAccessRole(ctx, row.ID, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateJoinChannelPrivacy(ctx, row.ID, state.PrivacyInvisible); err != nil {
		t.Fatal(err)
	}
	rows, err = s.GuildJoinChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].AccessRoleID != "" {
		t.Fatal("access role not cleared")
	}
	if rows[0].Privacy != state.PrivacyInvisible {
		t.Fatalf("privacy = %q", rows[0].Privacy)
	}

	if err := s.RemoveJoinChannel(ctx, row.ID); err != nil {
		t.Fatal(err)
	}
	rows, err = s.GuildJoinChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Fatalf("row survived removal: %+v", rows)
	}
}

func TestVoiceChannelRoundTrip(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	guildID := testGuildID(t)
	t.Cleanup(func() { s.RemoveGuild(context.Background(), guildID) })

	row := VoiceChannelRow{
		ID:      guildID + "-vc",
		GuildID: guildID,
		Privacy: state.PrivacyUnlocked,
	}
	if err := s.InsertVoiceChannel(ctx, row); err != nil {
		t.Fatal(err)
	}

	rows, err := s.GuildVoiceChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 || rows[0] != row {
		t.Fatalf("rows = %+v", rows)
	}
	if rows[0].OwnerID != "" {
		t.Fatal("fresh row must have no owner")
	}

	if err := s.UpdateVoiceChannelOwner(ctx, row.ID, "user-1"); err != nil {
		t.Fatal(err)
	}
	if err := s.UpdateVoiceChannelPermanence(ctx, row.ID, true); err != nil {
		t.Fatal(err)
	}
	rows, err = s.GuildVoiceChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].OwnerID != "user-1" || !rows[0].Permanence {
		t.Fatalf("row = %+v", rows[0])
	}

	if err := s.UpdateVoiceChannelOwner(ctx, row.ID, ""); err != nil {
		t.Fatal(err)
	}
	rows, err = s.GuildVoiceChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if rows[0].OwnerID != "" {
		t.Fatal("owner not cleared")
	}
}

func TestRemoveUnknownChannels(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	guildID := testGuildID(t)
	otherGuildID := guildID + "-other"
	t.Cleanup(func() {
		s.RemoveGuild(context.Background(), guildID)
		s.RemoveGuild(context.Background(), otherGuildID)
	})

	known := JoinChannelRow{ID: guildID + "-jc-live", GuildID: guildID, Privacy: state.PrivacyUnlocked}
	stale := VoiceChannelRow{ID: guildID + "-vc-stale", GuildID: guildID, Privacy: state.PrivacyUnlocked}
	foreign := VoiceChannelRow{ID: otherGuildID + "-vc", GuildID: otherGuildID, Privacy: state.PrivacyUnlocked}
	if err := s.InsertJoinChannel(ctx, known); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertVoiceChannel(ctx, stale); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertVoiceChannel(ctx, foreign); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveUnknownChannels(ctx, guildID, []string{known.ID}); err != nil {
		t.Fatal(err)
	}

	joinRows, err := s.GuildJoinChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(joinRows) != 1 {
		t.Fatal("known row pruned")
	}
	voiceRows, err := s.GuildVoiceChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(voiceRows) != 0 {
		t.Fatalf("stale row survived: %+v", voiceRows)
	}
	otherRows, err := s.GuildVoiceChannels(ctx, otherGuildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(otherRows) != 1 {
		t.Fatal("pruning leaked into another guild")
	}
}

func TestRemoveGuildPurgesBothTables(t *testing.T) {
	s := newTestStorage(t)
	ctx := context.Background()
	guildID := testGuildID(t)

	if err := s.InsertJoinChannel(ctx, JoinChannelRow{ID: guildID + "-jc", GuildID: guildID, Privacy: state.PrivacyUnlocked}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertVoiceChannel(ctx, VoiceChannelRow{ID: guildID + "-vc", GuildID: guildID, Privacy: state.PrivacyUnlocked}); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveGuild(ctx, guildID); err != nil {
		t.Fatal(err)
	}
	joinRows, err := s.GuildJoinChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	voiceRows, err := s.GuildVoiceChannels(ctx, guildID)
	if err != nil {
		t.Fatal(err)
	}
	if len(joinRows) != 0 || len(voiceRows) != 0 {
		t.Fatalf("rows survived guild removal: %d join, %d voice", len(joinRows), len(voiceRows))
	}
}
