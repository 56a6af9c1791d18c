package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"testing"

	"github.com/bwmarrin/discordgo"

	"voice-warden/internal/state"
	"voice-warden/internal/storage"
)

type createCall struct {
	guildID    string
	name       string
	parentID   string
	overwrites []*discordgo.PermissionOverwrite
}

type moveCall struct {
	guildID   string
	userID    string
	channelID string
}

type permCall struct {
	channelID   string
	subjectID   string
	subjectType discordgo.PermissionOverwriteType
	allow       int64
	deny        int64
}

type fakeProvisioner struct {
	nextID      int
	createErr   error
	deleteErr   error
	created     []createCall
	deleted     []string
	moves       []moveCall
	permSets    []permCall
	permDeletes []string
	overwrites  map[string][]*discordgo.PermissionOverwrite
	settings    map[string]*discordgo.ChannelEdit
}

func newFakeProvisioner() *fakeProvisioner {
	return &fakeProvisioner{
		overwrites: make(map[string][]*discordgo.PermissionOverwrite),
		settings:   make(map[string]*discordgo.ChannelEdit),
	}
}

func (p *fakeProvisioner) CreateVoiceChannel(_ context.Context, guildID, name, parentID string, overwrites []*discordgo.PermissionOverwrite) (CreatedChannel, error) {
	if p.createErr != nil {
		return CreatedChannel{}, p.createErr
	}
	p.nextID++
	id := fmt.Sprintf("vc-%d", p.nextID)
	p.created = append(p.created, createCall{guildID, name, parentID, overwrites})
	return CreatedChannel{ID: id, Bitrate: state.DefaultBitrate, Overwrites: overwrites}, nil
}

func (p *fakeProvisioner) UpdateChannelOverwrites(_ context.Context, channelID string, overwrites []*discordgo.PermissionOverwrite) error {
	p.overwrites[channelID] = overwrites
	return nil
}

func (p *fakeProvisioner) UpdateChannelPermission(_ context.Context, channelID, subjectID string, subjectType discordgo.PermissionOverwriteType, allow, deny int64) error {
	p.permSets = append(p.permSets, permCall{channelID, subjectID, subjectType, allow, deny})
	return nil
}

func (p *fakeProvisioner) RemoveChannelPermission(_ context.Context, channelID, subjectID string) error {
	p.permDeletes = append(p.permDeletes, channelID+"/"+subjectID)
	return nil
}

func (p *fakeProvisioner) UpdateChannelSettings(_ context.Context, channelID string, edit *discordgo.ChannelEdit) error {
	p.settings[channelID] = edit
	return nil
}

func (p *fakeProvisioner) DeleteChannel(_ context.Context, channelID string) error {
	if p.deleteErr != nil {
		return p.deleteErr
	}
	p.deleted = append(p.deleted, channelID)
	return nil
}

func (p *fakeProvisioner) MoveMember(_ context.Context, guildID, userID, channelID string) error {
	p.moves = append(p.moves, moveCall{guildID, userID, channelID})
	return nil
}

type fakeDatabase struct {
	joinRows       map[string]storage.JoinChannelRow
	voiceRows      map[string]storage.VoiceChannelRow
	insertVoiceErr error
	removeVoiceErr error
	removeJoinErr  error
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		joinRows:  make(map[string]storage.JoinChannelRow),
		voiceRows: make(map[string]storage.VoiceChannelRow),
	}
}

func (d *fakeDatabase) InsertJoinChannel(_ context.Context, row storage.JoinChannelRow) error {
	d.joinRows[row.ID] = row
	return nil
}

func (d *fakeDatabase) InsertVoiceChannel(_ context.Context, row storage.VoiceChannelRow) error {
	if d.insertVoiceErr != nil {
		return d.insertVoiceErr
	}
	d.voiceRows[row.ID] = row
	return nil
}

func (d *fakeDatabase) RemoveJoinChannel(_ context.Context, id string) error {
	if d.removeJoinErr != nil {
		return d.removeJoinErr
	}
	delete(d.joinRows, id)
	return nil
}

func (d *fakeDatabase) RemoveVoiceChannel(_ context.Context, id string) error {
	if d.removeVoiceErr != nil {
		return d.removeVoiceErr
	}
	delete(d.voiceRows, id)
	return nil
}

func (d *fakeDatabase) RemoveGuild(_ context.Context, guildID string) error {
	for id, row := range d.joinRows {
		if row.GuildID == guildID {
			delete(d.joinRows, id)
		}
	}
	for id, row := range d.voiceRows {
		if row.GuildID == guildID {
			delete(d.voiceRows, id)
		}
	}
	return nil
}

func (d *fakeDatabase) RemoveUnknownChannels(_ context.Context, guildID string, knownIDs []string) error {
	for id, row := range d.joinRows {
		if row.GuildID == guildID && !slices.Contains(knownIDs, id) {
			delete(d.joinRows, id)
		}
	}
	for id, row := range d.voiceRows {
		if row.GuildID == guildID && !slices.Contains(knownIDs, id) {
			delete(d.voiceRows, id)
		}
	}
	return nil
}

func (d *fakeDatabase) UpdateJoinChannelAccessRole(_ context.Context, id, accessRoleID string) error {
	row := d.joinRows[id]
	row.AccessRoleID = accessRoleID
	d.joinRows[id] = row
	return nil
}

func (d *fakeDatabase) UpdateJoinChannelParent(_ context.Context, id, parentID string) error {
	row := d.joinRows[id]
	row.ParentID = parentID
	d.joinRows[id] = row
	return nil
}

func (d *fakeDatabase) UpdateJoinChannelPermanence(_ context.Context, id string, permanence bool) error {
	row := d.joinRows[id]
	row.Permanence = permanence
	d.joinRows[id] = row
	return nil
}

func (d *fakeDatabase) UpdateJoinChannelPrivacy(_ context.Context, id string, privacy state.Privacy) error {
	row := d.joinRows[id]
	row.Privacy = privacy
	d.joinRows[id] = row
	return nil
}

func (d *fakeDatabase) UpdateVoiceChannelOwner(_ context.Context, id, ownerID string) error {
	row := d.voiceRows[id]
	row.OwnerID = ownerID
	d.voiceRows[id] = row
	return nil
}

func (d *fakeDatabase) UpdateVoiceChannelPermanence(_ context.Context, id string, permanence bool) error {
	row := d.voiceRows[id]
	row.Permanence = permanence
	d.voiceRows[id] = row
	return nil
}

func (d *fakeDatabase) UpdateVoiceChannelPrivacy(_ context.Context, id string, privacy state.Privacy) error {
	row := d.voiceRows[id]
	row.Privacy = privacy
	d.voiceRows[id] = row
	return nil
}

func (d *fakeDatabase) GuildJoinChannels(_ context.Context, guildID string) ([]storage.JoinChannelRow, error) {
	var rows []storage.JoinChannelRow
	for _, row := range d.joinRows {
		if row.GuildID == guildID {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (d *fakeDatabase) GuildVoiceChannels(_ context.Context, guildID string) ([]storage.VoiceChannelRow, error) {
	var rows []storage.VoiceChannelRow
	for _, row := range d.voiceRows {
		if row.GuildID == guildID {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

const (
	testGuild   = "guild-1"
	testBotRole = "bot-role"
	testJoin    = "jc-1"
)

func newTestController(joinPrivacy state.Privacy, joinPermanence bool) (*Controller, *fakeProvisioner, *fakeDatabase) {
	store := state.NewStore()
	store.InsertGuild(testGuild, testBotRole, "Test Guild")
	store.InsertJoinChannel(state.JoinChannelParams{
		ID:         testJoin,
		GuildID:    testGuild,
		Name:       "join-1",
		Permanence: joinPermanence,
		Privacy:    joinPrivacy,
	})
	prov := newFakeProvisioner()
	db := newFakeDatabase()
	return New(store, db, prov), prov, db
}

func joinEvent(userID, username, channelID string) VoicePresenceChanged {
	return VoicePresenceChanged{
		GuildID:   testGuild,
		UserID:    userID,
		Username:  username,
		ChannelID: channelID,
	}
}

func overwriteFor(overwrites []*discordgo.PermissionOverwrite, id string) *discordgo.PermissionOverwrite {
	for _, ow := range overwrites {
		if ow.ID == id {
			return ow
		}
	}
	return nil
}

func TestRoomName(t *testing.T) {
	if got := roomName("Max"); got != "Max's voice" {
		t.Fatalf("roomName(Max) = %q", got)
	}
	if got := roomName("Chris"); got != "Chris' voice" {
		t.Fatalf("roomName(Chris) = %q", got)
	}
}

func TestJoinProvisionsRoom(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyLocked, false)
	ctx := context.Background()

	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", testJoin)); err != nil {
		t.Fatal(err)
	}

	if len(prov.created) != 1 {
		t.Fatalf("created %d channels, want 1", len(prov.created))
	}
	call := prov.created[0]
	if call.name != "Max's voice" {
		t.Fatalf("room name = %q", call.name)
	}

	// Locked gates CONNECT: allowed to the bot role, denied to @everyone.
	botOw := overwriteFor(call.overwrites, testBotRole)
	everyoneOw := overwriteFor(call.overwrites, testGuild)
	if botOw == nil || botOw.Allow != discordgo.PermissionVoiceConnect {
		t.Fatalf("bot role overwrite = %+v", botOw)
	}
	if everyoneOw == nil || everyoneOw.Deny != discordgo.PermissionVoiceConnect {
		t.Fatalf("@everyone overwrite = %+v", everyoneOw)
	}

	row, ok := db.voiceRows["vc-1"]
	if !ok {
		t.Fatal("no persisted row")
	}
	if row.OwnerID != "" {
		t.Fatalf("fresh room must be unowned, ownerID = %q", row.OwnerID)
	}
	if row.Privacy != state.PrivacyLocked {
		t.Fatalf("row privacy = %q, want locked", row.Privacy)
	}

	vc := c.State().VoiceChannel("vc-1")
	if vc == nil {
		t.Fatal("room not cached")
	}
	if vc.OwnerID() != "" {
		t.Fatal("cached room must be unowned")
	}

	if len(prov.moves) != 1 || prov.moves[0] != (moveCall{testGuild, "u1", "vc-1"}) {
		t.Fatalf("moves = %+v", prov.moves)
	}
}

func TestInvisibleJoinChannelGatesViewChannel(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyInvisible, false)

	if err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", testJoin)); err != nil {
		t.Fatal(err)
	}
	botOw := overwriteFor(prov.created[0].overwrites, testBotRole)
	if botOw.Allow != discordgo.PermissionViewChannel {
		t.Fatalf("invisible must gate VIEW_CHANNEL, got allow %d", botOw.Allow)
	}
}

func TestBotPresenceIgnored(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)

	ev := joinEvent("u1", "Max", testJoin)
	ev.Bot = true
	if err := c.HandleVoicePresence(context.Background(), ev); err != nil {
		t.Fatal(err)
	}
	if len(prov.created) != 0 {
		t.Fatal("bot presence must not provision")
	}
}

func TestOwnerEnteringJoinChannelDoesNotProvision(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-owned", GuildID: testGuild, OwnerID: "u1"})

	if err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", testJoin)); err != nil {
		t.Fatal(err)
	}
	if len(prov.created) != 0 {
		t.Fatal("owning user must not get a second room")
	}
}

func TestRemoteCreateFailureMutatesNothing(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)
	prov.createErr = errors.New("rate limited")

	err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", testJoin))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(db.voiceRows) != 0 {
		t.Fatal("row persisted despite remote failure")
	}
	if ids := c.State().Guild(testGuild).VoiceChannelIDs(); len(ids) != 0 {
		t.Fatal("cache mutated despite remote failure")
	}
}

func TestPersistFailureSurfacedAfterRemoteCreate(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)
	db := newFakeDatabase()
	db.insertVoiceErr = errors.New("connection lost")
	c.db = db

	err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", testJoin))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(prov.created) != 1 {
		t.Fatal("remote create should have happened")
	}
	if c.State().VoiceChannel("vc-1") != nil {
		t.Fatal("cache must not hold a room whose row failed to persist")
	}
}

func TestLeaveTearsDownEmptyRoom(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)
	ctx := context.Background()

	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", testJoin)); err != nil {
		t.Fatal(err)
	}
	// The gateway confirms the move into the new room.
	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", "vc-1")); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.State().Presence(testGuild, "u1"); !ok {
		t.Fatal("presence not tracked after move")
	}

	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", "")); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(prov.deleted, "vc-1") {
		t.Fatal("empty room not deleted remotely")
	}
	if _, ok := db.voiceRows["vc-1"]; ok {
		t.Fatal("row survived teardown")
	}
	if c.State().VoiceChannel("vc-1") != nil {
		t.Fatal("cache entry survived teardown")
	}

	// A duplicate leave event is a silent no-op.
	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", "")); err != nil {
		t.Fatal(err)
	}
	if len(prov.deleted) != 1 {
		t.Fatalf("duplicate leave triggered %d deletes", len(prov.deleted))
	}
}

func TestLeaveKeepsOccupiedRoom(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild})
	c.State().InsertPresence(testGuild, "u1", "vc-1")
	c.State().InsertPresence(testGuild, "u2", "vc-1")

	if err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", "")); err != nil {
		t.Fatal(err)
	}
	if len(prov.deleted) != 0 {
		t.Fatal("room with remaining occupants must not be deleted")
	}
}

func TestLeaveKeepsPermanentRoom(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, true)
	ctx := context.Background()

	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", testJoin)); err != nil {
		t.Fatal(err)
	}
	if !db.voiceRows["vc-1"].Permanence {
		t.Fatal("room must inherit permanence from the join channel")
	}
	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", "vc-1")); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", "")); err != nil {
		t.Fatal(err)
	}
	if len(prov.deleted) != 0 {
		t.Fatal("permanent room must survive emptying")
	}
}

func TestTeardownToleratesRemoteDeleteFailure(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild})
	c.State().InsertPresence(testGuild, "u1", "vc-1")
	prov.deleteErr = errors.New("already gone")
	db.voiceRows["vc-1"] = storage.VoiceChannelRow{ID: "vc-1", GuildID: testGuild}

	if err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", "")); err != nil {
		t.Fatal(err)
	}
	if _, ok := db.voiceRows["vc-1"]; ok {
		t.Fatal("row must be purged even when the remote delete fails")
	}
	if c.State().VoiceChannel("vc-1") != nil {
		t.Fatal("cache must be purged even when the remote delete fails")
	}
}

func TestTeardownRowFailureKeepsCache(t *testing.T) {
	c, _, db := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild})
	c.State().InsertPresence(testGuild, "u1", "vc-1")
	db.removeVoiceErr = errors.New("connection lost")

	if err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", "")); err == nil {
		t.Fatal("expected error")
	}
	if c.State().VoiceChannel("vc-1") == nil {
		t.Fatal("cache must not run ahead of the durable row")
	}
}

func TestMoveFromRoomIntoJoinChannel(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-old", GuildID: testGuild})
	c.State().InsertPresence(testGuild, "u1", "vc-old")

	if err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", testJoin)); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(prov.deleted, "vc-old") {
		t.Fatal("vacated room not torn down")
	}
	if len(prov.created) != 1 {
		t.Fatal("new room not provisioned")
	}
}

func TestClaim(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyLocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild, Privacy: state.PrivacyLocked})
	c.State().InsertPresence(testGuild, "u1", "vc-1")
	db.voiceRows["vc-1"] = storage.VoiceChannelRow{ID: "vc-1", GuildID: testGuild, Privacy: state.PrivacyLocked}

	channelID, err := c.Claim(context.Background(), testGuild, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if channelID != "vc-1" {
		t.Fatalf("claimed %q", channelID)
	}
	if len(prov.permSets) != 1 {
		t.Fatalf("permSets = %+v", prov.permSets)
	}
	grant := prov.permSets[0]
	if grant.subjectID != "u1" || grant.subjectType != discordgo.PermissionOverwriteTypeMember || grant.allow != discordgo.PermissionVoiceConnect {
		t.Fatalf("grant = %+v", grant)
	}
	if db.voiceRows["vc-1"].OwnerID != "u1" {
		t.Fatal("owner not persisted")
	}
	if id, ok := c.State().Owner(testGuild, "u1"); !ok || id != "vc-1" {
		t.Fatal("owner not indexed")
	}
}

func TestClaimValidation(t *testing.T) {
	c, _, _ := newTestController(state.PrivacyUnlocked, false)
	ctx := context.Background()

	if _, err := c.Claim(ctx, testGuild, "u1"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err = %v, want ErrNotConnected", err)
	}

	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild, OwnerID: "u2"})
	c.State().InsertPresence(testGuild, "u1", "vc-1")
	if _, err := c.Claim(ctx, testGuild, "u1"); !errors.Is(err, ErrAlreadyOwned) {
		t.Fatalf("err = %v, want ErrAlreadyOwned", err)
	}

	c.State().InsertPresence(testGuild, "u2", "vc-1")
	if _, err := c.Claim(ctx, testGuild, "u2"); !errors.Is(err, ErrAlreadyOwner) {
		t.Fatalf("err = %v, want ErrAlreadyOwner", err)
	}
}

func TestTransfer(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyLocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{
		ID:      "vc-1",
		GuildID: testGuild,
		OwnerID: "u1",
		Privacy: state.PrivacyLocked,
		Overwrites: []*discordgo.PermissionOverwrite{
			{ID: testBotRole, Type: discordgo.PermissionOverwriteTypeRole, Allow: discordgo.PermissionVoiceConnect},
			{ID: "u1", Type: discordgo.PermissionOverwriteTypeMember, Allow: discordgo.PermissionVoiceConnect},
		},
	})
	db.voiceRows["vc-1"] = storage.VoiceChannelRow{ID: "vc-1", GuildID: testGuild, OwnerID: "u1"}

	channelID, err := c.Transfer(context.Background(), testGuild, "u1", "u2", false)
	if err != nil {
		t.Fatal(err)
	}
	if channelID != "vc-1" {
		t.Fatalf("transferred %q", channelID)
	}
	sent := prov.overwrites["vc-1"]
	if overwriteFor(sent, "u1") != nil {
		t.Fatal("old owner overwrite still present")
	}
	newOw := overwriteFor(sent, "u2")
	if newOw == nil || newOw.Allow != discordgo.PermissionVoiceConnect {
		t.Fatalf("new owner overwrite = %+v", newOw)
	}
	if db.voiceRows["vc-1"].OwnerID != "u2" {
		t.Fatal("owner not persisted")
	}
	if _, ok := c.State().Owner(testGuild, "u1"); ok {
		t.Fatal("old owner still indexed")
	}
	if id, ok := c.State().Owner(testGuild, "u2"); !ok || id != "vc-1" {
		t.Fatal("new owner not indexed")
	}
}

func TestTransferValidation(t *testing.T) {
	c, _, _ := newTestController(state.PrivacyUnlocked, false)
	ctx := context.Background()

	if _, err := c.Transfer(ctx, testGuild, "u1", "u2", false); !errors.Is(err, ErrNotOwner) {
		t.Fatalf("err = %v, want ErrNotOwner", err)
	}

	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild, OwnerID: "u1"})
	if _, err := c.Transfer(ctx, testGuild, "u1", "u1", false); !errors.Is(err, ErrBadTarget) {
		t.Fatalf("err = %v, want ErrBadTarget for self", err)
	}
	if _, err := c.Transfer(ctx, testGuild, "u1", "u2", true); !errors.Is(err, ErrBadTarget) {
		t.Fatalf("err = %v, want ErrBadTarget for bot", err)
	}
}

func TestSetRoomPrivacyRewritesOverwrites(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{
		ID:      "vc-1",
		GuildID: testGuild,
		OwnerID: "u1",
		Privacy: state.PrivacyUnlocked,
		Overwrites: []*discordgo.PermissionOverwrite{
			{ID: testBotRole, Type: discordgo.PermissionOverwriteTypeRole},
			{ID: testGuild, Type: discordgo.PermissionOverwriteTypeRole},
			{ID: "u1", Type: discordgo.PermissionOverwriteTypeMember},
			{ID: "u-allowed", Type: discordgo.PermissionOverwriteTypeMember, Allow: discordgo.PermissionVoiceConnect},
			{ID: "u-denied", Type: discordgo.PermissionOverwriteTypeMember, Deny: discordgo.PermissionViewChannel | discordgo.PermissionVoiceConnect},
		},
	})
	db.voiceRows["vc-1"] = storage.VoiceChannelRow{ID: "vc-1", GuildID: testGuild, OwnerID: "u1"}

	if _, err := c.SetRoomPrivacy(context.Background(), testGuild, "u1", state.PrivacyInvisible); err != nil {
		t.Fatal(err)
	}

	sent := prov.overwrites["vc-1"]
	if ow := overwriteFor(sent, testBotRole); ow.Allow != discordgo.PermissionViewChannel {
		t.Fatalf("bot role allow = %d", ow.Allow)
	}
	if ow := overwriteFor(sent, testGuild); ow.Deny != discordgo.PermissionViewChannel {
		t.Fatalf("@everyone deny = %d", ow.Deny)
	}
	if ow := overwriteFor(sent, "u1"); ow.Allow != discordgo.PermissionViewChannel {
		t.Fatalf("owner allow = %d", ow.Allow)
	}
	if ow := overwriteFor(sent, "u-allowed"); ow.Allow != discordgo.PermissionViewChannel {
		t.Fatalf("allowed member must follow the new gate, allow = %d", ow.Allow)
	}
	if ow := overwriteFor(sent, "u-denied"); ow.Deny != discordgo.PermissionViewChannel|discordgo.PermissionVoiceConnect {
		t.Fatal("denied member must stay denied")
	}

	if db.voiceRows["vc-1"].Privacy != state.PrivacyInvisible {
		t.Fatal("privacy not persisted")
	}
	if c.State().VoiceChannel("vc-1").Privacy() != state.PrivacyInvisible {
		t.Fatal("privacy not cached")
	}
}

func TestAllowMemberFallsBackToConnect(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild, OwnerID: "u1", Privacy: state.PrivacyUnlocked})

	if _, err := c.AllowMember(context.Background(), testGuild, "u1", "u2", false); err != nil {
		t.Fatal(err)
	}
	if len(prov.permSets) != 1 || prov.permSets[0].allow != discordgo.PermissionVoiceConnect {
		t.Fatalf("permSets = %+v", prov.permSets)
	}
}

func TestDenyMemberDisconnectsOccupant(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild, OwnerID: "u1", Privacy: state.PrivacyLocked})
	c.State().InsertPresence(testGuild, "u2", "vc-1")

	if _, err := c.DenyMember(context.Background(), testGuild, "u1", "u2", false); err != nil {
		t.Fatal(err)
	}
	if len(prov.permSets) != 1 || prov.permSets[0].deny != discordgo.PermissionVoiceConnect {
		t.Fatalf("permSets = %+v", prov.permSets)
	}
	if len(prov.moves) != 1 || prov.moves[0] != (moveCall{testGuild, "u2", ""}) {
		t.Fatalf("moves = %+v", prov.moves)
	}
}

func TestEjectMember(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{
		ID:      "vc-1",
		GuildID: testGuild,
		OwnerID: "u1",
		Overwrites: []*discordgo.PermissionOverwrite{
			{ID: "u2", Type: discordgo.PermissionOverwriteTypeMember, Allow: discordgo.PermissionVoiceConnect},
		},
	})
	c.State().InsertPresence(testGuild, "u2", "vc-1")

	if _, err := c.EjectMember(context.Background(), testGuild, "u1", "u2", false); err != nil {
		t.Fatal(err)
	}
	if len(prov.permDeletes) != 1 || prov.permDeletes[0] != "vc-1/u2" {
		t.Fatalf("permDeletes = %+v", prov.permDeletes)
	}
	if len(prov.moves) != 1 || prov.moves[0] != (moveCall{testGuild, "u2", ""}) {
		t.Fatalf("moves = %+v", prov.moves)
	}

	// Nothing to do for a stranger.
	if _, err := c.EjectMember(context.Background(), testGuild, "u1", "u3", false); !errors.Is(err, ErrNoChange) {
		t.Fatalf("err = %v, want ErrNoChange", err)
	}
}

func TestCreateJoinChannelLimitAndReservedRole(t *testing.T) {
	c, _, _ := newTestController(state.PrivacyUnlocked, false)
	ctx := context.Background()

	if _, err := c.CreateJoinChannel(ctx, testGuild, JoinChannelConfig{AccessRoleID: testBotRole}); !errors.Is(err, ErrReservedRole) {
		t.Fatalf("err = %v, want ErrReservedRole", err)
	}
	if _, err := c.CreateJoinChannel(ctx, testGuild, JoinChannelConfig{AccessRoleID: testGuild}); !errors.Is(err, ErrReservedRole) {
		t.Fatalf("err = %v, want ErrReservedRole for @everyone", err)
	}

	// One join channel is seeded; two more reach the cap.
	for i := 0; i < MaxJoinChannels-1; i++ {
		if _, err := c.CreateJoinChannel(ctx, testGuild, JoinChannelConfig{}); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := c.CreateJoinChannel(ctx, testGuild, JoinChannelConfig{}); !errors.Is(err, ErrJoinChannelLimit) {
		t.Fatalf("err = %v, want ErrJoinChannelLimit", err)
	}
}

func TestCreateJoinChannelDefaults(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)

	id, err := c.CreateJoinChannel(context.Background(), testGuild, JoinChannelConfig{})
	if err != nil {
		t.Fatal(err)
	}
	if prov.created[0].name != "join-2" {
		t.Fatalf("default name = %q", prov.created[0].name)
	}
	if db.joinRows[id].Privacy != state.PrivacyUnlocked {
		t.Fatalf("default privacy = %q", db.joinRows[id].Privacy)
	}
	if c.State().JoinChannel(id) == nil {
		t.Fatal("join channel not cached")
	}
}

func TestSetJoinAccessRole(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyLocked, false)
	db.joinRows[testJoin] = storage.JoinChannelRow{ID: testJoin, GuildID: testGuild, Privacy: state.PrivacyLocked}
	ctx := context.Background()

	if err := c.SetJoinAccessRole(ctx, testGuild, testJoin, "role-1"); err != nil {
		t.Fatal(err)
	}
	if len(prov.permSets) != 1 || prov.permSets[0].allow != discordgo.PermissionVoiceConnect {
		t.Fatalf("permSets = %+v", prov.permSets)
	}
	if db.joinRows[testJoin].AccessRoleID != "role-1" {
		t.Fatal("access role not persisted")
	}
	if c.State().JoinChannel(testJoin).AccessRoleID() != "role-1" {
		t.Fatal("access role not cached")
	}

	if err := c.SetJoinAccessRole(ctx, testGuild, testJoin, "role-1"); !errors.Is(err, ErrNoChange) {
		t.Fatalf("err = %v, want ErrNoChange", err)
	}

	if err := c.SetJoinAccessRole(ctx, testGuild, testJoin, ""); err != nil {
		t.Fatal(err)
	}
	if len(prov.permDeletes) != 1 || prov.permDeletes[0] != testJoin+"/role-1" {
		t.Fatalf("permDeletes = %+v", prov.permDeletes)
	}
	if c.State().JoinChannel(testJoin).AccessRoleID() != "" {
		t.Fatal("access role not cleared")
	}
}

func TestGuildSnapshotReconciles(t *testing.T) {
	store := state.NewStore()
	prov := newFakeProvisioner()
	db := newFakeDatabase()
	c := New(store, db, prov)

	db.joinRows["jc-1"] = storage.JoinChannelRow{ID: "jc-1", GuildID: testGuild, Privacy: state.PrivacyLocked, Permanence: true}
	db.voiceRows["vc-live"] = storage.VoiceChannelRow{ID: "vc-live", GuildID: testGuild, OwnerID: "u1"}
	db.voiceRows["vc-stale"] = storage.VoiceChannelRow{ID: "vc-stale", GuildID: testGuild}

	snap := GuildSnapshot{
		ID:        testGuild,
		BotRoleID: testBotRole,
		Name:      "Test Guild",
		Channels: []ChannelSnapshot{
			{ID: "jc-1", Name: "join here", Bitrate: 64000},
			{ID: "vc-live", Name: "Max's voice", Bitrate: 96000},
			{ID: "vc-foreign", Name: "General", Bitrate: 64000},
		},
		VoiceStates: []PresenceSnapshot{
			{UserID: "u1", ChannelID: "vc-live"},
			{UserID: "u2", ChannelID: "vc-foreign"},
		},
	}
	if err := c.HandleGuildSnapshot(context.Background(), snap); err != nil {
		t.Fatal(err)
	}

	if _, ok := db.voiceRows["vc-stale"]; ok {
		t.Fatal("stale row not pruned")
	}
	jc := store.JoinChannel("jc-1")
	if jc == nil || jc.Name() != "join here" || jc.Privacy() != state.PrivacyLocked || !jc.Permanence() {
		t.Fatalf("join channel rehydrated wrong: %+v", jc)
	}
	vc := store.VoiceChannel("vc-live")
	if vc == nil || vc.Bitrate() != 96000 || vc.OwnerID() != "u1" {
		t.Fatal("voice channel rehydrated wrong")
	}
	if store.VoiceChannel("vc-foreign") != nil {
		t.Fatal("untracked channel must not be cached")
	}
	if id, ok := store.Presence(testGuild, "u1"); !ok || id != "vc-live" {
		t.Fatal("presence in tracked channel not rehydrated")
	}
	if _, ok := store.Presence(testGuild, "u2"); ok {
		t.Fatal("presence in untracked channel must not be indexed")
	}
	if id, ok := store.Owner(testGuild, "u1"); !ok || id != "vc-live" {
		t.Fatal("owner index not rebuilt")
	}
}

func TestGuildRemovedOutageKeepsState(t *testing.T) {
	c, _, db := newTestController(state.PrivacyUnlocked, false)
	db.joinRows[testJoin] = storage.JoinChannelRow{ID: testJoin, GuildID: testGuild}

	if err := c.HandleGuildRemoved(context.Background(), GuildRemoved{ID: testGuild, Outage: true}); err != nil {
		t.Fatal(err)
	}
	if !c.State().IsUnavailable(testGuild) {
		t.Fatal("guild not marked unavailable")
	}
	if c.State().Guild(testGuild) == nil {
		t.Fatal("outage must not evict the guild")
	}
	if _, ok := db.joinRows[testJoin]; !ok {
		t.Fatal("outage must not touch rows")
	}

	if err := c.HandleGuildRemoved(context.Background(), GuildRemoved{ID: testGuild}); err != nil {
		t.Fatal(err)
	}
	if c.State().Guild(testGuild) != nil {
		t.Fatal("removal must evict the guild")
	}
	if len(db.joinRows) != 0 {
		t.Fatal("removal must purge rows")
	}
	if c.State().IsUnavailable(testGuild) {
		t.Fatal("unavailable mark must not survive removal")
	}
}

func TestExternalChannelRemoval(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)
	db.joinRows[testJoin] = storage.JoinChannelRow{ID: testJoin, GuildID: testGuild}

	if err := c.HandleChannelRemoved(context.Background(), ChannelRemoved{ID: testJoin}); err != nil {
		t.Fatal(err)
	}
	if len(prov.deleted) != 0 {
		t.Fatal("external removal must not issue a remote delete")
	}
	if _, ok := db.joinRows[testJoin]; ok {
		t.Fatal("row survived external removal")
	}
	if c.State().JoinChannel(testJoin) != nil {
		t.Fatal("cache entry survived external removal")
	}

	// Unknown channels are ignored.
	if err := c.HandleChannelRemoved(context.Background(), ChannelRemoved{ID: "vc-unknown"}); err != nil {
		t.Fatal(err)
	}
}

func TestMemberLeftClearsOwnership(t *testing.T) {
	c, _, db := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild, OwnerID: "u1", Permanence: true})
	db.voiceRows["vc-1"] = storage.VoiceChannelRow{ID: "vc-1", GuildID: testGuild, OwnerID: "u1", Permanence: true}

	if err := c.HandleMemberLeft(context.Background(), MemberLeftGuild{GuildID: testGuild, UserID: "u1"}); err != nil {
		t.Fatal(err)
	}
	if db.voiceRows["vc-1"].OwnerID != "" {
		t.Fatal("owner not cleared in row")
	}
	vc := c.State().VoiceChannel("vc-1")
	if vc == nil {
		t.Fatal("room must survive its owner leaving")
	}
	if vc.OwnerID() != "" {
		t.Fatal("owner not cleared in cache")
	}
	if _, ok := c.State().Owner(testGuild, "u1"); ok {
		t.Fatal("owner index entry survived")
	}
}

func TestRoleRemovedClearsAccessRole(t *testing.T) {
	c, _, db := newTestController(state.PrivacyUnlocked, false)
	c.State().UpdateJoinChannel(testJoin, state.JoinChannelUpdate{AccessRoleID: state.Set("role-1")})
	db.joinRows[testJoin] = storage.JoinChannelRow{ID: testJoin, GuildID: testGuild, AccessRoleID: "role-1"}

	if err := c.HandleRoleRemoved(context.Background(), RoleRemoved{GuildID: testGuild, RoleID: "role-1"}); err != nil {
		t.Fatal(err)
	}
	if db.joinRows[testJoin].AccessRoleID != "" {
		t.Fatal("access role not cleared in row")
	}
	if c.State().JoinChannel(testJoin).AccessRoleID() != "" {
		t.Fatal("access role not cleared in cache")
	}
}

func TestJoinChannelRoundTrip(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)
	ctx := context.Background()
	before := c.State().Guild(testGuild).JoinChannelIDs()

	id, err := c.CreateJoinChannel(ctx, testGuild, JoinChannelConfig{Name: "lobby"})
	if err != nil {
		t.Fatal(err)
	}
	if err := c.RemoveJoinChannel(ctx, id); err != nil {
		t.Fatal(err)
	}
	if !slices.Contains(prov.deleted, id) {
		t.Fatal("remote channel not deleted")
	}
	if _, ok := db.joinRows[id]; ok {
		t.Fatal("row survived removal")
	}
	if c.State().JoinChannel(id) != nil {
		t.Fatal("cache entry survived removal")
	}
	after := c.State().Guild(testGuild).JoinChannelIDs()
	slices.Sort(before)
	slices.Sort(after)
	if !slices.Equal(before, after) {
		t.Fatalf("guild index drifted: %v != %v", after, before)
	}
	if err := c.RemoveJoinChannel(ctx, "jc-unknown"); !errors.Is(err, ErrUnknownJoinChannel) {
		t.Fatalf("err = %v", err)
	}
}

func TestRemoveJoinChannelToleratesRemoteDeleteFailure(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)
	db.joinRows[testJoin] = storage.JoinChannelRow{ID: testJoin, GuildID: testGuild}
	prov.deleteErr = errors.New("already gone")

	if err := c.RemoveJoinChannel(context.Background(), testJoin); err != nil {
		t.Fatal(err)
	}
	if _, ok := db.joinRows[testJoin]; ok {
		t.Fatal("row survived removal")
	}
	if c.State().JoinChannel(testJoin) != nil {
		t.Fatal("cache entry survived removal")
	}
}

func TestRemoveJoinChannelRowFailureKeepsCache(t *testing.T) {
	c, _, db := newTestController(state.PrivacyUnlocked, false)
	db.joinRows[testJoin] = storage.JoinChannelRow{ID: testJoin, GuildID: testGuild}
	db.removeJoinErr = errors.New("connection lost")

	if err := c.RemoveJoinChannel(context.Background(), testJoin); err == nil {
		t.Fatal("expected error")
	}
	if c.State().JoinChannel(testJoin) == nil {
		t.Fatal("cache must not run ahead of the durable row")
	}
}

func TestSameChannelReportIsNoMovement(t *testing.T) {
	c, prov, _ := newTestController(state.PrivacyUnlocked, false)
	c.State().InsertVoiceChannel(state.VoiceChannelParams{ID: "vc-1", GuildID: testGuild})
	c.State().InsertPresence(testGuild, "u1", "vc-1")

	// Mute and deafen toggles re-report the same channel.
	if err := c.HandleVoicePresence(context.Background(), joinEvent("u1", "Max", "vc-1")); err != nil {
		t.Fatal(err)
	}
	if len(prov.deleted) != 0 {
		t.Fatal("room torn down under its occupant")
	}
	if got, ok := c.State().Presence(testGuild, "u1"); !ok || got != "vc-1" {
		t.Fatalf("presence = %q, %v", got, ok)
	}
}

func TestRepeatedJoinChannelReportProvisionsOnce(t *testing.T) {
	c, prov, db := newTestController(state.PrivacyUnlocked, false)
	ctx := context.Background()

	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", testJoin)); err != nil {
		t.Fatal(err)
	}
	if err := c.HandleVoicePresence(ctx, joinEvent("u1", "Max", testJoin)); err != nil {
		t.Fatal(err)
	}
	if len(prov.created) != 1 {
		t.Fatalf("provisioned %d rooms for one occupant", len(prov.created))
	}
	if len(db.voiceRows) != 1 {
		t.Fatalf("voiceRows = %d", len(db.voiceRows))
	}
}
