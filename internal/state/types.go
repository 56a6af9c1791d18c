package state

import (
	"sync"

	"github.com/bwmarrin/discordgo"
)

// Privacy is the access level scripted onto provisioned voice channels.
type Privacy string

const (
	PrivacyInvisible Privacy = "invisible"
	PrivacyLocked    Privacy = "locked"
	PrivacyUnlocked  Privacy = "unlocked"
)

// Permissions returns the permission bits a privacy level gates on: the bits
// denied to @everyone and allowed to the bot role (and later to the owner).
func (p Privacy) Permissions() int64 {
	switch p {
	case PrivacyInvisible:
		return discordgo.PermissionViewChannel
	case PrivacyLocked:
		return discordgo.PermissionVoiceConnect
	default:
		return 0
	}
}

const (
	// VideoQualityAuto and VideoQualityFull mirror the platform's video
	// quality modes for voice channels.
	VideoQualityAuto = 1
	VideoQualityFull = 2

	// DefaultBitrate is assumed when the platform reports none.
	DefaultBitrate = 64000
)

// GuildUser is the compound key of the owner and presence indices.
type GuildUser struct {
	GuildID string
	UserID  string
}

// Guild mirrors a guild the bot is a member of. ID and BotRoleID are fixed at
// insert time; the rest is guarded by mu. The join/voice channel id sets are
// maintained by the Store and always match the cached channel maps.
type Guild struct {
	ID        string
	BotRoleID string

	mu              sync.RWMutex
	name            string
	joinChannelIDs  map[string]struct{}
	voiceChannelIDs map[string]struct{}
}

func (g *Guild) Name() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.name
}

func (g *Guild) JoinChannelIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.joinChannelIDs))
	for id := range g.joinChannelIDs {
		ids = append(ids, id)
	}
	return ids
}

func (g *Guild) VoiceChannelIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	ids := make([]string, 0, len(g.voiceChannelIDs))
	for id := range g.voiceChannelIDs {
		ids = append(ids, id)
	}
	return ids
}

func (g *Guild) JoinChannelCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.joinChannelIDs)
}

// GuildUpdate is a sparse patch for a cached guild.
type GuildUpdate struct {
	Name Field[string]
}

// JoinChannel mirrors a configured join channel. An empty AccessRoleID or
// ParentID means none.
type JoinChannel struct {
	ID      string
	GuildID string

	mu           sync.RWMutex
	accessRoleID string
	name         string
	parentID     string
	permanence   bool
	overwrites   []*discordgo.PermissionOverwrite
	privacy      Privacy
}

func (j *JoinChannel) AccessRoleID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.accessRoleID
}

func (j *JoinChannel) Name() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.name
}

func (j *JoinChannel) ParentID() string {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.parentID
}

func (j *JoinChannel) Permanence() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.permanence
}

func (j *JoinChannel) Overwrites() []*discordgo.PermissionOverwrite {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return copyOverwrites(j.overwrites)
}

func (j *JoinChannel) Privacy() Privacy {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.privacy
}

// JoinChannelParams carries the full field set for inserting a join channel.
type JoinChannelParams struct {
	ID           string
	GuildID      string
	AccessRoleID string
	Name         string
	ParentID     string
	Permanence   bool
	Overwrites   []*discordgo.PermissionOverwrite
	Privacy      Privacy
}

// JoinChannelUpdate is a sparse patch for a cached join channel.
type JoinChannelUpdate struct {
	AccessRoleID Field[string]
	Name         Field[string]
	ParentID     Field[string]
	Permanence   Field[bool]
	Overwrites   Field[[]*discordgo.PermissionOverwrite]
	Privacy      Field[Privacy]
}

// VoiceChannel mirrors a provisioned voice room. An empty OwnerID means the
// room is unowned; zero RateLimitPerUser/UserLimit mean unset.
type VoiceChannel struct {
	ID      string
	GuildID string

	mu               sync.RWMutex
	bitrate          int
	connectedUserIDs map[string]struct{}
	name             string
	ownerID          string
	permanence       bool
	overwrites       []*discordgo.PermissionOverwrite
	privacy          Privacy
	rateLimitPerUser int
	rtcRegion        string
	userLimit        int
	videoQualityMode int
}

func (v *VoiceChannel) Bitrate() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.bitrate
}

func (v *VoiceChannel) ConnectedUserIDs() []string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	ids := make([]string, 0, len(v.connectedUserIDs))
	for id := range v.connectedUserIDs {
		ids = append(ids, id)
	}
	return ids
}

func (v *VoiceChannel) Empty() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.connectedUserIDs) == 0
}

func (v *VoiceChannel) Name() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.name
}

func (v *VoiceChannel) OwnerID() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.ownerID
}

func (v *VoiceChannel) Permanence() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.permanence
}

func (v *VoiceChannel) Overwrites() []*discordgo.PermissionOverwrite {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return copyOverwrites(v.overwrites)
}

func (v *VoiceChannel) Privacy() Privacy {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.privacy
}

func (v *VoiceChannel) RateLimitPerUser() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.rateLimitPerUser
}

func (v *VoiceChannel) RTCRegion() string {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.rtcRegion
}

func (v *VoiceChannel) UserLimit() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.userLimit
}

func (v *VoiceChannel) VideoQualityMode() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.videoQualityMode
}

// VoiceChannelParams carries the full field set for inserting a voice channel.
type VoiceChannelParams struct {
	ID               string
	GuildID          string
	Bitrate          int
	Name             string
	OwnerID          string
	Permanence       bool
	Overwrites       []*discordgo.PermissionOverwrite
	Privacy          Privacy
	RateLimitPerUser int
	RTCRegion        string
	UserLimit        int
	VideoQualityMode int
}

// VoiceChannelUpdate is a sparse patch for a cached voice channel.
type VoiceChannelUpdate struct {
	Bitrate          Field[int]
	Name             Field[string]
	OwnerID          Field[string]
	Permanence       Field[bool]
	Overwrites       Field[[]*discordgo.PermissionOverwrite]
	Privacy          Field[Privacy]
	RateLimitPerUser Field[int]
	RTCRegion        Field[string]
	UserLimit        Field[int]
	VideoQualityMode Field[int]
}

func copyOverwrites(src []*discordgo.PermissionOverwrite) []*discordgo.PermissionOverwrite {
	if src == nil {
		return nil
	}
	dst := make([]*discordgo.PermissionOverwrite, len(src))
	for i, ow := range src {
		cp := *ow
		dst[i] = &cp
	}
	return dst
}
