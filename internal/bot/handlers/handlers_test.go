package handlers

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/edgard/expybot/internal/config"
	"github.com/edgard/expybot/internal/database"
	apperrors "github.com/edgard/expybot/internal/errors"
	"github.com/edgard/expybot/internal/progression"
)

const (
	guildID = "g1"
	adminID = "100000000000000001"
	userID  = "200000000000000002"
	roleID  = "300000000000000003"
)

type recorder struct {
	mu     sync.Mutex
	texts  []string
	embeds []*discordgo.MessageEmbed
}

func (r *recorder) Reply(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	return nil
}

func (r *recorder) ReplyEmbed(_ context.Context, embed *discordgo.MessageEmbed) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.embeds = append(r.embeds, embed)
	return nil
}

func (r *recorder) lastText(t *testing.T) string {
	t.Helper()
	require.NotEmpty(t, r.texts)
	return r.texts[len(r.texts)-1]
}

func (r *recorder) lastEmbed(t *testing.T) *discordgo.MessageEmbed {
	t.Helper()
	require.NotEmpty(t, r.embeds)
	return r.embeds[len(r.embeds)-1]
}

type fakeDirectory struct {
	members map[string]bool
	roles   map[string]bool
}

func (d fakeDirectory) ResolveMember(_ context.Context, _, userID string) error {
	if !d.members[userID] {
		return apperrors.NewValidationError("I couldn't find that member in this server.", nil)
	}
	return nil
}

func (d fakeDirectory) ResolveRole(_ context.Context, _, roleID string) error {
	if !d.roles[roleID] {
		return apperrors.NewValidationError("I couldn't find that role in this server.", nil)
	}
	return nil
}

type testBot struct {
	deps   HandlerDeps
	router *Router
}

func newTestBot(t *testing.T) *testBot {
	t.Helper()
	db, err := database.NewDB(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db, nil) })

	engine, err := progression.NewEngine(progression.Deps{Store: database.NewStore(db, nil)}, progression.Options{})
	require.NoError(t, err)

	deps := HandlerDeps{
		Logger: zap.NewNop(),
		Config: &config.Config{
			Discord:     config.DiscordConfig{Prefix: "$"},
			Progression: config.ProgressionConfig{LeaderboardPageSize: 2},
			Messages: config.MessagesConfig{
				Help:          "Use {prefix}level",
				NotAuthorized: "not allowed",
				GeneralError:  "oops",
			},
		},
		Engine: engine,
		Directory: fakeDirectory{
			members: map[string]bool{adminID: true, userID: true},
			roles:   map[string]bool{roleID: true},
		},
		StartedAt: time.Now(),
	}
	return &testBot{deps: deps, router: NewRouter(RegisterAllCommands(deps))}
}

// run dispatches a command as typed in chat.
func (b *testBot) run(t *testing.T, authorID string, admin bool, content string) *recorder {
	t.Helper()
	name, args, ok := ParseCommand(content, "$")
	require.True(t, ok, content)
	cmd := Command{Name: name, Args: args, GuildID: guildID, ChannelID: "c1", AuthorID: authorID}
	if admin {
		cmd.Permissions = discordgo.PermissionAdministrator
	}
	rec := &recorder{}
	require.True(t, b.router.Dispatch(context.Background(), rec, cmd), content)
	return rec
}

func TestRouterAliasesAndUnknown(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)
	for _, alias := range []string{"$level", "$rank", "$xp"} {
		rec := b.run(t, userID, false, alias)
		assert.Equal(t, "Level 0", rec.lastEmbed(t).Title)
	}
	assert.False(t, b.router.Dispatch(context.Background(), &recorder{}, Command{Name: "prefix"}))
}

func TestHelp(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)
	assert.Equal(t, "Use $level", b.run(t, userID, false, "$h").lastText(t))
}

func TestAdminCommandsRequireAdmin(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)
	for _, content := range []string{
		"$addrank 5 <@&" + roleID + ">", "$rr 5", "$ranks", "$bl",
		"$reward <@" + userID + "> 10", "$sanction <@" + userID + "> 10",
		"$setxp <@" + userID + "> 10", "$setlevel <@" + userID + "> 1",
	} {
		rec := b.run(t, userID, false, content)
		assert.Equal(t, "not allowed", rec.lastText(t), content)
	}

	standing, err := b.deps.Engine.Standing(context.Background(), progression.MemberRef{GuildID: guildID, UserID: userID})
	require.NoError(t, err)
	assert.Zero(t, standing.XP)
}

func TestRankCommands(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)

	rec := b.run(t, adminID, true, "$ranks")
	assert.Contains(t, rec.lastText(t), "$addrank")

	rec = b.run(t, adminID, true, "$addrank 5 <@&"+roleID+">")
	assert.Equal(t, "<@&"+roleID+"> has been assigned to level 5.", rec.lastText(t))

	rec = b.run(t, adminID, true, "$ar 10 "+roleID)
	assert.Contains(t, rec.lastText(t), "Replaced <@&"+roleID+"> at level 5.")

	rec = b.run(t, adminID, true, "$ranks")
	assert.Equal(t, "Level 10 - <@&"+roleID+">", rec.lastEmbed(t).Description)

	rec = b.run(t, adminID, true, "$addrank five <@&"+roleID+">")
	assert.Equal(t, "Please specify a level to create the rank for.", rec.lastText(t))

	rec = b.run(t, adminID, true, "$rr 5")
	assert.NotEmpty(t, rec.lastText(t))

	rec = b.run(t, adminID, true, "$removerank <@&"+roleID+">")
	assert.Equal(t, "The rank for <@&"+roleID+"> at level 10 has been removed.", rec.lastText(t))
}

func TestAdjustCommands(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)

	rec := b.run(t, adminID, true, "$reward <@"+userID+"> 100")
	assert.Equal(t, "<@"+userID+"> now has 100 XP and is on level 2.", rec.lastText(t))

	rec = b.run(t, adminID, true, "$sanction "+userID+" 500")
	assert.Equal(t, "<@"+userID+"> now has 0 XP and is on level 0.", rec.lastText(t))

	rec = b.run(t, adminID, true, "$setlevel <@!"+userID+"> 3")
	assert.Equal(t, "<@"+userID+"> now has 144 XP and is on level 3.", rec.lastText(t))

	rec = b.run(t, adminID, true, "$setxp <@"+userID+"> 16")
	assert.Equal(t, "<@"+userID+"> now has 16 XP and is on level 1.", rec.lastText(t))

	rec = b.run(t, adminID, true, "$reward <@"+userID+"> 0")
	assert.Contains(t, rec.lastText(t), "Please specify")

	rec = b.run(t, adminID, true, "$setlevel <@"+userID+"> 2000000")
	assert.Contains(t, rec.lastText(t), "level must be between 0 and")

	rec = b.run(t, userID, false, "$level")
	assert.Equal(t, "<@"+userID+">\n16 / 64 XP", rec.lastEmbed(t).Description)
}

func TestUnknownReferencesAreRejected(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)
	const stranger = "999999999999999999"
	const noSuchRole = "399999999999999999"

	for _, content := range []string{
		"$reward " + stranger + " 50",
		"$sanction <@" + stranger + "> 5",
		"$setxp <@" + stranger + "> 10",
		"$setlevel <@" + stranger + "> 2",
		"$bl " + stranger,
		"$level <@" + stranger + ">",
	} {
		rec := b.run(t, adminID, true, content)
		assert.Equal(t, "I couldn't find that member in this server.", rec.lastText(t), content)
	}

	rec := b.run(t, adminID, true, "$addrank 5 <@&"+noSuchRole+">")
	assert.Equal(t, "I couldn't find that role in this server.", rec.lastText(t))

	ranks, err := b.deps.Engine.ListRankTiers(context.Background(), guildID)
	require.NoError(t, err)
	assert.Empty(t, ranks)
	bl, err := b.deps.Engine.Blacklist(context.Background(), guildID)
	require.NoError(t, err)
	assert.Empty(t, bl.UserIDs)
	page, err := b.deps.Engine.LeaderboardPage(context.Background(), guildID, 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
}

func TestVoiceMoveIntoBlacklistedChannel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	voice := func(channelID string, before *discordgo.VoiceState) *discordgo.VoiceStateUpdate {
		return &discordgo.VoiceStateUpdate{
			VoiceState:   &discordgo.VoiceState{GuildID: guildID, UserID: userID, ChannelID: channelID},
			BeforeUpdate: before,
		}
	}
	was := func(channelID string) *discordgo.VoiceState {
		return &discordgo.VoiceState{GuildID: guildID, UserID: userID, ChannelID: channelID}
	}
	ref := progression.MemberRef{GuildID: guildID, UserID: userID}

	tests := []struct {
		name   string
		target string
		wantXP int64
	}{
		{"move into a blacklisted channel", "afk", 0},
		{"move into an allowed channel", "music", 125},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b := newTestBot(t)
			_, err := b.deps.Engine.ToggleChannelBlacklist(ctx, guildID, "afk")
			require.NoError(t, err)

			ev := NewEvents(ctx, b.deps, b.router)
			now := start
			ev.now = func() time.Time { return now }

			ev.onVoiceStateUpdate(nil, voice("lobby", nil))
			now = start.Add(125 * time.Minute)
			ev.onVoiceStateUpdate(nil, voice(tt.target, was("lobby")))

			standing, err := b.deps.Engine.Standing(ctx, ref)
			require.NoError(t, err)
			assert.Equal(t, tt.wantXP, standing.XP)
		})
	}
}

func TestBlacklistCommand(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)

	rec := b.run(t, adminID, true, "$blacklist <#400000000000000004>")
	assert.Equal(t, "<#400000000000000004> has been blacklisted.", rec.lastText(t))

	rec = b.run(t, adminID, true, "$bl "+userID)
	assert.Equal(t, "<@"+userID+"> has been blacklisted.", rec.lastText(t))

	rec = b.run(t, adminID, true, "$bl")
	fields := rec.lastEmbed(t).Fields
	require.Len(t, fields, 2)
	assert.Equal(t, "<#400000000000000004>", fields[0].Value)
	assert.Equal(t, "<@"+userID+">", fields[1].Value)

	rec = b.run(t, userID, false, "$level <@"+userID+">")
	assert.Contains(t, rec.lastText(t), "blacklisted")

	rec = b.run(t, adminID, true, "$bl <#400000000000000004>")
	assert.Contains(t, rec.lastText(t), "unblacklisted")

	rec = b.run(t, adminID, true, "$bl everyone")
	assert.Equal(t, "Please specify a member or channel to blacklist.", rec.lastText(t))
}

func TestLeaderboardCommand(t *testing.T) {
	t.Parallel()
	b := newTestBot(t)
	ctx := context.Background()
	for i, xp := range []int64{50, 400, 16} {
		ref := progression.MemberRef{GuildID: guildID, UserID: []string{"a", "b", "c"}[i]}
		_, err := b.deps.Engine.SetXP(ctx, ref, xp)
		require.NoError(t, err)
	}

	embed := b.run(t, userID, false, "$lb").lastEmbed(t)
	assert.Equal(t, "Leaderboard - Page 1", embed.Title)
	assert.Equal(t, "**#1** <@b> - Level 5 - 400 XP\n**#2** <@a> - Level 1 - 50 XP", embed.Description)
	assert.Equal(t, "Viewing page 1 of 2", embed.Footer.Text)

	embed = b.run(t, userID, false, "$leaderboard 2").lastEmbed(t)
	assert.Equal(t, "**#3** <@c> - Level 1 - 16 XP", embed.Description)

	embed = b.run(t, userID, false, "$lb 9").lastEmbed(t)
	assert.Equal(t, "Leaderboard - Page 1", embed.Title, "pages past the end fall back to the first")
}

func TestLeaderboardEmbedEmpty(t *testing.T) {
	t.Parallel()
	embed := LeaderboardEmbed(progression.LeaderboardPage{Page: 1, TotalPages: 1})
	assert.Equal(t, "Nobody has earned any XP yet.", embed.Description)
}
