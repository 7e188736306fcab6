package progression

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/edgard/expybot/internal/database"
	apperrors "github.com/edgard/expybot/internal/errors"
)

type fakeRoles struct {
	mu   sync.Mutex
	held map[MemberRef]map[string]struct{}
	err  error
}

func newFakeRoles() *fakeRoles {
	return &fakeRoles{held: make(map[MemberRef]map[string]struct{})}
}

func (f *fakeRoles) give(ref MemberRef, roleIDs ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held[ref] == nil {
		f.held[ref] = make(map[string]struct{})
	}
	for _, id := range roleIDs {
		f.held[ref][id] = struct{}{}
	}
}

func (f *fakeRoles) roles(ref MemberRef) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.held[ref]))
	for id := range f.held[ref] {
		out = append(out, id)
	}
	return out
}

func (f *fakeRoles) HeldTierRoles(_ context.Context, ref MemberRef, tierRoleIDs []string) (map[string]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	held := make(map[string]struct{})
	for _, id := range tierRoleIDs {
		if _, ok := f.held[ref][id]; ok {
			held[id] = struct{}{}
		}
	}
	return held, nil
}

func (f *fakeRoles) Grant(_ context.Context, ref MemberRef, roleID string) error {
	f.give(ref, roleID)
	return nil
}

func (f *fakeRoles) Revoke(_ context.Context, ref MemberRef, roleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.held[ref], roleID)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []LevelUp
	err    error
}

func (f *fakeNotifier) AnnounceLevelUp(_ context.Context, event LevelUp) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func (f *fakeNotifier) levels() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int64, 0, len(f.events))
	for _, e := range f.events {
		out = append(out, e.Level)
	}
	return out
}

type fakeAudit struct {
	mu     sync.Mutex
	events []Anomaly
}

func (f *fakeAudit) RecordAnomaly(_ context.Context, event Anomaly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakeAudit) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type harness struct {
	engine   *Engine
	store    database.Store
	roles    *fakeRoles
	notifier *fakeNotifier
	audit    *fakeAudit
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := database.NewDB(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db, nil) })

	h := &harness{
		store:    database.NewStore(db, nil),
		roles:    newFakeRoles(),
		notifier: &fakeNotifier{},
		audit:    &fakeAudit{},
	}
	h.engine, err = NewEngine(Deps{
		Store:    h.store,
		Roles:    h.roles,
		Notifier: h.notifier,
		Audit:    h.audit,
	}, Options{XPIncreaseConstant: 200, BumpXP: 25, LedgerMaxAttempts: 20, PortTimeout: time.Second})
	require.NoError(t, err)
	return h
}

func (h *harness) member(t *testing.T, ref MemberRef) *database.Member {
	t.Helper()
	m, err := h.store.GetOrCreateMember(context.Background(), ref.GuildID, ref.UserID)
	require.NoError(t, err)
	return m
}

var alice = MemberRef{GuildID: "g1", UserID: "alice"}

func TestMessageAccrualEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.engine.ApplyMessageAccrual(ctx, alice, "general", 250)
	require.NoError(t, err)
	assert.Equal(t, Result{XP: 1, Level: 0, Delta: 1}, res)

	m := h.member(t, alice)
	assert.EqualValues(t, 1, m.XP)
	assert.EqualValues(t, 50, m.CharacterCarry)
	assert.Empty(t, h.notifier.levels())

	// 150 more characters complete the carried 50 into another point.
	res, err = h.engine.ApplyMessageAccrual(ctx, alice, "general", 150)
	require.NoError(t, err)
	assert.EqualValues(t, 2, res.XP)
	assert.EqualValues(t, 0, h.member(t, alice).CharacterCarry)
}

func TestBumpAccrualEndToEnd(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	res, err := h.engine.ApplyBumpAccrual(context.Background(), alice, "disboard", "bumps")
	require.NoError(t, err)
	assert.EqualValues(t, 25, res.XP)
	assert.EqualValues(t, 1, res.Level)
	assert.True(t, res.LeveledUp)

	assert.Equal(t, []int64{1}, h.notifier.levels())
	assert.Equal(t, "bumps", h.notifier.events[0].ChannelID)
	assert.EqualValues(t, 1, h.member(t, alice).LastLevelReported)
}

func TestVoiceSessionEndToEnd(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	start := time.Date(2024, 3, 1, 20, 0, 0, 0, time.UTC)

	t.Run("rewards minutes and clears the session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		require.NoError(t, h.engine.StartVoiceSession(ctx, alice, "voice", start))
		assert.True(t, h.member(t, alice).JoinedVoiceAt.Valid)

		res, err := h.engine.EndVoiceSession(ctx, alice, "voice", "", start.Add(125*time.Minute))
		require.NoError(t, err)
		assert.EqualValues(t, 125, res.Delta)
		assert.EqualValues(t, 125, res.XP)
		assert.False(t, h.member(t, alice).JoinedVoiceAt.Valid)
	})

	t.Run("blacklisted channel discards the session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		require.NoError(t, h.engine.StartVoiceSession(ctx, alice, "voice", start))
		_, err := h.engine.ToggleChannelBlacklist(ctx, "g1", "voice")
		require.NoError(t, err)

		res, err := h.engine.EndVoiceSession(ctx, alice, "voice", "", start.Add(time.Hour))
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		m := h.member(t, alice)
		assert.Zero(t, m.XP)
		assert.False(t, m.JoinedVoiceAt.Valid)
	})

	t.Run("moving into a blacklisted channel discards the session", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.engine.ToggleChannelBlacklist(ctx, "g1", "afk")
		require.NoError(t, err)

		require.NoError(t, h.engine.StartVoiceSession(ctx, alice, "lobby", start))
		res, err := h.engine.EndVoiceSession(ctx, alice, "lobby", "afk", start.Add(125*time.Minute))
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		m := h.member(t, alice)
		assert.Zero(t, m.XP)
		assert.False(t, m.JoinedVoiceAt.Valid)
	})

	t.Run("level-ups are announced in the channel left", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		require.NoError(t, h.engine.StartVoiceSession(ctx, alice, "lobby", start))
		res, err := h.engine.EndVoiceSession(ctx, alice, "lobby", "music", start.Add(30*time.Minute))
		require.NoError(t, err)
		assert.True(t, res.LeveledUp)
		require.Len(t, h.notifier.events, 1)
		assert.Equal(t, "lobby", h.notifier.events[0].ChannelID)
	})

	t.Run("joining a blacklisted channel opens nothing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.engine.ToggleChannelBlacklist(ctx, "g1", "afk")
		require.NoError(t, err)

		require.NoError(t, h.engine.StartVoiceSession(ctx, alice, "afk", start))
		assert.False(t, h.member(t, alice).JoinedVoiceAt.Valid)
	})

	t.Run("ending without a session is a no-op", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		res, err := h.engine.EndVoiceSession(ctx, alice, "voice", "", start)
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Zero(t, h.member(t, alice).XP)
	})

	t.Run("direct voice accrual", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		res, err := h.engine.ApplyVoiceAccrual(ctx, alice, 64)
		require.NoError(t, err)
		assert.EqualValues(t, 2, res.Level)
		assert.True(t, res.LeveledUp)
	})
}

func TestBlacklistedMemberEarnsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ApplyMessageAccrual(ctx, alice, "general", 120)
	require.NoError(t, err)
	on, err := h.engine.ToggleMemberBlacklist(ctx, alice)
	require.NoError(t, err)
	require.True(t, on)

	for _, apply := range []func() (Result, error){
		func() (Result, error) { return h.engine.ApplyMessageAccrual(ctx, alice, "general", 999) },
		func() (Result, error) { return h.engine.ApplyBumpAccrual(ctx, alice, "disboard", "bumps") },
		func() (Result, error) { return h.engine.ApplyVoiceAccrual(ctx, alice, 30) },
	} {
		res, err := apply()
		require.NoError(t, err)
		assert.True(t, res.Skipped)
	}

	m := h.member(t, alice)
	assert.Zero(t, m.XP)
	assert.EqualValues(t, 120, m.CharacterCarry)

	bl, err := h.engine.Blacklist(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, bl.UserIDs)
}

func TestBlacklistedChannelEarnsNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.ToggleChannelBlacklist(ctx, "g1", "spam")
	require.NoError(t, err)

	res, err := h.engine.ApplyMessageAccrual(ctx, alice, "spam", 1000)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Zero(t, h.member(t, alice).XP)

	res, err = h.engine.ApplyMessageAccrual(ctx, alice, "general", 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 5, res.XP)
}

func TestNotificationGateFiresOncePerLevel(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		_, err := h.engine.ApplyBumpAccrual(ctx, alice, "disboard", "bumps")
		require.NoError(t, err)
	}
	// 25, 50, ..., 200 XP crosses levels 1, 2 and 3.
	assert.Equal(t, []int64{1, 2, 3}, h.notifier.levels())
	assert.EqualValues(t, 3, h.member(t, alice).LastLevelReported)
}

func TestFailedAnnouncementIsRetriedOnNextAccrual(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.notifier.err = errors.New("discord down")
	res, err := h.engine.ApplyBumpAccrual(ctx, alice, "disboard", "bumps")
	require.NoError(t, err, "notification failures never fail the accrual")
	assert.False(t, res.LeveledUp)
	assert.EqualValues(t, 25, res.XP)
	assert.Zero(t, h.member(t, alice).LastLevelReported)

	h.notifier.err = nil
	res, err = h.engine.ApplyMessageAccrual(ctx, alice, "general", 10)
	require.NoError(t, err)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, []int64{1}, h.notifier.levels())
}

func TestUnannouncedLevelUpStaysPending(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	h.notifier.err = fmt.Errorf("announce: %w", ErrNoAnnounceChannel)
	res, err := h.engine.ApplyVoiceAccrual(ctx, alice, 30)
	require.NoError(t, err)
	assert.False(t, res.LeveledUp)
	assert.Zero(t, h.member(t, alice).LastLevelReported)

	h.notifier.err = nil
	res, err = h.engine.ApplyMessageAccrual(ctx, alice, "general", 10)
	require.NoError(t, err)
	assert.True(t, res.LeveledUp)
	assert.Equal(t, []int64{1}, h.notifier.levels())
	assert.EqualValues(t, 1, h.member(t, alice).LastLevelReported)
}

func TestAdminPathsAreSilent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("set level stamps without announcing", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		res, err := h.engine.SetLevel(ctx, alice, 5)
		require.NoError(t, err)
		assert.EqualValues(t, 400, res.XP)
		assert.EqualValues(t, 5, res.Level)
		assert.False(t, res.LeveledUp)
		assert.Empty(t, h.notifier.levels())
		assert.EqualValues(t, 5, h.member(t, alice).LastLevelReported)

		// Later rewards within the same level stay quiet too.
		_, err = h.engine.ApplyBumpAccrual(ctx, alice, "disboard", "bumps")
		require.NoError(t, err)
		assert.Empty(t, h.notifier.levels())
	})

	t.Run("sanction decreases without an anomaly", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.engine.SetXP(ctx, alice, 500)
		require.NoError(t, err)

		res, err := h.engine.AdjustXP(ctx, alice, -600, true)
		require.NoError(t, err)
		assert.Zero(t, res.XP, "negative results clamp to zero")
		assert.EqualValues(t, -500, res.Delta)
		h.engine.Wait()
		assert.Zero(t, h.audit.count())
		assert.Zero(t, h.member(t, alice).LastLevelReported)
	})

	t.Run("decrease on the reward path is audited", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.engine.SetXP(ctx, alice, 100)
		require.NoError(t, err)

		res, err := h.engine.AdjustXP(ctx, alice, -10, false)
		require.NoError(t, err)
		assert.EqualValues(t, 90, res.XP, "the update is never rolled back")
		h.engine.Wait()
		require.Equal(t, 1, h.audit.count())
		assert.EqualValues(t, 100, h.audit.events[0].OldXP)
		assert.EqualValues(t, 90, h.audit.events[0].NewXP)
		assert.NotEmpty(t, h.audit.events[0].ID)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		_, err := h.engine.SetXP(ctx, alice, -1)
		assert.True(t, apperrors.IsValidation(err))
		_, err = h.engine.SetLevel(ctx, alice, MaxLevel+1)
		assert.True(t, apperrors.IsValidation(err))
		_, err = h.engine.AddRankTier(ctx, "g1", -1, "roleA")
		assert.True(t, apperrors.IsValidation(err))
	})
}

func TestRewardPathsNeverDecreaseXP(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		ref := MemberRef{GuildID: "g-prop", UserID: rapid.StringMatching(`u[0-9]{1,3}`).Draw(rt, "user")}
		before, err := h.engine.Standing(ctx, ref)
		if err != nil {
			rt.Fatalf("standing: %v", err)
		}

		var res Result
		switch rapid.IntRange(0, 2).Draw(rt, "source") {
		case 0:
			res, err = h.engine.ApplyMessageAccrual(ctx, ref, "general", rapid.IntRange(0, 5000).Draw(rt, "length"))
		case 1:
			res, err = h.engine.ApplyBumpAccrual(ctx, ref, "disboard", "bumps")
		default:
			res, err = h.engine.ApplyVoiceAccrual(ctx, ref, rapid.Int64Range(0, 600).Draw(rt, "minutes"))
		}
		if err != nil {
			rt.Fatalf("accrual: %v", err)
		}
		if res.XP < before.XP {
			rt.Fatalf("xp decreased from %d to %d", before.XP, res.XP)
		}
		if c := h.member(t, ref).CharacterCarry; c < 0 || c >= 200 {
			rt.Fatalf("carry %d out of range", c)
		}
	})
	h.engine.Wait()
	assert.Zero(t, h.audit.count())
}

func TestRoleSyncConvergesOnResolvedTier(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	for level, role := range map[int64]string{0: "roleA", 5: "roleB", 10: "roleC"} {
		_, err := h.engine.AddRankTier(ctx, "g1", level, role)
		require.NoError(t, err)
	}
	h.roles.give(alice, "roleA", "unrelated")

	res, err := h.engine.SetLevel(ctx, alice, 7)
	require.NoError(t, err)
	assert.EqualValues(t, 7, res.Level)
	assert.ElementsMatch(t, []string{"roleB", "unrelated"}, h.roles.roles(alice))

	// Re-running changes nothing.
	require.NoError(t, h.engine.SyncMember(ctx, alice))
	assert.ElementsMatch(t, []string{"roleB", "unrelated"}, h.roles.roles(alice))
}

func TestRoleSyncFailureKeepsLedger(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.AddRankTier(ctx, "g1", 1, "roleA")
	require.NoError(t, err)
	h.roles.err = errors.New("missing permissions")

	res, err := h.engine.ApplyBumpAccrual(ctx, alice, "disboard", "bumps")
	require.NoError(t, err)
	assert.EqualValues(t, 25, res.XP)
	assert.EqualValues(t, 25, h.member(t, alice).XP)
	assert.Empty(t, h.roles.roles(alice))

	// The next reconcile converges once the port recovers.
	h.roles.err = nil
	n, err := h.engine.ReconcileGuild(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"roleA"}, h.roles.roles(alice))
}

func TestRankTierReplacement(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.engine.AddRankTier(ctx, "g1", 5, "roleB")
	require.NoError(t, err)
	replaced, err := h.engine.AddRankTier(ctx, "g1", 5, "roleC")
	require.NoError(t, err)
	assert.Equal(t, []Tier{{5, "roleB"}}, replaced)

	tiers, err := h.engine.ListRankTiers(ctx, "g1")
	require.NoError(t, err)
	assert.Equal(t, []Tier{{5, "roleC"}}, tiers)

	removed, err := h.engine.RemoveRankTierByRole(ctx, "g1", "roleC")
	require.NoError(t, err)
	assert.Equal(t, Tier{5, "roleC"}, removed)

	_, err = h.engine.RemoveRankTierByLevel(ctx, "g1", 5)
	assert.Equal(t, apperrors.CodeNotFound, apperrors.Code(err))
}

func TestConcurrentMessagesLoseNothing(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := h.engine.ApplyMessageAccrual(ctx, alice, "general", 150); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	m := h.member(t, alice)
	// 8 * 150 characters = 6 points with no remainder.
	assert.EqualValues(t, 6, m.XP)
	assert.EqualValues(t, 0, m.CharacterCarry)
}

func TestLeaderboardPage(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	ctx := context.Background()

	for i, user := range []string{"a", "b", "c", "d", "e"} {
		_, err := h.engine.SetXP(ctx, MemberRef{GuildID: "g1", UserID: user}, int64(100*(i+1)))
		require.NoError(t, err)
	}
	require.NoError(t, h.engine.MemberLeft(ctx, MemberRef{GuildID: "g1", UserID: "e"}))

	page, err := h.engine.LeaderboardPage(ctx, "g1", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Page)
	assert.Equal(t, 2, page.TotalPages)
	assert.EqualValues(t, 4, page.Total)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, LeaderboardEntry{Position: 1, UserID: "d", XP: 400, Level: 5}, page.Entries[0])
	assert.Equal(t, "c", page.Entries[1].UserID)

	page, err = h.engine.LeaderboardPage(ctx, "g1", 2, 2)
	require.NoError(t, err)
	require.Len(t, page.Entries, 2)
	assert.Equal(t, 3, page.Entries[0].Position)

	page, err = h.engine.LeaderboardPage(ctx, "g1", 1, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultPageSize, page.PageSize)

	require.NoError(t, h.engine.MemberJoined(ctx, MemberRef{GuildID: "g1", UserID: "e"}))
	page, err = h.engine.LeaderboardPage(ctx, "g1", 1, 1000)
	require.NoError(t, err)
	assert.Equal(t, MaxPageSize, page.PageSize)
	assert.Equal(t, "e", page.Entries[0].UserID)
}

func TestStanding(t *testing.T) {
	t.Parallel()
	h := newHarness(t)

	_, err := h.engine.SetXP(context.Background(), alice, 25)
	require.NoError(t, err)
	st, err := h.engine.Standing(context.Background(), alice)
	require.NoError(t, err)
	assert.Equal(t, Standing{XP: 25, Level: 1, NextLevelXP: 39}, st)
}

type countingCache struct {
	mu          sync.Mutex
	invalidated map[string]int
}

func (c *countingCache) Fetch(ctx context.Context, _ string, _, _ int,
	load func(ctx context.Context) (LeaderboardPage, error),
) (LeaderboardPage, error) {
	return load(ctx)
}

func (c *countingCache) Invalidate(_ context.Context, guildID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidated[guildID]++
	return nil
}

func (c *countingCache) count(guildID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated[guildID]
}

func TestRewardsInvalidateLeaderboard(t *testing.T) {
	t.Parallel()
	db, err := database.NewDB(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDB(db, nil) })

	cache := &countingCache{invalidated: make(map[string]int)}
	engine, err := NewEngine(Deps{Store: database.NewStore(db, nil), Leaderboard: cache}, Options{BumpXP: 25})
	require.NoError(t, err)
	ctx := context.Background()

	// A short message earns nothing and leaves the cache alone.
	_, err = engine.ApplyMessageAccrual(ctx, alice, "general", 10)
	require.NoError(t, err)
	assert.Zero(t, cache.count("g1"))

	_, err = engine.ApplyBumpAccrual(ctx, alice, "disboard", "bumps")
	require.NoError(t, err)
	assert.Equal(t, 1, cache.count("g1"))

	_, err = engine.ApplyVoiceAccrual(ctx, alice, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, cache.count("g1"))
}
