package progression

import (
	"context"
)

const (
	// DefaultPageSize is used when a caller asks for a non-positive size.
	DefaultPageSize = 10
	// MaxPageSize caps leaderboard page sizes.
	MaxPageSize = 50
)

// LeaderboardEntry is one ranked member on a leaderboard page.
type LeaderboardEntry struct {
	Position int    `json:"position"`
	UserID   string `json:"user_id"`
	XP       int64  `json:"xp"`
	Level    int64  `json:"level"`
}

// LeaderboardPage is one page of a guild leaderboard.
type LeaderboardPage struct {
	GuildID    string             `json:"guild_id"`
	Page       int                `json:"page"`
	PageSize   int                `json:"page_size"`
	TotalPages int                `json:"total_pages"`
	Total      int64              `json:"total"`
	Entries    []LeaderboardEntry `json:"entries"`
}

// LeaderboardCache fronts leaderboard queries. Fetch returns a cached page
// or calls load and caches its result.
type LeaderboardCache interface {
	Fetch(ctx context.Context, guildID string, page, pageSize int,
		load func(ctx context.Context) (LeaderboardPage, error)) (LeaderboardPage, error)
	Invalidate(ctx context.Context, guildID string) error
}

func normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	switch {
	case pageSize <= 0:
		pageSize = DefaultPageSize
	case pageSize > MaxPageSize:
		pageSize = MaxPageSize
	}
	return page, pageSize
}

func totalPages(total int64, pageSize int) int {
	if total <= 0 {
		return 1
	}
	return int((total + int64(pageSize) - 1) / int64(pageSize))
}
