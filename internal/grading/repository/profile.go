package repository

import (
	"context"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"leetlabs/internal/common/cache"
	"leetlabs/internal/common/db"
)

const (
	defaultTimezoneTTL = time.Hour
	timezoneKeyPrefix  = "grading:tz:"
	utcName            = "UTC"
)

// ProfileRepository reads the user settings the grading service depends on.
type ProfileRepository interface {
	// Location returns the user's timezone, UTC when unknown or invalid.
	Location(ctx context.Context, userID int64) (*time.Location, error)
}

// MySQLProfileRepository reads user_profiles.
type MySQLProfileRepository struct {
	db    db.Database
	cache cache.Cache
	ttl   time.Duration
}

func NewProfileRepository(database db.Database, cacheClient cache.Cache) *MySQLProfileRepository {
	return &MySQLProfileRepository{db: database, cache: cacheClient, ttl: defaultTimezoneTTL}
}

func (r *MySQLProfileRepository) Location(ctx context.Context, userID int64) (*time.Location, error) {
	load := func(ctx context.Context) (string, error) {
		var name string
		err := r.db.QueryRow(ctx, "SELECT timezone FROM user_profiles WHERE user_id = ? LIMIT 1", userID).Scan(&name)
		if err != nil {
			if db.IsNoRows(err) {
				return utcName, nil
			}
			return "", err
		}
		return name, nil
	}

	var name string
	var err error
	if r.cache != nil {
		name, err = cache.GetWithCached[string](
			ctx,
			r.cache,
			timezoneKeyPrefix+strconv.FormatInt(userID, 10),
			cache.JitterTTL(r.ttl),
			cache.JitterTTL(r.ttl),
			func(s string) bool { return s == "" },
			func(s string) string { return s },
			func(s string) (string, error) { return s, nil },
			load,
		)
	} else {
		name, err = load(ctx)
	}
	if err != nil {
		return nil, err
	}
	return LoadLocation(name), nil
}

// LoadLocation resolves an IANA zone name, falling back to UTC.
func LoadLocation(name string) *time.Location {
	name = strings.TrimSpace(name)
	if name == "" || strings.EqualFold(name, utcName) {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}
