// Package users resolves display profiles for battle participants.
package users

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/COAI-team/backend-sub000/pkg/battledto"
)

var ErrUnknownUser = errors.New("unknown user")

type PostgresDirectory struct {
	db *sql.DB
}

// NewPostgresDirectory reads profiles from the user_profiles table.
func NewPostgresDirectory(db *sql.DB) *PostgresDirectory {
	return &PostgresDirectory{db: db}
}

func (d *PostgresDirectory) Profile(ctx context.Context, userID string) (battledto.Profile, error) {
	p := battledto.Profile{UserID: userID}
	err := d.db.QueryRowContext(ctx,
		`SELECT nickname, grade FROM user_profiles WHERE user_id = $1`, userID,
	).Scan(&p.Nickname, &p.Grade)
	if errors.Is(err, sql.ErrNoRows) {
		return battledto.Profile{}, ErrUnknownUser
	}
	if err != nil {
		return battledto.Profile{}, fmt.Errorf("select user profile: %w", err)
	}
	return p, nil
}

// Upsert is used by the diagnostic tool and fixtures.
func (d *PostgresDirectory) Upsert(ctx context.Context, p battledto.Profile) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO user_profiles (user_id, nickname, grade) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET nickname = EXCLUDED.nickname, grade = EXCLUDED.grade`,
		p.UserID, p.Nickname, p.Grade)
	if err != nil {
		return fmt.Errorf("upsert user profile: %w", err)
	}
	return nil
}

// StaticDirectory is an in-memory directory for local runs and tests.
type StaticDirectory struct {
	mu       sync.RWMutex
	profiles map[string]battledto.Profile
}

func NewStaticDirectory(profiles ...battledto.Profile) *StaticDirectory {
	d := &StaticDirectory{profiles: make(map[string]battledto.Profile, len(profiles))}
	for _, p := range profiles {
		d.profiles[p.UserID] = p
	}
	return d
}

func (d *StaticDirectory) Set(p battledto.Profile) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.profiles[p.UserID] = p
}

// All lists the known profiles in no particular order.
func (d *StaticDirectory) All() []battledto.Profile {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]battledto.Profile, 0, len(d.profiles))
	for _, p := range d.profiles {
		out = append(out, p)
	}
	return out
}

func (d *StaticDirectory) Profile(_ context.Context, userID string) (battledto.Profile, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.profiles[strings.TrimSpace(userID)]
	if !ok {
		return battledto.Profile{}, ErrUnknownUser
	}
	return p, nil
}

// ParseStatic reads "id:nickname[:grade]" entries, comma separated.
func ParseStatic(raw string) *StaticDirectory {
	d := NewStaticDirectory()
	for _, item := range strings.Split(raw, ",") {
		parts := strings.Split(strings.TrimSpace(item), ":")
		if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
			continue
		}
		p := battledto.Profile{UserID: parts[0], Nickname: parts[1]}
		if len(parts) > 2 {
			_, _ = fmt.Sscanf(parts[2], "%d", &p.Grade)
		}
		d.Set(p)
	}
	return d
}
