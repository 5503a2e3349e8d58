package postgres

import (
	"context"
	"errors"
	"strings"
	"time"

	ppostgres "github.com/minestore/api/internal/platform/postgres"
	"github.com/minestore/api/internal/repositories"
)

// PlayerRepository resolves purchasers to their linked game accounts.
type PlayerRepository struct {
	provider *ppostgres.Provider
}

var (
	_ repositories.PlayerDirectory = (*PlayerRepository)(nil)
	_ repositories.PlayerLinker    = (*PlayerRepository)(nil)
)

// NewPlayerRepository constructs a Postgres-backed player directory.
func NewPlayerRepository(provider *ppostgres.Provider) (*PlayerRepository, error) {
	if provider == nil {
		return nil, errors.New("player repository requires postgres provider")
	}
	return &PlayerRepository{provider: provider}, nil
}

// ResolveUsername returns the linked in-game username.
func (r *PlayerRepository) ResolveUsername(ctx context.Context, userID string) (string, error) {
	db, err := r.provider.DB(ctx)
	if err != nil {
		return "", err
	}
	var username string
	if err := db.QueryRow(ctx, `SELECT username FROM player_accounts WHERE user_id = $1`, userID).Scan(&username); err != nil {
		return "", ppostgres.WrapError("players.resolve", err)
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", ppostgres.NotFound("players.resolve", errors.New("linked username is empty"))
	}
	return username, nil
}

// LinkPlayer records or replaces the username linked to userID.
func (r *PlayerRepository) LinkPlayer(ctx context.Context, userID, username string, at time.Time) error {
	userID = strings.TrimSpace(userID)
	username = strings.TrimSpace(username)
	if userID == "" || username == "" {
		return errors.New("players: user id and username are required")
	}
	db, err := r.provider.DB(ctx)
	if err != nil {
		return err
	}
	_, err = db.Exec(ctx, `
		INSERT INTO player_accounts (user_id, username, linked_at) VALUES ($1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET username = EXCLUDED.username, linked_at = EXCLUDED.linked_at`,
		userID, username, at.UTC())
	return ppostgres.WrapError("players.link", err)
}
