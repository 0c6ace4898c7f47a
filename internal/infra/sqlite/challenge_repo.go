/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/attestd/attestd/internal/domain"
	"github.com/attestd/attestd/internal/domain/model"
)

// ChallengeRepository implements service.ChallengeRepository backed by SQLite.
type ChallengeRepository struct {
	db *sql.DB
}

func NewChallengeRepository(db *sql.DB) *ChallengeRepository {
	return &ChallengeRepository{db: db}
}

func (r *ChallengeRepository) Create(ctx context.Context, c *model.Challenge) (int64, error) {
	const q = `INSERT INTO challenges (challenge, expired_at) VALUES (?, ?)`

	res, err := r.db.ExecContext(ctx, q, c.Challenge, c.ExpiredAt)
	if err != nil {
		return 0, fmt.Errorf("failed to create challenge: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get challenge id: %w", err)
	}
	return id, nil
}

func (r *ChallengeRepository) FindByChallenge(ctx context.Context, challengeBytes []byte) (*model.Challenge, error) {
	const q = `
		SELECT id, challenge, created_at, expired_at, consumed
		FROM challenges WHERE challenge = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, q, challengeBytes))
}

func (r *ChallengeRepository) FindByID(ctx context.Context, id int64) (*model.Challenge, error) {
	const q = `
		SELECT id, challenge, created_at, expired_at, consumed
		FROM challenges WHERE id = ?`
	return r.scanOne(r.db.QueryRowContext(ctx, q, id))
}

func (r *ChallengeRepository) scanOne(row *sql.Row) (*model.Challenge, error) {
	c := &model.Challenge{}
	err := row.Scan(&c.ID, &c.Challenge, &c.CreatedAt, &c.ExpiredAt, &c.Consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find challenge: %w", err)
	}
	return c, nil
}

func (r *ChallengeRepository) MarkConsumed(ctx context.Context, id int64) error {
	const q = `UPDATE challenges SET consumed = 1 WHERE id = ? AND consumed = 0`

	res, err := r.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("failed to mark challenge consumed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to mark challenge consumed: %w", err)
	}
	if n == 0 {
		// Nothing updated: either the id does not exist or the challenge
		// was consumed earlier.
		if _, err := r.FindByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConsumed
	}
	return nil
}
