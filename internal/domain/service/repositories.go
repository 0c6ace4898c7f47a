/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package service

import (
	"context"

	"github.com/attestd/attestd/internal/domain/model"
)

// PinningRepository defines the interface for pairing state persistence.
type PinningRepository interface {
	FindByFingerprint(ctx context.Context, fingerprint []byte) (*model.PinningRecord, error)
	Create(ctx context.Context, r *model.PinningRecord) error
	// Update applies all field changes of one verification as a single write.
	Update(ctx context.Context, r *model.PinningRecord) error
	DeleteByFingerprint(ctx context.Context, fingerprint []byte) error
}

// ChallengeRepository defines the interface for challenge persistence.
type ChallengeRepository interface {
	Create(ctx context.Context, c *model.Challenge) (int64, error)
	FindByChallenge(ctx context.Context, challengeBytes []byte) (*model.Challenge, error)
	FindByID(ctx context.Context, id int64) (*model.Challenge, error)
	MarkConsumed(ctx context.Context, id int64) error
}

// SettingRepository defines the interface for process-wide configuration
// values, such as the Auditor's challenge index.
type SettingRepository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}
