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

	"github.com/fxamacker/cbor/v2"

	"github.com/attestd/attestd/internal/domain"
	"github.com/attestd/attestd/internal/domain/model"
)

// PinningRepository implements service.PinningRepository backed by SQLite.
// The pinned certificate chain is stored as a single CBOR-encoded blob of
// DER certificates so the column layout does not depend on chain length.
type PinningRepository struct {
	db *sql.DB
}

func NewPinningRepository(db *sql.DB) *PinningRepository {
	return &PinningRepository{db: db}
}

func (r *PinningRepository) FindByFingerprint(ctx context.Context, fingerprint []byte) (*model.PinningRecord, error) {
	const q = `
		SELECT fingerprint, chain, verified_boot_key,
		       os_version, os_patch_level, vendor_patch_level, boot_patch_level,
		       app_version, app_variant, security_level,
		       first_verified, last_verified
		FROM pinned_devices WHERE fingerprint = ?`

	rec := &model.PinningRecord{}
	var chainBlob []byte
	err := r.db.QueryRowContext(ctx, q, fingerprint).Scan(
		&rec.Fingerprint, &chainBlob, &rec.VerifiedBootKey,
		&rec.OSVersion, &rec.OSPatchLevel, &rec.VendorPatchLevel, &rec.BootPatchLevel,
		&rec.AppVersion, &rec.AppVariant, &rec.SecurityLevel,
		&rec.FirstVerified, &rec.LastVerified,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find pinning record: %w", err)
	}

	if err := cbor.Unmarshal(chainBlob, &rec.Chain); err != nil {
		return nil, fmt.Errorf("failed to decode pinned chain: %w", err)
	}
	return rec, nil
}

func (r *PinningRepository) Create(ctx context.Context, rec *model.PinningRecord) error {
	chainBlob, err := cbor.Marshal(rec.Chain)
	if err != nil {
		return fmt.Errorf("failed to encode pinned chain: %w", err)
	}

	const q = `
		INSERT INTO pinned_devices (
			fingerprint, chain, verified_boot_key,
			os_version, os_patch_level, vendor_patch_level, boot_patch_level,
			app_version, app_variant, security_level,
			first_verified, last_verified
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = r.db.ExecContext(ctx, q,
		rec.Fingerprint, chainBlob, rec.VerifiedBootKey,
		rec.OSVersion, rec.OSPatchLevel, rec.VendorPatchLevel, rec.BootPatchLevel,
		rec.AppVersion, rec.AppVariant, rec.SecurityLevel,
		rec.FirstVerified, rec.LastVerified,
	)
	if err != nil {
		return fmt.Errorf("failed to create pinning record: %w", err)
	}
	return nil
}

func (r *PinningRepository) Update(ctx context.Context, rec *model.PinningRecord) error {
	const q = `
		UPDATE pinned_devices SET
			os_version = ?, os_patch_level = ?,
			vendor_patch_level = ?, boot_patch_level = ?,
			app_version = ?, app_variant = ?,
			last_verified = ?
		WHERE fingerprint = ?`

	res, err := r.db.ExecContext(ctx, q,
		rec.OSVersion, rec.OSPatchLevel,
		rec.VendorPatchLevel, rec.BootPatchLevel,
		rec.AppVersion, rec.AppVariant,
		rec.LastVerified, rec.Fingerprint,
	)
	if err != nil {
		return fmt.Errorf("failed to update pinning record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to update pinning record: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *PinningRepository) DeleteByFingerprint(ctx context.Context, fingerprint []byte) error {
	const q = `DELETE FROM pinned_devices WHERE fingerprint = ?`

	res, err := r.db.ExecContext(ctx, q, fingerprint)
	if err != nil {
		return fmt.Errorf("failed to delete pinning record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to delete pinning record: %w", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}
