/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/attestd/attestd/internal/config"
	"github.com/attestd/attestd/internal/domain"
	"github.com/attestd/attestd/internal/domain/model"
	"github.com/attestd/attestd/internal/infra/sqlite"
)

const (
	defaultDBPath       = "auditor_state.db"
	defaultChallengeTTL = 10 * time.Minute

	settingChallengeIndex = "challenge_index"
)

// Auditor is the verifying side of the protocol. It issues challenges,
// verifies attestation messages against them and maintains the pinning
// database that pairs it with each Auditee.
type Auditor struct {
	cfg     config.AuditorConfig
	logger  *log.Logger
	roots   [][]byte
	tables  *DeviceTables
	db      *sql.DB
	locks   keyedMutex
	indexMu sync.Mutex
}

// VerificationResult is the outcome of a successful Verify call.
type VerificationResult struct {
	// Strong is true for a paired verification backed by the pinned key,
	// false for an initial pairing.
	Strong bool
	// AttestKeyMigration is true when a paired device moved from a
	// 4-certificate chain to a 5-certificate attest key chain.
	AttestKeyMigration bool
	Verified           *Verified
	Flags              OSEnforcedFlags
	TEEEnforced        string
	OSEnforced         string
	History            string
}

// NewAuditor builds an Auditor from configuration. tables may be nil to use
// the built-in device registry.
func NewAuditor(cfg config.AuditorConfig, tables *DeviceTables) (*Auditor, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	roots, err := parseRootsPEM(cfg.RootsPEM)
	if err != nil {
		return nil, err
	}
	if tables == nil {
		tables = NewDeviceTables()
	}
	if cfg.ChallengeTTL == 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	return &Auditor{
		cfg:    cfg,
		logger: logger,
		roots:  roots,
		tables: tables,
	}, nil
}

// Init opens the pinning database at the configured path.
func (a *Auditor) Init(ctx context.Context) error {
	path := a.cfg.DBPath
	if path == "" {
		path = defaultDBPath
	}
	return a.InitWithPath(ctx, path)
}

// InitWithPath opens the pinning database at the given path.
func (a *Auditor) InitWithPath(ctx context.Context, path string) error {
	db, err := sqlite.InitDB(ctx, path)
	if err != nil {
		return err
	}
	a.db = db
	return nil
}

// Close releases the pinning database.
func (a *Auditor) Close() error {
	return sqlite.CloseDB(a.db)
}

// ChallengeMessage issues a fresh challenge message and records the
// challenge for later freshness validation.
func (a *Auditor) ChallengeMessage(ctx context.Context) ([]byte, error) {
	index, err := a.challengeIndex(ctx)
	if err != nil {
		return nil, err
	}

	challenge := make([]byte, ChallengeSize)
	if _, err := rand.Read(challenge); err != nil {
		return nil, wrapErr(KindStore, err, "failed to generate challenge")
	}

	repo := sqlite.NewChallengeRepository(a.db)
	if _, err := repo.Create(ctx, &model.Challenge{
		Challenge: challenge,
		ExpiredAt: time.Now().Add(a.cfg.ChallengeTTL),
	}); err != nil {
		return nil, wrapErr(KindStore, err, "failed to record challenge")
	}

	return BuildChallengeMessage(index, challenge)
}

// challengeIndex returns the Auditor's long-lived challenge index,
// generating and persisting it on first use.
func (a *Auditor) challengeIndex(ctx context.Context) ([]byte, error) {
	a.indexMu.Lock()
	defer a.indexMu.Unlock()

	repo := sqlite.NewSettingRepository(a.db)
	index, err := repo.Get(ctx, settingChallengeIndex)
	if err == nil {
		return index, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, wrapErr(KindStore, err, "failed to load challenge index")
	}

	index = make([]byte, ChallengeSize)
	if _, err := rand.Read(index); err != nil {
		return nil, wrapErr(KindStore, err, "failed to generate challenge index")
	}
	if err := repo.Put(ctx, settingChallengeIndex, index); err != nil {
		return nil, wrapErr(KindStore, err, "failed to persist challenge index")
	}
	return index, nil
}

// Verify validates an attestation message against the challenge message it
// responds to, creating or advancing the pairing record for the attested
// device. It does not retire the challenge; see ConsumeChallenge.
func (a *Auditor) Verify(ctx context.Context, challengeMessage, attestationMessage []byte) (*VerificationResult, error) {
	chMsg, err := ParseChallengeMessage(challengeMessage)
	if err != nil {
		return nil, err
	}
	if _, err := a.checkChallenge(ctx, chMsg); err != nil {
		return nil, err
	}

	msg, err := ParseAttestationMessage(attestationMessage)
	if err != nil {
		return nil, err
	}
	if unknown := msg.Flags.Unknown(); unknown != 0 {
		a.logger.Printf("ignoring unknown OS enforced flag bits %#x", uint32(unknown))
	}

	chainDER, err := DecodeChain(msg.CompressedChain)
	if err != nil {
		return nil, err
	}
	chain := make([]*x509.Certificate, len(chainDER))
	for i, der := range chainDER {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, wrapErr(KindMalformedChain, err, "failed to parse certificate at chain index %d", i)
		}
		chain[i] = cert
	}

	leafFingerprint := sha256.Sum256(chain[0].Raw)
	hasPersistentKey := !bytes.Equal(leafFingerprint[:], msg.Fingerprint)

	unlock := a.locks.lock(hex.EncodeToString(msg.Fingerprint))
	defer unlock()

	pins := sqlite.NewPinningRepository(a.db)
	record, err := pins.FindByFingerprint(ctx, msg.Fingerprint)
	if errors.Is(err, domain.ErrNotFound) {
		record = nil
	} else if err != nil {
		return nil, wrapErr(KindStore, err, "failed to load pinning record")
	}
	if hasPersistentKey && record == nil {
		return nil, newErr(KindPairingState, "attestation claims a pairing this Auditor has no record of")
	}

	verified, err := VerifyStateless(chain, chMsg.Challenge, hasPersistentKey, StatelessOptions{
		Roots:  a.roots,
		Tables: a.tables,
		Debug:  a.cfg.Debug,
	})
	if err != nil {
		return nil, err
	}

	now := time.Now()
	var result *VerificationResult
	if hasPersistentKey {
		result, err = a.verifyPaired(ctx, pins, record, chainDER, msg, verified, now)
	} else {
		result, err = a.verifyFirstPairing(ctx, pins, record, chain, chainDER, msg, verified, now)
	}
	if err != nil {
		return nil, err
	}

	result.Flags = msg.Flags
	result.TEEEnforced = teeEnforcedReport(verified, msg.Fingerprint)
	result.OSEnforced = osEnforcedReport(verified, msg.Flags)
	return result, nil
}

// checkChallenge validates that a challenge message was issued by this
// Auditor and is still fresh. It does not retire the challenge: Verify stays
// idempotent for a fixed challenge, and single use is enforced by the
// transport layer through ConsumeChallenge.
func (a *Auditor) checkChallenge(ctx context.Context, chMsg *ChallengeMessage) (*model.Challenge, error) {
	index, err := a.challengeIndex(ctx)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(chMsg.Index, index) {
		return nil, newErr(KindPolicyViolation, "challenge index does not belong to this Auditor")
	}

	repo := sqlite.NewChallengeRepository(a.db)
	challenge, err := repo.FindByChallenge(ctx, chMsg.Challenge)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, newErr(KindPolicyViolation, "unknown challenge")
	}
	if err != nil {
		return nil, wrapErr(KindStore, err, "failed to load challenge")
	}
	if time.Now().After(challenge.ExpiredAt) {
		return nil, newErr(KindPolicyViolation, "challenge expired")
	}
	return challenge, nil
}

// ConsumeChallenge retires an issued challenge so each one is accepted at
// most once end-to-end. The transport layer calls this before Verify.
func (a *Auditor) ConsumeChallenge(ctx context.Context, challengeMessage []byte) error {
	chMsg, err := ParseChallengeMessage(challengeMessage)
	if err != nil {
		return err
	}
	challenge, err := a.checkChallenge(ctx, chMsg)
	if err != nil {
		return err
	}
	if err := sqlite.NewChallengeRepository(a.db).MarkConsumed(ctx, challenge.ID); err != nil {
		if errors.Is(err, domain.ErrConsumed) {
			return newErr(KindPolicyViolation, "challenge already consumed")
		}
		return wrapErr(KindStore, err, "failed to consume challenge")
	}
	return nil
}

func (a *Auditor) verifyPaired(ctx context.Context, pins *sqlite.PinningRepository, record *model.PinningRecord,
	chainDER [][]byte, msg *AttestationMessage, verified *Verified, now time.Time) (*VerificationResult, error) {

	chainOffset, pinOffset := 0, 0
	attestKeyMigration := false
	switch {
	case len(chainDER) == len(record.Chain):
	case len(chainDER) == 5 && len(record.Chain) == 4:
		// Upgrade to an attest key chain keeps the pinned intermediates.
		chainOffset = 1
		attestKeyMigration = true
	case len(chainDER) == 4 && len(record.Chain) == 5 && a.cfg.AllowAttestKeyDowngrade:
		pinOffset = 1
	default:
		return nil, newErr(KindPairingState, "certificate chain length changed from %d to %d", len(record.Chain), len(chainDER))
	}

	for i := 1 + chainOffset; i < len(chainDER); i++ {
		if !bytes.Equal(chainDER[i], record.Chain[i-chainOffset+pinOffset]) {
			return nil, newErr(KindPairingState, "certificate chain does not match pinned chain at index %d", i)
		}
	}

	persistentCert, err := x509.ParseCertificate(record.Chain[0])
	if err != nil {
		return nil, wrapErr(KindStore, err, "failed to parse pinned certificate")
	}
	pinnedFingerprint := sha256.Sum256(persistentCert.Raw)
	if !bytes.Equal(pinnedFingerprint[:], msg.Fingerprint) {
		return nil, newErr(KindPairingState, "pinned certificate does not match claimed fingerprint")
	}

	if err := verifySignature(persistentCert, msg); err != nil {
		return nil, err
	}

	if verified.VerifiedBootKey != record.VerifiedBootKey {
		return nil, newErr(KindDowngrade, "verified boot key changed")
	}
	if verified.OSVersion != developerPreviewOSVersion && verified.OSVersion < record.OSVersion {
		return nil, newErr(KindDowngrade, "OS version rolled back from %d to %d", record.OSVersion, verified.OSVersion)
	}
	if verified.OSPatchLevel < record.OSPatchLevel {
		return nil, newErr(KindDowngrade, "OS patch level rolled back from %d to %d", record.OSPatchLevel, verified.OSPatchLevel)
	}
	if verified.VendorPatchLevel < record.VendorPatchLevel {
		return nil, newErr(KindDowngrade, "vendor patch level rolled back from %d to %d", record.VendorPatchLevel, verified.VendorPatchLevel)
	}
	if verified.BootPatchLevel < record.BootPatchLevel {
		return nil, newErr(KindDowngrade, "boot patch level rolled back from %d to %d", record.BootPatchLevel, verified.BootPatchLevel)
	}
	if verified.AppVersion < record.AppVersion {
		return nil, newErr(KindDowngrade, "app version rolled back from %d to %d", record.AppVersion, verified.AppVersion)
	}
	if verified.AppVariant < record.AppVariant {
		return nil, newErr(KindDowngrade, "app variant downgraded")
	}
	if int(verified.SecurityLevel) != record.SecurityLevel {
		return nil, newErr(KindDowngrade, "security level changed")
	}

	if verified.OSVersion != developerPreviewOSVersion {
		record.OSVersion = verified.OSVersion
	}
	record.OSPatchLevel = verified.OSPatchLevel
	if verified.VendorPatchLevel != 0 {
		record.VendorPatchLevel = verified.VendorPatchLevel
	}
	if verified.BootPatchLevel != 0 {
		record.BootPatchLevel = verified.BootPatchLevel
	}
	record.AppVersion = verified.AppVersion
	record.AppVariant = verified.AppVariant
	record.LastVerified = now
	if err := pins.Update(ctx, record); err != nil {
		return nil, wrapErr(KindStore, err, "failed to update pinning record")
	}

	return &VerificationResult{
		Strong:             true,
		AttestKeyMigration: attestKeyMigration,
		Verified:           verified,
		History:            historyReport(record.FirstVerified, record.LastVerified),
	}, nil
}

func (a *Auditor) verifyFirstPairing(ctx context.Context, pins *sqlite.PinningRepository, record *model.PinningRecord,
	chain []*x509.Certificate, chainDER [][]byte, msg *AttestationMessage, verified *Verified, now time.Time) (*VerificationResult, error) {

	if record != nil {
		return nil, newErr(KindPairingState, "device is already paired")
	}
	if verified.EnforceStrongBox && verified.SecurityLevel != SecurityLevelStrongBox {
		return nil, newErr(KindPolicyViolation, "device requires a StrongBox key for pairing")
	}

	if err := verifySignature(chain[0], msg); err != nil {
		return nil, err
	}

	rec := &model.PinningRecord{
		Fingerprint:      msg.Fingerprint,
		Chain:            chainDER,
		VerifiedBootKey:  verified.VerifiedBootKey,
		OSVersion:        verified.OSVersion,
		OSPatchLevel:     verified.OSPatchLevel,
		VendorPatchLevel: verified.VendorPatchLevel,
		BootPatchLevel:   verified.BootPatchLevel,
		AppVersion:       verified.AppVersion,
		AppVariant:       verified.AppVariant,
		SecurityLevel:    int(verified.SecurityLevel),
		FirstVerified:    now,
		LastVerified:     now,
	}
	if err := pins.Create(ctx, rec); err != nil {
		return nil, wrapErr(KindStore, err, "failed to create pinning record")
	}

	return &VerificationResult{
		Strong:   false,
		Verified: verified,
		History:  historyReport(rec.FirstVerified, rec.LastVerified),
	}, nil
}

// ClearDevice forgets the pairing for a fingerprint, allowing the device to
// pair again from scratch.
func (a *Auditor) ClearDevice(ctx context.Context, fingerprint []byte) error {
	unlock := a.locks.lock(hex.EncodeToString(fingerprint))
	defer unlock()

	pins := sqlite.NewPinningRepository(a.db)
	if err := pins.DeleteByFingerprint(ctx, fingerprint); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return newErr(KindPairingState, "no pairing for fingerprint")
		}
		return wrapErr(KindStore, err, "failed to delete pinning record")
	}
	return nil
}

// verifySignature checks the trailing ECDSA signature of an attestation
// message with the public key of the given certificate.
func verifySignature(cert *x509.Certificate, msg *AttestationMessage) error {
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return newErr(KindPairingState, "attestation certificate does not hold an ECDSA key")
	}
	digest := sha256.Sum256(msg.Signed)
	if !ecdsa.VerifyASN1(pub, digest[:], msg.Signature) {
		return newErr(KindPairingState, "invalid attestation message signature")
	}
	return nil
}

func parseRootsPEM(pemBytes []byte) ([][]byte, error) {
	var roots [][]byte
	rest := pemBytes
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		roots = append(roots, block.Bytes)
	}
	if len(roots) == 0 {
		return nil, errors.New("no trusted root certificates configured")
	}
	return roots, nil
}

// keyedMutex serializes operations per pairing fingerprint so concurrent
// audits of the same device cannot race on its pinning record.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (m *keyedMutex) lock(key string) func() {
	m.mu.Lock()
	if m.locks == nil {
		m.locks = make(map[string]*sync.Mutex)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &sync.Mutex{}
		m.locks[key] = l
	}
	m.mu.Unlock()

	l.Lock()
	return l.Unlock
}
