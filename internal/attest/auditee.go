/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"log"

	"github.com/attestd/attestd/internal/config"
)

// KeyProvider abstracts the hardware keystore of the device being audited.
// Keys are scoped per Auditor by slot, the hex form of the Auditor's
// challenge index, so that distinct Auditors never share key material.
type KeyProvider interface {
	// HasPersistentKey reports whether a pairing key already exists for the
	// slot.
	HasPersistentKey(ctx context.Context, slot string) (bool, error)
	// ObtainAttestationChain generates the slot's key if needed and returns
	// the DER attestation certificate chain for it, freshly attested over
	// the challenge.
	ObtainAttestationChain(ctx context.Context, slot string, challenge []byte, useAttestKey, useStrongBox bool) ([][]byte, error)
	// PersistentCertificate returns the DER certificate of the slot's
	// persistent signing key.
	PersistentCertificate(ctx context.Context, slot string) ([]byte, error)
	// Sign returns an ASN.1 DER ECDSA signature over the SHA-256 digest of
	// message, made with the slot's persistent key.
	Sign(ctx context.Context, slot string, message []byte) ([]byte, error)
}

// FlagSource reports the OS-enforced security state of the device.
type FlagSource interface {
	OSEnforcedFlags(ctx context.Context) (OSEnforcedFlags, error)
}

// Auditee is the device side of the protocol. It answers a challenge
// message with a signed attestation message.
type Auditee struct {
	cfg      config.AuditeeConfig
	provider KeyProvider
	flags    FlagSource
	roots    [][]byte
	tables   *DeviceTables
	logger   *log.Logger
}

// AttestationResult is a generated attestation message, with Pairing set
// when this is the first audit for the challenging Auditor.
type AttestationResult struct {
	Pairing bool
	Message []byte
}

// NewAuditee builds an Auditee from configuration. tables may be nil to use
// the built-in device registry.
func NewAuditee(cfg config.AuditeeConfig, provider KeyProvider, flags FlagSource, tables *DeviceTables) (*Auditee, error) {
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
	return &Auditee{
		cfg:      cfg,
		provider: provider,
		flags:    flags,
		roots:    roots,
		tables:   tables,
		logger:   logger,
	}, nil
}

// GenerateAttestation answers a challenge message. The chain is verified
// locally before sending so a device in a rejectable state fails fast
// instead of burning the challenge on the Auditor.
func (a *Auditee) GenerateAttestation(ctx context.Context, challengeMessage []byte) (*AttestationResult, error) {
	chMsg, err := ParseChallengeMessage(challengeMessage)
	if err != nil {
		return nil, err
	}
	version := byte(ProtocolVersion)
	if chMsg.MaxVersion < version {
		version = chMsg.MaxVersion
		a.logger.Printf("negotiated protocol version down to %d", version)
	}
	if version < ProtocolVersionMinimum {
		return nil, newErr(KindMalformedMessage, "peer protocol version %d is no longer supported", chMsg.MaxVersion)
	}

	slot := hex.EncodeToString(chMsg.Index)
	has, err := a.provider.HasPersistentKey(ctx, slot)
	if err != nil {
		return nil, wrapErr(KindStore, err, "failed to check persistent key")
	}
	pairing := !has

	chainDER, err := a.provider.ObtainAttestationChain(ctx, slot, chMsg.Challenge, a.cfg.UseAttestKey, a.cfg.PreferStrongBox)
	if err != nil {
		return nil, wrapErr(KindStore, err, "failed to obtain attestation chain")
	}
	chain := make([]*x509.Certificate, len(chainDER))
	for i, der := range chainDER {
		cert, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, wrapErr(KindMalformedChain, err, "failed to parse certificate at chain index %d", i)
		}
		chain[i] = cert
	}

	if _, err := VerifyStateless(chain, chMsg.Challenge, !pairing, StatelessOptions{
		Roots:  a.roots,
		Tables: a.tables,
		Debug:  a.cfg.Debug,
	}); err != nil {
		return nil, err
	}

	persistentDER, err := a.provider.PersistentCertificate(ctx, slot)
	if err != nil {
		return nil, wrapErr(KindStore, err, "failed to load persistent certificate")
	}
	fingerprint := sha256.Sum256(persistentDER)

	compressed, err := EncodeChain(chainDER)
	if err != nil {
		return nil, err
	}
	flags, err := a.flags.OSEnforcedFlags(ctx)
	if err != nil {
		return nil, wrapErr(KindStore, err, "failed to collect OS enforced flags")
	}

	unsigned, err := BuildAttestationMessage(version, compressed, fingerprint[:], flags)
	if err != nil {
		return nil, err
	}
	signature, err := a.provider.Sign(ctx, slot, unsigned)
	if err != nil {
		return nil, wrapErr(KindStore, err, "failed to sign attestation message")
	}

	message := append(unsigned, signature...)
	if len(message) > maxMessageSize {
		return nil, newErr(KindEncodingTooLarge, "attestation message length %d exceeds %d", len(message), maxMessageSize)
	}
	return &AttestationResult{Pairing: pairing, Message: message}, nil
}
