/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

// Package attest implements the Auditor remote attestation protocol: a
// challenge/response exchange where the Auditee proves, via hardware key
// attestation, what operating system and security state it is running, and
// the Auditor pins the result for tamper detection on later audits.
package attest

import (
	"encoding/binary"
)

const (
	// ProtocolVersion is the highest protocol version this implementation
	// speaks. ProtocolVersionMinimum is the lowest it still accepts from a
	// peer. Version 4 introduced the attest key chain layout.
	ProtocolVersion        = 4
	ProtocolVersionMinimum = 4

	// ChallengeSize is the length of both the challenge index and the
	// per-audit challenge.
	ChallengeSize = 32

	// FingerprintSize is the length of the SHA-256 fingerprint identifying
	// a persistent Auditee key.
	FingerprintSize = 32

	// ChallengeMessageSize is the fixed serialized length of a challenge
	// message.
	ChallengeMessageSize = 1 + 2*ChallengeSize

	// maxEncodedChainSize bounds the concatenated length-prefixed chain
	// before compression, and the inflated size accepted after it.
	maxEncodedChainSize = 5000

	// maxMessageSize bounds a serialized attestation message so it fits in
	// the transports the protocol was designed for.
	maxMessageSize = 2953
)

// OSEnforcedFlags is the bitmask of OS-enforced security state reported by
// the Auditee alongside the hardware attestation.
type OSEnforcedFlags uint32

const (
	FlagUserProfileSecure OSEnforcedFlags = 1 << iota
	FlagAccessibility
	FlagDeviceAdmin
	FlagADBEnabled
	FlagAddUsersWhenLocked
	FlagEnrolledBiometrics
	FlagDenyNewUSB
	FlagDeviceAdminNonSystem
	FlagOEMUnlockAllowed
	FlagSystemUser

	flagsAll = FlagSystemUser<<1 - 1
)

func (f OSEnforcedFlags) Has(flag OSEnforcedFlags) bool {
	return f&flag != 0
}

// Unknown returns the bits outside the defined flag set. Unknown bits are
// tolerated for forward compatibility and reported to the caller's log.
func (f OSEnforcedFlags) Unknown() OSEnforcedFlags {
	return f &^ flagsAll
}

// ChallengeMessage is the parsed form of the Auditor's challenge.
type ChallengeMessage struct {
	MaxVersion byte
	Index      []byte
	Challenge  []byte
}

// BuildChallengeMessage serializes a challenge message: the Auditor's
// maximum protocol version, its long-lived challenge index and the fresh
// per-audit challenge.
func BuildChallengeMessage(index, challenge []byte) ([]byte, error) {
	if len(index) != ChallengeSize || len(challenge) != ChallengeSize {
		return nil, newErr(KindMalformedMessage, "challenge components must be %d bytes", ChallengeSize)
	}
	msg := make([]byte, 0, ChallengeMessageSize)
	msg = append(msg, ProtocolVersion)
	msg = append(msg, index...)
	msg = append(msg, challenge...)
	return msg, nil
}

// ParseChallengeMessage validates and splits a challenge message.
func ParseChallengeMessage(msg []byte) (*ChallengeMessage, error) {
	if len(msg) != ChallengeMessageSize {
		return nil, newErr(KindMalformedMessage, "challenge message must be %d bytes, got %d", ChallengeMessageSize, len(msg))
	}
	return &ChallengeMessage{
		MaxVersion: msg[0],
		Index:      msg[1 : 1+ChallengeSize],
		Challenge:  msg[1+ChallengeSize:],
	}, nil
}

// AttestationMessage is the parsed form of the Auditee's response. Signed
// holds the exact bytes covered by Signature.
type AttestationMessage struct {
	Version         byte
	CompressedChain []byte
	Fingerprint     []byte
	Flags           OSEnforcedFlags
	Signature       []byte
	Signed          []byte
}

// ParseAttestationMessage splits an attestation message into its fixed
// layout: version byte, length-prefixed compressed chain, fingerprint,
// OS-enforced flags and a trailing signature over everything before it.
func ParseAttestationMessage(msg []byte) (*AttestationMessage, error) {
	if len(msg) < 1+2 {
		return nil, newErr(KindMalformedMessage, "attestation message truncated")
	}
	version := msg[0]
	if version < ProtocolVersionMinimum || version > ProtocolVersion {
		return nil, newErr(KindMalformedMessage, "unsupported protocol version %d", version)
	}

	chainLen := int(binary.BigEndian.Uint16(msg[1:3]))
	rest := msg[3:]
	if len(rest) < chainLen+FingerprintSize+4 {
		return nil, newErr(KindMalformedMessage, "attestation message truncated")
	}
	compressed := rest[:chainLen]
	fingerprint := rest[chainLen : chainLen+FingerprintSize]
	flags := OSEnforcedFlags(binary.BigEndian.Uint32(rest[chainLen+FingerprintSize : chainLen+FingerprintSize+4]))

	signedLen := 1 + 2 + chainLen + FingerprintSize + 4
	signature := msg[signedLen:]
	if len(signature) == 0 {
		return nil, newErr(KindMalformedMessage, "attestation message missing signature")
	}

	if flags.Has(FlagDeviceAdminNonSystem) && !flags.Has(FlagDeviceAdmin) {
		return nil, newErr(KindMalformedMessage, "device admin non-system flag set without device admin flag")
	}

	return &AttestationMessage{
		Version:         version,
		CompressedChain: compressed,
		Fingerprint:     fingerprint,
		Flags:           flags,
		Signature:       signature,
		Signed:          msg[:signedLen],
	}, nil
}

// BuildAttestationMessage serializes the unsigned portion of an attestation
// message. The caller signs the result and appends the signature.
func BuildAttestationMessage(version byte, compressedChain, fingerprint []byte, flags OSEnforcedFlags) ([]byte, error) {
	if version < ProtocolVersionMinimum || version > ProtocolVersion {
		return nil, newErr(KindMalformedMessage, "unsupported protocol version %d", version)
	}
	if len(compressedChain) > maxEncodedChainSize {
		return nil, newErr(KindEncodingTooLarge, "compressed chain length %d exceeds %d", len(compressedChain), maxEncodedChainSize)
	}
	if len(fingerprint) != FingerprintSize {
		return nil, newErr(KindMalformedMessage, "fingerprint must be %d bytes", FingerprintSize)
	}

	msg := make([]byte, 0, 1+2+len(compressedChain)+FingerprintSize+4)
	msg = append(msg, version)
	msg = binary.BigEndian.AppendUint16(msg, uint16(len(compressedChain)))
	msg = append(msg, compressedChain...)
	msg = append(msg, fingerprint...)
	msg = binary.BigEndian.AppendUint32(msg, uint32(flags))

	if len(msg) > maxMessageSize {
		return nil, newErr(KindEncodingTooLarge, "attestation message length %d exceeds %d", len(msg), maxMessageSize)
	}
	return msg, nil
}
