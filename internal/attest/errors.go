/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"errors"
	"fmt"
)

// Kind classifies verification failures so callers can distinguish malformed
// input from policy rejections and pairing state problems.
type Kind int

const (
	// KindMalformedMessage covers structurally invalid protocol messages.
	KindMalformedMessage Kind = iota + 1
	// KindEncodingTooLarge is returned when a certificate chain cannot be
	// serialized within the protocol limits.
	KindEncodingTooLarge
	// KindChainTooLarge is returned when a compressed chain inflates past
	// the maximum plaintext size.
	KindChainTooLarge
	// KindMalformedChain covers undecodable or unparsable certificate data.
	KindMalformedChain
	// KindPolicyViolation covers every stateless verification failure, from
	// untrusted roots to version floors.
	KindPolicyViolation
	// KindPairingState is returned when the message claims a pairing that
	// this Auditor has no record of.
	KindPairingState
	// KindDowngrade is returned when a paired device reports weaker values
	// than the pinned baseline.
	KindDowngrade
	// KindStore wraps persistence failures.
	KindStore
)

func (k Kind) String() string {
	switch k {
	case KindMalformedMessage:
		return "malformed message"
	case KindEncodingTooLarge:
		return "encoding too large"
	case KindChainTooLarge:
		return "chain too large"
	case KindMalformedChain:
		return "malformed chain"
	case KindPolicyViolation:
		return "policy violation"
	case KindPairingState:
		return "pairing state error"
	case KindDowngrade:
		return "downgrade detected"
	case KindStore:
		return "store error"
	default:
		return "unknown error"
	}
}

// Error is the failure type returned by the verification engine.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an attestation Error of the given kind.
func IsKind(err error, k Kind) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Kind == k
}

func newErr(k Kind, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...)}
}

func wrapErr(k Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: k, Msg: fmt.Sprintf(format, args...), Err: err}
}
