/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package server

import (
	"encoding/hex"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/attestd/attestd/internal/attest"
)

const (
	// A full attestation request is a challenge message plus an attestation
	// message, both small. The cap only guards against hostile bodies.
	maxRequestBodyBytes = 1 << 16

	contentTypeBinary = "application/octet-stream"
)

type handler struct {
	auditor *attest.Auditor
	logger  *log.Logger
}

type verifyResponse struct {
	Strong             bool   `json:"strong"`
	AttestKeyMigration bool   `json:"attestKeyMigration,omitempty"`
	Device             string `json:"device"`
	OSName             string `json:"osName"`
	TEEEnforced        string `json:"teeEnforced"`
	OSEnforced         string `json:"osEnforced"`
	History            string `json:"history"`
}

func newHandler(auditor *attest.Auditor, logger *log.Logger) *handler {
	return &handler{
		auditor: auditor,
		logger:  logger,
	}
}

func (h *handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/challenge":
		h.challenge(w, r)
	case r.Method == http.MethodPost && r.URL.Path == "/verify":
		h.verify(w, r)
	case r.Method == http.MethodDelete && strings.HasPrefix(r.URL.Path, "/device/"):
		h.clearDevice(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *handler) challenge(w http.ResponseWriter, r *http.Request) {
	msg, err := h.auditor.ChallengeMessage(r.Context())
	if err != nil {
		h.logger.Printf("failed to issue challenge: %v", err)
		http.Error(w, "failed to issue challenge", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", contentTypeBinary)
	w.Write(msg)
}

// verify accepts the challenge message the Auditee responded to followed by
// its attestation message, concatenated. The challenge message has a fixed
// length so no framing is needed.
func (h *handler) verify(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Content-Type") != contentTypeBinary {
		http.Error(w, "This endpoint only accepts Content-Type: application/octet-stream", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBodyBytes))
	if err != nil {
		h.logger.Printf("failed reading request body: %v", err)
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return
	}
	if len(body) <= attest.ChallengeMessageSize {
		http.Error(w, "request too short", http.StatusBadRequest)
		return
	}

	challengeMessage := body[:attest.ChallengeMessageSize]
	attestationMessage := body[attest.ChallengeMessageSize:]

	// Verify itself is idempotent for a fixed challenge, so the challenge is
	// retired here to make each issued one single-use end-to-end.
	if err := h.auditor.ConsumeChallenge(r.Context(), challengeMessage); err != nil {
		h.logger.Printf("challenge rejected: %v", err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	result, err := h.auditor.Verify(r.Context(), challengeMessage, attestationMessage)
	if err != nil {
		h.logger.Printf("verification failed: %v", err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}

	resp := verifyResponse{
		Strong:             result.Strong,
		AttestKeyMigration: result.AttestKeyMigration,
		Device:             result.Verified.Device,
		OSName:             result.Verified.OSName,
		TEEEnforced:        result.TEEEnforced,
		OSEnforced:         result.OSEnforced,
		History:            result.History,
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Printf("failed writing response: %v", err)
	}
}

func (h *handler) clearDevice(w http.ResponseWriter, r *http.Request) {
	fingerprint, err := hex.DecodeString(strings.TrimPrefix(r.URL.Path, "/device/"))
	if err != nil || len(fingerprint) != attest.FingerprintSize {
		http.Error(w, "invalid fingerprint", http.StatusBadRequest)
		return
	}
	if err := h.auditor.ClearDevice(r.Context(), fingerprint); err != nil {
		h.logger.Printf("failed to clear device: %v", err)
		http.Error(w, err.Error(), errorStatus(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func errorStatus(err error) int {
	switch {
	case attest.IsKind(err, attest.KindMalformedMessage),
		attest.IsKind(err, attest.KindEncodingTooLarge),
		attest.IsKind(err, attest.KindChainTooLarge),
		attest.IsKind(err, attest.KindMalformedChain):
		return http.StatusBadRequest
	case attest.IsKind(err, attest.KindPolicyViolation),
		attest.IsKind(err, attest.KindDowngrade):
		return http.StatusForbidden
	case attest.IsKind(err, attest.KindPairingState):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
