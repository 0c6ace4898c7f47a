/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package model

import "time"

// PinningRecord is the persisted pairing state for one Auditee, keyed by the
// SHA-256 fingerprint of its persistent signing certificate. The version and
// patch level fields only ever move forward for the lifetime of the record;
// the verified boot key and security level never change at all.
type PinningRecord struct {
	Fingerprint      []byte
	Chain            [][]byte // DER certificates, index 0 = persistent leaf
	VerifiedBootKey  string   // upper-case hex
	OSVersion        int
	OSPatchLevel     int
	VendorPatchLevel int
	BootPatchLevel   int
	AppVersion       int
	AppVariant       int
	SecurityLevel    int
	FirstVerified    time.Time
	LastVerified     time.Time
}
