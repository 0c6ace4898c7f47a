/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFormatOSVersion(t *testing.T) {
	assert.Equal(t, "15.0.0", formatOSVersion(150000))
	assert.Equal(t, "10.2.3", formatOSVersion(100203))
	assert.Equal(t, "0.0.0", formatOSVersion(0))
}

func TestFormatPatchLevel(t *testing.T) {
	assert.Equal(t, "2025-08", formatPatchLevel(202508))
	assert.Equal(t, "2025-08-05", formatPatchLevel(20250805))
}

func TestSplitFingerprint(t *testing.T) {
	assert.Equal(t, "0001-0203", splitFingerprint([]byte{0x00, 0x01, 0x02, 0x03}))
	assert.Equal(t, "AABB-CC", splitFingerprint([]byte{0xaa, 0xbb, 0xcc}))
}

func TestOSEnforcedReportAdminStates(t *testing.T) {
	v := &Verified{AppVersion: 50}

	report := osEnforcedReport(v, FlagDeviceAdmin)
	assert.Contains(t, report, "only system apps")

	report = osEnforcedReport(v, FlagDeviceAdmin|FlagDeviceAdminNonSystem)
	assert.Contains(t, report, "with non-system apps")

	report = osEnforcedReport(v, 0)
	assert.Contains(t, report, "Device administrator(s) enabled: no")
}
