/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// formatOSVersion renders the packed AAMMPP integer as "A.M.P".
func formatOSVersion(v int) string {
	return fmt.Sprintf("%d.%d.%d", v/10000, (v%10000)/100, v%100)
}

// formatPatchLevel renders YYYYMM or YYYYMMDD patch levels as dates.
func formatPatchLevel(p int) string {
	if p >= 10000000 {
		return fmt.Sprintf("%04d-%02d-%02d", p/10000, (p%10000)/100, p%100)
	}
	return fmt.Sprintf("%04d-%02d", p/100, p%100)
}

// splitFingerprint renders a fingerprint as dash-separated groups of four
// hex digits for manual comparison.
func splitFingerprint(fingerprint []byte) string {
	h := strings.ToUpper(hex.EncodeToString(fingerprint))
	groups := make([]string, 0, (len(h)+3)/4)
	for i := 0; i < len(h); i += 4 {
		end := i + 4
		if end > len(h) {
			end = len(h)
		}
		groups = append(groups, h[i:end])
	}
	return strings.Join(groups, "-")
}

func teeEnforcedReport(v *Verified, fingerprint []byte) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Device: %s\n", v.Device)
	fmt.Fprintf(&b, "OS: %s\n", v.OSName)
	fmt.Fprintf(&b, "OS version: %s\n", formatOSVersion(v.OSVersion))
	fmt.Fprintf(&b, "OS patch level: %s\n", formatPatchLevel(v.OSPatchLevel))
	if v.VendorPatchLevel != 0 {
		fmt.Fprintf(&b, "Vendor patch level: %s\n", formatPatchLevel(v.VendorPatchLevel))
	}
	if v.BootPatchLevel != 0 {
		fmt.Fprintf(&b, "Boot patch level: %s\n", formatPatchLevel(v.BootPatchLevel))
	}
	fmt.Fprintf(&b, "Security level: %s\n", v.SecurityLevel)
	if v.AttestKey {
		b.WriteString("Attest key: yes\n")
	}
	if len(v.VerifiedBootHash) > 0 {
		fmt.Fprintf(&b, "Verified boot hash: %s\n", strings.ToUpper(hex.EncodeToString(v.VerifiedBootHash)))
	}
	fmt.Fprintf(&b, "Identity: %s\n", splitFingerprint(fingerprint))
	return b.String()
}

func osEnforcedReport(v *Verified, flags OSEnforcedFlags) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Auditor app version: %d\n", v.AppVersion)
	fmt.Fprintf(&b, "User profile secure: %s\n", yesNo(flags.Has(FlagUserProfileSecure)))
	fmt.Fprintf(&b, "Enrolled biometrics: %s\n", yesNo(flags.Has(FlagEnrolledBiometrics)))
	fmt.Fprintf(&b, "Accessibility service(s) enabled: %s\n", yesNo(flags.Has(FlagAccessibility)))

	if flags.Has(FlagDeviceAdmin) {
		if flags.Has(FlagDeviceAdminNonSystem) {
			b.WriteString("Device administrator(s) enabled: yes, with non-system apps\n")
		} else {
			b.WriteString("Device administrator(s) enabled: yes, but only system apps\n")
		}
	} else {
		b.WriteString("Device administrator(s) enabled: no\n")
	}

	fmt.Fprintf(&b, "Android Debug Bridge enabled: %s\n", yesNo(flags.Has(FlagADBEnabled)))
	fmt.Fprintf(&b, "Add users from lock screen: %s\n", yesNo(flags.Has(FlagAddUsersWhenLocked)))
	fmt.Fprintf(&b, "Disallow new USB peripherals when locked: %s\n", yesNo(flags.Has(FlagDenyNewUSB)))
	fmt.Fprintf(&b, "OEM unlocking allowed: %s\n", yesNo(flags.Has(FlagOEMUnlockAllowed)))
	fmt.Fprintf(&b, "Main user account: %s\n", yesNo(flags.Has(FlagSystemUser)))
	return b.String()
}

func historyReport(first, last time.Time) string {
	return fmt.Sprintf("First verified: %s\nLast verified: %s\n",
		first.UTC().Format(time.RFC3339), last.UTC().Format(time.RFC3339))
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}
