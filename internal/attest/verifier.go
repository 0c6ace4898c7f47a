/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"bytes"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/attestd/attestd/internal/util"
)

// App identity accepted by the verifier. The digests are the SHA-256
// hashes of the APK signing certificates for each build variant.
const (
	appPackageNameRelease = "app.attestation.auditor"
	appPackageNamePlay    = "app.attestation.auditor.play"
	appPackageNameDebug   = "app.attestation.auditor.debug"

	appSignatureDigestRelease = "990E04F0864B19F14F84E0E432F7A393F297AB105A22C1E1B10B442A4A62C42C"
	appSignatureDigestPlay    = "075335BD7B54C965222B5284D2A1FDEF1198AE45EC7B09A4934287A0E3A243C7"
	appSignatureDigestDebug   = "17727D8B61D55A864936B1A7B4A2554A15151F32EBCF44CDAA6E6C3258231890"

	appMinimumVersion = 47
)

// App build variants, persisted in pairing records.
const (
	AppVariantRelease = 0
	AppVariantPlay    = 1
	AppVariantDebug   = 2
)

// Version floors for the operating system reported by the attestation.
const (
	osVersionMinimum        = 100000
	osPatchLevelMinimum     = 201909
	vendorPatchLevelMinimum = 20190905
	bootPatchLevelMinimum   = 20190905

	developerPreviewOSVersion = 0
)

// StatelessOptions configures a single stateless verification.
type StatelessOptions struct {
	// Roots holds the DER encodings of the trusted attestation root
	// certificates. The chain's final certificate must byte-equal one of
	// them.
	Roots  [][]byte
	Tables *DeviceTables
	// Debug accepts the debug app variant and developer preview OS builds.
	Debug bool
	// Now overrides the validity check time. Zero means the current time.
	Now time.Time
}

// Verified is the outcome of a successful stateless verification: the
// attested device identity and the properties the pairing engine pins.
type Verified struct {
	Device            string
	VerifiedBootKey   string
	VerifiedBootHash  []byte
	OSName            string
	OSVersion         int
	OSPatchLevel      int
	VendorPatchLevel  int
	BootPatchLevel    int
	AppVersion        int
	AppVariant        int
	SecurityLevel     SecurityLevel
	AttestKey         bool
	PerUserEncryption bool
	EnforceStrongBox  bool
}

// VerifyStateless performs the full history-independent verification of an
// attestation certificate chain against a challenge: signature chain and
// validity, trusted root, extension policy, app identity, verified boot
// state and version floors.
//
// hasPersistentKey relaxes the validity window for pinned intermediate
// certificates, which are expected to outlive their notAfter date across
// the lifetime of a pairing.
func VerifyStateless(chain []*x509.Certificate, challenge []byte, hasPersistentKey bool, opts StatelessOptions) (*Verified, error) {
	if len(chain) < 2 {
		return nil, newErr(KindPolicyViolation, "certificate chain too short")
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	if err := verifyCertificateSignatures(chain, hasPersistentKey, now); err != nil {
		return nil, err
	}

	rootDER := chain[len(chain)-1].Raw
	trusted := false
	for _, root := range opts.Roots {
		if bytes.Equal(rootDER, root) {
			trusted = true
			break
		}
	}
	if !trusted {
		return nil, newErr(KindPolicyViolation, "root certificate is not trusted")
	}

	ext, err := ParseAttestationExtension(chain[0])
	if errors.Is(err, ErrNoAttestationExtension) {
		return nil, newErr(KindPolicyViolation, "attestation certificate lacks the key attestation extension")
	}
	if err != nil {
		return nil, err
	}

	if ext.SecurityLevel != SecurityLevelTrustedEnvironment && ext.SecurityLevel != SecurityLevelStrongBox {
		return nil, newErr(KindPolicyViolation, "attestation security level %s is not hardware backed", ext.SecurityLevel)
	}
	if ext.KeymasterSecurityLevel != ext.SecurityLevel {
		return nil, newErr(KindPolicyViolation, "keymaster security level does not match attestation security level")
	}

	if !bytes.Equal(ext.Challenge, challenge) {
		return nil, newErr(KindPolicyViolation, "challenge mismatch")
	}

	appVersion, appVariant, err := verifyApplicationID(ext.SoftwareEnforced.ApplicationID, opts.Debug)
	if err != nil {
		return nil, err
	}

	tee := ext.TEEEnforced
	rot := tee.RootOfTrust
	if rot == nil {
		return nil, newErr(KindPolicyViolation, "missing root of trust")
	}
	if !rot.DeviceLocked {
		return nil, newErr(KindPolicyViolation, "device is not locked")
	}
	if rot.VerifiedBootState != VerifiedBootVerified && rot.VerifiedBootState != VerifiedBootSelfSigned {
		return nil, newErr(KindPolicyViolation, "invalid verified boot state %d", rot.VerifiedBootState)
	}

	verifiedBootKey := strings.ToUpper(hex.EncodeToString(rot.VerifiedBootKey))
	device, ok := opts.Tables.Lookup(rot.VerifiedBootState, ext.SecurityLevel, verifiedBootKey)
	if !ok {
		return nil, newErr(KindPolicyViolation, "unknown verified boot key %s", verifiedBootKey)
	}

	if tee.OSVersion == nil {
		return nil, newErr(KindPolicyViolation, "missing OS version")
	}
	osVersion := *tee.OSVersion
	if osVersion == developerPreviewOSVersion {
		if !opts.Debug {
			return nil, newErr(KindPolicyViolation, "developer preview OS build")
		}
	} else if osVersion < osVersionMinimum {
		return nil, newErr(KindPolicyViolation, "OS version %d below minimum %d", osVersion, osVersionMinimum)
	}

	if tee.OSPatchLevel == nil {
		return nil, newErr(KindPolicyViolation, "missing OS patch level")
	}
	osPatchLevel := *tee.OSPatchLevel
	if osPatchLevel < osPatchLevelMinimum {
		return nil, newErr(KindPolicyViolation, "OS patch level %d below minimum %d", osPatchLevel, osPatchLevelMinimum)
	}

	// The floors only apply when the attestation reports these levels at
	// all: older attestation versions omit the tags entirely. Absent values
	// normalize to zero for reports and pinning.
	vendorPatchLevel := 0
	if tee.VendorPatchLevel != nil {
		vendorPatchLevel = *tee.VendorPatchLevel
	}
	bootPatchLevel := 0
	if tee.BootPatchLevel != nil {
		bootPatchLevel = *tee.BootPatchLevel
	}
	if !opts.Tables.PatchLevelExempt(device.Name) {
		if tee.VendorPatchLevel != nil && vendorPatchLevel < vendorPatchLevelMinimum {
			return nil, newErr(KindPolicyViolation, "vendor patch level %d below minimum %d", vendorPatchLevel, vendorPatchLevelMinimum)
		}
		if tee.BootPatchLevel != nil && bootPatchLevel < bootPatchLevelMinimum {
			return nil, newErr(KindPolicyViolation, "boot patch level %d below minimum %d", bootPatchLevel, bootPatchLevelMinimum)
		}
	}

	if ext.AttestationVersion < device.AttestationVersion {
		return nil, newErr(KindPolicyViolation, "attestation version %d below device minimum %d", ext.AttestationVersion, device.AttestationVersion)
	}
	if ext.KeymasterVersion < device.KeymasterVersion {
		return nil, newErr(KindPolicyViolation, "keymaster version %d below device minimum %d", ext.KeymasterVersion, device.KeymasterVersion)
	}
	if ext.AttestationVersion >= 3 && len(rot.VerifiedBootHash) == 0 {
		return nil, newErr(KindPolicyViolation, "missing verified boot hash")
	}

	if !util.NewSet(tee.Purposes...).Equal(util.NewSet(PurposeSign, PurposeVerify)) {
		return nil, newErr(KindPolicyViolation, "unexpected key purposes")
	}
	if tee.Origin == nil || *tee.Origin != OriginGenerated {
		return nil, newErr(KindPolicyViolation, "key was not generated in hardware")
	}
	if tee.AllApplications {
		return nil, newErr(KindPolicyViolation, "key is usable by all applications")
	}
	if device.RollbackResistant && !tee.RollbackResistant {
		return nil, newErr(KindPolicyViolation, "key is not rollback resistant")
	}

	attestKey, err := verifyAttestKeyCompanion(chain[1], ext, hasPersistentKey, device)
	if err != nil {
		return nil, err
	}

	for i := 2; i < len(chain); i++ {
		if _, err := ParseAttestationExtension(chain[i]); !errors.Is(err, ErrNoAttestationExtension) {
			return nil, newErr(KindPolicyViolation, "unexpected key attestation extension at chain index %d", i)
		}
	}

	return &Verified{
		Device:            device.Name,
		VerifiedBootKey:   verifiedBootKey,
		VerifiedBootHash:  rot.VerifiedBootHash,
		OSName:            device.OSName,
		OSVersion:         osVersion,
		OSPatchLevel:      osPatchLevel,
		VendorPatchLevel:  vendorPatchLevel,
		BootPatchLevel:    bootPatchLevel,
		AppVersion:        appVersion,
		AppVariant:        appVariant,
		SecurityLevel:     ext.SecurityLevel,
		AttestKey:         attestKey,
		PerUserEncryption: device.PerUserEncryption,
		EnforceStrongBox:  device.EnforceStrongBox,
	}, nil
}

// verifyCertificateSignatures walks the chain verifying each certificate
// with its parent's public key and the root with its own. CheckSignature is
// used directly since the attest key certificate is not a CA and standard
// path validation would reject it.
func verifyCertificateSignatures(chain []*x509.Certificate, hasPersistentKey bool, now time.Time) error {
	for i := 1; i < len(chain); i++ {
		child, parent := chain[i-1], chain[i]
		if i == 1 || !hasPersistentKey {
			if err := checkValidity(child, now); err != nil {
				return err
			}
		}
		if err := parent.CheckSignature(child.SignatureAlgorithm, child.RawTBSCertificate, child.Signature); err != nil {
			return wrapErr(KindPolicyViolation, err, "invalid certificate signature at chain index %d", i-1)
		}
	}

	root := chain[len(chain)-1]
	if !hasPersistentKey {
		if err := checkValidity(root, now); err != nil {
			return err
		}
	}
	if err := root.CheckSignature(root.SignatureAlgorithm, root.RawTBSCertificate, root.Signature); err != nil {
		return wrapErr(KindPolicyViolation, err, "root certificate is not self-signed")
	}
	return nil
}

func checkValidity(cert *x509.Certificate, now time.Time) error {
	if now.Before(cert.NotBefore) || now.After(cert.NotAfter) {
		return newErr(KindPolicyViolation, "certificate is outside its validity window")
	}
	return nil
}

func verifyApplicationID(appID *ApplicationID, debug bool) (version, variant int, err error) {
	if appID == nil {
		return 0, 0, newErr(KindPolicyViolation, "missing attestation application id")
	}
	if len(appID.Packages) != 1 {
		return 0, 0, newErr(KindPolicyViolation, "expected exactly one attested package, got %d", len(appID.Packages))
	}
	if len(appID.SignatureDigests) != 1 {
		return 0, 0, newErr(KindPolicyViolation, "expected exactly one signature digest, got %d", len(appID.SignatureDigests))
	}

	pkg := appID.Packages[0]
	var expectedDigest string
	switch pkg.Name {
	case appPackageNameRelease:
		variant = AppVariantRelease
		expectedDigest = appSignatureDigestRelease
	case appPackageNamePlay:
		variant = AppVariantPlay
		expectedDigest = appSignatureDigestPlay
	case appPackageNameDebug:
		if !debug {
			return 0, 0, newErr(KindPolicyViolation, "debug app variant rejected by release build")
		}
		variant = AppVariantDebug
		expectedDigest = appSignatureDigestDebug
	default:
		return 0, 0, newErr(KindPolicyViolation, "unknown attested package %q", pkg.Name)
	}

	digest := strings.ToUpper(hex.EncodeToString(appID.SignatureDigests[0]))
	if digest != expectedDigest {
		return 0, 0, newErr(KindPolicyViolation, "signature digest mismatch for package %q", pkg.Name)
	}

	if pkg.Version < appMinimumVersion {
		return 0, 0, newErr(KindPolicyViolation, "app version %d below minimum %d", pkg.Version, appMinimumVersion)
	}
	return int(pkg.Version), variant, nil
}

// verifyAttestKeyCompanion checks the attest key certificate when the chain
// carries one at index 1. Its attestation must describe the same device
// state as the leaf, and on an initial pairing it must match the leaf's
// attested properties exactly.
func verifyAttestKeyCompanion(cert *x509.Certificate, leaf *AttestationExtension, hasPersistentKey bool, device DeviceInfo) (bool, error) {
	companion, err := ParseAttestationExtension(cert)
	if errors.Is(err, ErrNoAttestationExtension) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if companion.SecurityLevel != leaf.SecurityLevel {
		return false, newErr(KindPolicyViolation, "attest key security level mismatch")
	}
	if companion.KeymasterSecurityLevel != leaf.KeymasterSecurityLevel {
		return false, newErr(KindPolicyViolation, "attest key keymaster security level mismatch")
	}

	tee := companion.TEEEnforced
	leafTee := leaf.TEEEnforced
	rot, leafRot := tee.RootOfTrust, leafTee.RootOfTrust
	if rot == nil {
		return false, newErr(KindPolicyViolation, "attest key missing root of trust")
	}
	if rot.DeviceLocked != leafRot.DeviceLocked {
		return false, newErr(KindPolicyViolation, "attest key device lock state mismatch")
	}
	if rot.VerifiedBootState != leafRot.VerifiedBootState {
		return false, newErr(KindPolicyViolation, "attest key verified boot state mismatch")
	}
	if !bytes.Equal(rot.VerifiedBootKey, leafRot.VerifiedBootKey) {
		return false, newErr(KindPolicyViolation, "attest key verified boot key mismatch")
	}

	if !util.NewSet(tee.Purposes...).Equal(util.NewSet(PurposeAttestKey)) {
		return false, newErr(KindPolicyViolation, "attest key has unexpected purposes")
	}
	if tee.Origin == nil || *tee.Origin != OriginGenerated {
		return false, newErr(KindPolicyViolation, "attest key was not generated in hardware")
	}
	if tee.AllApplications {
		return false, newErr(KindPolicyViolation, "attest key is usable by all applications")
	}
	if device.RollbackResistant && !tee.RollbackResistant {
		return false, newErr(KindPolicyViolation, "attest key is not rollback resistant")
	}

	if !hasPersistentKey {
		if !bytes.Equal(companion.Challenge, leaf.Challenge) {
			return false, newErr(KindPolicyViolation, "attest key challenge mismatch")
		}
		if !applicationIDEqual(companion.SoftwareEnforced.ApplicationID, leaf.SoftwareEnforced.ApplicationID) {
			return false, newErr(KindPolicyViolation, "attest key application id mismatch")
		}
		if companion.AttestationVersion != leaf.AttestationVersion || companion.KeymasterVersion != leaf.KeymasterVersion {
			return false, newErr(KindPolicyViolation, "attest key attestation version mismatch")
		}
		if !intPtrEqual(tee.OSVersion, leafTee.OSVersion) ||
			!intPtrEqual(tee.OSPatchLevel, leafTee.OSPatchLevel) ||
			!intPtrEqual(tee.VendorPatchLevel, leafTee.VendorPatchLevel) ||
			!intPtrEqual(tee.BootPatchLevel, leafTee.BootPatchLevel) {
			return false, newErr(KindPolicyViolation, "attest key OS property mismatch")
		}
		if !bytes.Equal(rot.VerifiedBootHash, leafRot.VerifiedBootHash) {
			return false, newErr(KindPolicyViolation, "attest key verified boot hash mismatch")
		}
	}
	return true, nil
}

func applicationIDEqual(a, b *ApplicationID) bool {
	if a == nil || b == nil {
		return a == b
	}
	if len(a.Packages) != len(b.Packages) || len(a.SignatureDigests) != len(b.SignatureDigests) {
		return false
	}
	for i := range a.Packages {
		if a.Packages[i] != b.Packages[i] {
			return false
		}
	}
	for i := range a.SignatureDigests {
		if !bytes.Equal(a.SignatureDigests[i], b.SignatureDigests[i]) {
			return false
		}
	}
	return true
}

func intPtrEqual(a, b *int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
