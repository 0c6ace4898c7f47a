/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
)

// OID of the Android key attestation certificate extension.
var oidKeyAttestation = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 11129, 2, 1, 17}

// ErrNoAttestationExtension is returned when a certificate does not carry
// the key attestation extension.
var ErrNoAttestationExtension = errors.New("no key attestation extension")

// SecurityLevel is the KeyMint security level of a key or of the
// attestation itself.
type SecurityLevel int

const (
	SecurityLevelSoftware           SecurityLevel = 0
	SecurityLevelTrustedEnvironment SecurityLevel = 1
	SecurityLevelStrongBox          SecurityLevel = 2
)

func (l SecurityLevel) String() string {
	switch l {
	case SecurityLevelSoftware:
		return "Software"
	case SecurityLevelTrustedEnvironment:
		return "Trusted Execution Environment"
	case SecurityLevelStrongBox:
		return "StrongBox"
	default:
		return fmt.Sprintf("SecurityLevel(%d)", int(l))
	}
}

// Verified boot states reported in the root of trust.
const (
	VerifiedBootVerified   = 0
	VerifiedBootSelfSigned = 1
	VerifiedBootUnverified = 2
	VerifiedBootFailed     = 3
)

// Key purposes and origins from the KeyMint authorization tags.
const (
	PurposeSign      = 2
	PurposeVerify    = 3
	PurposeAttestKey = 7

	OriginGenerated = 0
)

// Raw ASN.1 mapping of the KeyDescription sequence. Tag numbers follow the
// KeyMint authorization list definition; absent version fields decode to -1
// so that a real value of 0 stays distinguishable.
type keyDescription struct {
	AttestationVersion       int64
	AttestationSecurityLevel asn1.Enumerated
	KeymasterVersion         int64
	KeymasterSecurityLevel   asn1.Enumerated
	AttestationChallenge     []byte
	UniqueID                 []byte
	SoftwareEnforced         authorizationList
	TeeEnforced              authorizationList
}

// The full tag set must be modeled even though the verifier only consumes a
// subset: encoding/asn1 skips every remaining optional field at the first
// tag it cannot match, so an unmodeled tag in the middle of a real
// authorization list would silently drop RootOfTrust, Origin and the rest.
type authorizationList struct {
	Purpose                   []int         `asn1:"optional,explicit,tag:1,set"`
	Algorithm                 int64         `asn1:"optional,explicit,tag:2,default:-1"`
	KeySize                   int64         `asn1:"optional,explicit,tag:3,default:-1"`
	BlockMode                 []int         `asn1:"optional,explicit,tag:4,set"`
	Digest                    []int         `asn1:"optional,explicit,tag:5,set"`
	Padding                   []int         `asn1:"optional,explicit,tag:6,set"`
	CallerNonce               asn1.RawValue `asn1:"optional,explicit,tag:7"`
	MinMacLength              int64         `asn1:"optional,explicit,tag:8,default:-1"`
	EcCurve                   int64         `asn1:"optional,explicit,tag:10,default:-1"`
	RSAPublicExponent         int64         `asn1:"optional,explicit,tag:200,default:-1"`
	MgfDigest                 []int         `asn1:"optional,explicit,tag:203,set"`
	RollbackResistance        asn1.RawValue `asn1:"optional,explicit,tag:303"`
	EarlyBootOnly             asn1.RawValue `asn1:"optional,explicit,tag:305"`
	ActiveDateTime            int64         `asn1:"optional,explicit,tag:400,default:-1"`
	OriginationExpireDateTime int64         `asn1:"optional,explicit,tag:401,default:-1"`
	UsageExpireDateTime       int64         `asn1:"optional,explicit,tag:402,default:-1"`
	UsageCountLimit           int64         `asn1:"optional,explicit,tag:405,default:-1"`
	UserSecureID              int64         `asn1:"optional,explicit,tag:502,default:-1"`
	NoAuthRequired            asn1.RawValue `asn1:"optional,explicit,tag:503"`
	UserAuthType              int64         `asn1:"optional,explicit,tag:504,default:-1"`
	AuthTimeout               int64         `asn1:"optional,explicit,tag:505,default:-1"`
	AllowWhileOnBody          asn1.RawValue `asn1:"optional,explicit,tag:506"`
	TrustedUserPresenceReq    asn1.RawValue `asn1:"optional,explicit,tag:507"`
	TrustedConfirmationReq    asn1.RawValue `asn1:"optional,explicit,tag:508"`
	UnlockDeviceReq           asn1.RawValue `asn1:"optional,explicit,tag:509"`
	AllApplications           asn1.RawValue `asn1:"optional,explicit,tag:600"`
	CreationDateTime          int64         `asn1:"optional,explicit,tag:701,default:-1"`
	Origin                    int64         `asn1:"optional,explicit,tag:702,default:-1"`
	RootOfTrust               asn1.RawValue `asn1:"optional,explicit,tag:704"`
	OSVersion                 int64         `asn1:"optional,explicit,tag:705,default:-1"`
	OSPatchLevel              int64         `asn1:"optional,explicit,tag:706,default:-1"`
	AttestationApplicationID  []byte        `asn1:"optional,explicit,tag:709"`
	AttestationIDBrand        []byte        `asn1:"optional,explicit,tag:710"`
	AttestationIDDevice       []byte        `asn1:"optional,explicit,tag:711"`
	AttestationIDProduct      []byte        `asn1:"optional,explicit,tag:712"`
	AttestationIDSerial       []byte        `asn1:"optional,explicit,tag:713"`
	AttestationIDIMEI         []byte        `asn1:"optional,explicit,tag:714"`
	AttestationIDMEID         []byte        `asn1:"optional,explicit,tag:715"`
	AttestationIDManufacturer []byte        `asn1:"optional,explicit,tag:716"`
	AttestationIDModel        []byte        `asn1:"optional,explicit,tag:717"`
	VendorPatchLevel          int64         `asn1:"optional,explicit,tag:718,default:-1"`
	BootPatchLevel            int64         `asn1:"optional,explicit,tag:719,default:-1"`
	DeviceUniqueAttestation   asn1.RawValue `asn1:"optional,explicit,tag:720"`
	IdentityCredentialKey     asn1.RawValue `asn1:"optional,explicit,tag:721"`
}

type rootOfTrustRaw struct {
	VerifiedBootKey   []byte
	DeviceLocked      bool
	VerifiedBootState asn1.Enumerated
	VerifiedBootHash  []byte `asn1:"optional"`
}

type attestationApplicationIDRaw struct {
	PackageInfos     []attestationPackageInfoRaw `asn1:"set"`
	SignatureDigests [][]byte                    `asn1:"set"`
}

type attestationPackageInfoRaw struct {
	PackageName []byte
	Version     int64
}

// RootOfTrust is the verified boot state attested by the device firmware.
type RootOfTrust struct {
	VerifiedBootKey   []byte
	DeviceLocked      bool
	VerifiedBootState int
	VerifiedBootHash  []byte
}

// PackageInfo identifies one package attested in the application id.
type PackageInfo struct {
	Name    string
	Version int64
}

// ApplicationID is the attested identity of the app that requested the key.
type ApplicationID struct {
	Packages         []PackageInfo
	SignatureDigests [][]byte
}

// AuthList is the decoded subset of a KeyMint authorization list that the
// verifier consumes. Version fields are nil when the tag was absent.
type AuthList struct {
	Purposes          []int
	RollbackResistant bool
	AllApplications   bool
	Origin            *int
	RootOfTrust       *RootOfTrust
	OSVersion         *int
	OSPatchLevel      *int
	VendorPatchLevel  *int
	BootPatchLevel    *int
	ApplicationID     *ApplicationID
}

// AttestationExtension is the decoded key attestation extension of one
// certificate.
type AttestationExtension struct {
	AttestationVersion     int
	SecurityLevel          SecurityLevel
	KeymasterVersion       int
	KeymasterSecurityLevel SecurityLevel
	Challenge              []byte
	SoftwareEnforced       AuthList
	TEEEnforced            AuthList
}

// ParseAttestationExtension extracts and decodes the key attestation
// extension from a certificate. It returns ErrNoAttestationExtension when
// the certificate does not carry one.
func ParseAttestationExtension(cert *x509.Certificate) (*AttestationExtension, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidKeyAttestation) {
			continue
		}
		var raw keyDescription
		rest, err := asn1.Unmarshal(ext.Value, &raw)
		if err != nil {
			return nil, wrapErr(KindPolicyViolation, err, "failed to parse key attestation extension")
		}
		if len(rest) != 0 {
			return nil, newErr(KindPolicyViolation, "trailing data after key attestation extension")
		}

		software, err := decodeAuthList(&raw.SoftwareEnforced)
		if err != nil {
			return nil, err
		}
		tee, err := decodeAuthList(&raw.TeeEnforced)
		if err != nil {
			return nil, err
		}

		return &AttestationExtension{
			AttestationVersion:     int(raw.AttestationVersion),
			SecurityLevel:          SecurityLevel(raw.AttestationSecurityLevel),
			KeymasterVersion:       int(raw.KeymasterVersion),
			KeymasterSecurityLevel: SecurityLevel(raw.KeymasterSecurityLevel),
			Challenge:              raw.AttestationChallenge,
			SoftwareEnforced:       *software,
			TEEEnforced:            *tee,
		}, nil
	}
	return nil, ErrNoAttestationExtension
}

func decodeAuthList(raw *authorizationList) (*AuthList, error) {
	list := &AuthList{
		Purposes:          raw.Purpose,
		RollbackResistant: len(raw.RollbackResistance.FullBytes) > 0,
		AllApplications:   len(raw.AllApplications.FullBytes) > 0,
		Origin:            optionalInt(raw.Origin),
		OSVersion:         optionalInt(raw.OSVersion),
		OSPatchLevel:      optionalInt(raw.OSPatchLevel),
		VendorPatchLevel:  optionalInt(raw.VendorPatchLevel),
		BootPatchLevel:    optionalInt(raw.BootPatchLevel),
	}

	if len(raw.RootOfTrust.FullBytes) > 0 {
		var rot rootOfTrustRaw
		rest, err := asn1.Unmarshal(raw.RootOfTrust.Bytes, &rot)
		if err != nil {
			return nil, wrapErr(KindPolicyViolation, err, "failed to parse root of trust")
		}
		if len(rest) != 0 {
			return nil, newErr(KindPolicyViolation, "trailing data after root of trust")
		}
		list.RootOfTrust = &RootOfTrust{
			VerifiedBootKey:   rot.VerifiedBootKey,
			DeviceLocked:      rot.DeviceLocked,
			VerifiedBootState: int(rot.VerifiedBootState),
			VerifiedBootHash:  rot.VerifiedBootHash,
		}
	}

	if len(raw.AttestationApplicationID) > 0 {
		appID, err := decodeApplicationID(raw.AttestationApplicationID)
		if err != nil {
			return nil, err
		}
		list.ApplicationID = appID
	}
	return list, nil
}

func decodeApplicationID(der []byte) (*ApplicationID, error) {
	var raw attestationApplicationIDRaw
	rest, err := asn1.Unmarshal(der, &raw)
	if err != nil {
		return nil, wrapErr(KindPolicyViolation, err, "failed to parse attestation application id")
	}
	if len(rest) != 0 {
		return nil, newErr(KindPolicyViolation, "trailing data after attestation application id")
	}

	appID := &ApplicationID{SignatureDigests: raw.SignatureDigests}
	for _, pkg := range raw.PackageInfos {
		appID.Packages = append(appID.Packages, PackageInfo{
			Name:    string(pkg.PackageName),
			Version: pkg.Version,
		})
	}
	return appID, nil
}

func optionalInt(v int64) *int {
	if v == -1 {
		return nil
	}
	i := int(v)
	return &i
}
