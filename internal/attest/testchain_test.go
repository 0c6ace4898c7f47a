/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"encoding/pem"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"
)

// Test device identity shared by the engine tests.
var (
	testBootKey  = bytesRepeat(0xb0, 32)
	testBootHash = bytesRepeat(0xb1, 32)
)

func bytesRepeat(b byte, n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = b
	}
	return out
}

func testDeviceTables() *DeviceTables {
	key := strings.ToUpper(hex.EncodeToString(testBootKey))
	info := DeviceInfo{
		Name:               "Test Device",
		AttestationVersion: 3,
		KeymasterVersion:   4,
		PerUserEncryption:  true,
		OSName:             "TestOS",
	}
	return NewDeviceTables(DeviceTableSet{
		SelfSigned: map[string]DeviceInfo{key: info},
		SelfSignedStrongBox: map[string]DeviceInfo{key: func() DeviceInfo {
			i := info
			i.EnforceStrongBox = true
			return i
		}()},
	})
}

// testAuthority issues attestation chains the way a device keystore would:
// a self-signed root, two intermediates and per-request leaf certificates,
// matching the 4-certificate layout of real attestation chains.
type testAuthority struct {
	t        *testing.T
	rootKey  *ecdsa.PrivateKey
	im1Key   *ecdsa.PrivateKey
	im2Key   *ecdsa.PrivateKey
	rootCert *x509.Certificate
	im1Cert  *x509.Certificate
	im2Cert  *x509.Certificate
	serial   int64
	mu       sync.Mutex
}

func newTestAuthority(t *testing.T) *testAuthority {
	t.Helper()
	a := &testAuthority{t: t, serial: 1000}
	a.rootKey = newECKey(t)
	a.im1Key = newECKey(t)
	a.im2Key = newECKey(t)

	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "Test Attestation Root"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &a.rootKey.PublicKey, a.rootKey)
	if err != nil {
		t.Fatalf("failed to create root certificate: %v", err)
	}
	a.rootCert = parseCert(t, rootDER)

	im1Tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(2),
		Subject:               pkix.Name{CommonName: "Test Attestation Intermediate 1"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	im1DER, err := x509.CreateCertificate(rand.Reader, im1Tmpl, a.rootCert, &a.im1Key.PublicKey, a.rootKey)
	if err != nil {
		t.Fatalf("failed to create intermediate certificate: %v", err)
	}
	a.im1Cert = parseCert(t, im1DER)

	im2Tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(3),
		Subject:               pkix.Name{CommonName: "Test Attestation Intermediate 2"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	im2DER, err := x509.CreateCertificate(rand.Reader, im2Tmpl, a.im1Cert, &a.im2Key.PublicKey, a.im1Key)
	if err != nil {
		t.Fatalf("failed to create intermediate certificate: %v", err)
	}
	a.im2Cert = parseCert(t, im2DER)
	return a
}

func (a *testAuthority) rootsPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: a.rootCert.Raw})
}

func (a *testAuthority) nextSerial() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.serial++
	return big.NewInt(a.serial)
}

// extensionParams drives the synthetic key attestation extension. Zero
// values mean "use the test device defaults".
type extensionParams struct {
	attestationVersion int
	keymasterVersion   int
	securityLevel      SecurityLevel
	kmSecurityLevel    *SecurityLevel
	challenge          []byte
	purposes           []int
	origin             int
	allApplications    bool
	rollbackResistant  bool
	noRootOfTrust      bool
	deviceLocked       bool
	bootState          int
	bootKey            []byte
	bootHash           []byte
	osVersion          int
	osPatchLevel       int
	vendorPatchLevel   int
	bootPatchLevel     int
	noAppID            bool
	packageName        string
	packageVersion     int64
	signatureDigest    []byte
	extraDigest        bool
}

func defaultExtensionParams(challenge []byte) extensionParams {
	digest, _ := hex.DecodeString(appSignatureDigestRelease)
	return extensionParams{
		attestationVersion: 3,
		keymasterVersion:   4,
		securityLevel:      SecurityLevelTrustedEnvironment,
		challenge:          challenge,
		purposes:           []int{PurposeSign, PurposeVerify},
		origin:             OriginGenerated,
		deviceLocked:       true,
		bootState:          VerifiedBootSelfSigned,
		bootKey:            testBootKey,
		bootHash:           testBootHash,
		osVersion:          150000,
		osPatchLevel:       202508,
		vendorPatchLevel:   20250805,
		bootPatchLevel:     20250805,
		packageName:        appPackageNameRelease,
		packageVersion:     50,
		signatureDigest:    digest,
	}
}

func attestKeyExtensionParams(challenge []byte) extensionParams {
	p := defaultExtensionParams(challenge)
	p.purposes = []int{PurposeAttestKey}
	return p
}

func buildKeyDescription(t *testing.T, p extensionParams) []byte {
	t.Helper()

	kmLevel := p.securityLevel
	if p.kmSecurityLevel != nil {
		kmLevel = *p.kmSecurityLevel
	}

	// Software enforced list with the creation timestamp real keystores
	// always record alongside the application id.
	software := explicitTag(t, 701, derInt(t, time.Now().UnixMilli()))
	if !p.noAppID {
		appID := derSequence(t,
			append(derSet(t, derSequence(t,
				append(derOctet(t, []byte(p.packageName)), derInt(t, p.packageVersion)...))),
				derSet(t, appIDDigests(t, p)...)...))
		software = append(software, explicitTag(t, 709, derOctet(t, appID))...)
	}

	// TEE enforced list in ascending tag order, including the key parameter
	// tags (algorithm, key size, digest, curve, auth) every genuine hardware
	// attestation carries and the verifier must tolerate.
	var tee []byte
	tee = append(tee, explicitTag(t, 1, derSet(t, derInts(t, p.purposes)...))...)
	tee = append(tee, explicitTag(t, 2, derInt(t, 3))...)   // algorithm EC
	tee = append(tee, explicitTag(t, 3, derInt(t, 256))...) // key size
	tee = append(tee, explicitTag(t, 5, derSet(t, derInt(t, 4)))...) // digest SHA-256
	tee = append(tee, explicitTag(t, 10, derInt(t, 1))...) // curve P-256
	if p.rollbackResistant {
		tee = append(tee, explicitTag(t, 303, derNull())...)
	}
	tee = append(tee, explicitTag(t, 503, derNull())...) // no auth required
	if p.allApplications {
		tee = append(tee, explicitTag(t, 600, derNull())...)
	}
	tee = append(tee, explicitTag(t, 702, derInt(t, int64(p.origin)))...)
	if !p.noRootOfTrust {
		rot := append(derOctet(t, p.bootKey), derBool(t, p.deviceLocked)...)
		rot = append(rot, derEnum(t, int64(p.bootState))...)
		if len(p.bootHash) > 0 {
			rot = append(rot, derOctet(t, p.bootHash)...)
		}
		tee = append(tee, explicitTag(t, 704, derSequence(t, rot))...)
	}
	if p.osVersion >= 0 {
		tee = append(tee, explicitTag(t, 705, derInt(t, int64(p.osVersion)))...)
	}
	if p.osPatchLevel >= 0 {
		tee = append(tee, explicitTag(t, 706, derInt(t, int64(p.osPatchLevel)))...)
	}
	if p.vendorPatchLevel >= 0 {
		tee = append(tee, explicitTag(t, 718, derInt(t, int64(p.vendorPatchLevel)))...)
	}
	if p.bootPatchLevel >= 0 {
		tee = append(tee, explicitTag(t, 719, derInt(t, int64(p.bootPatchLevel)))...)
	}

	kd := derInt(t, int64(p.attestationVersion))
	kd = append(kd, derEnum(t, int64(p.securityLevel))...)
	kd = append(kd, derInt(t, int64(p.keymasterVersion))...)
	kd = append(kd, derEnum(t, int64(kmLevel))...)
	kd = append(kd, derOctet(t, p.challenge)...)
	kd = append(kd, derOctet(t, nil)...)
	kd = append(kd, derSequence(t, software)...)
	kd = append(kd, derSequence(t, tee)...)
	return derSequence(t, kd)
}

func appIDDigests(t *testing.T, p extensionParams) [][]byte {
	t.Helper()
	digests := [][]byte{derOctet(t, p.signatureDigest)}
	if p.extraDigest {
		digests = append(digests, derOctet(t, bytesRepeat(0xdd, 32)))
	}
	return digests
}

// issueCert signs a leaf with the intermediate, carrying the given key
// attestation extension, or a plain leaf when kd is nil.
func (a *testAuthority) issueCert(t *testing.T, pub *ecdsa.PublicKey, kd []byte, notAfter time.Time) []byte {
	t.Helper()
	return a.issueCertSignedBy(t, pub, kd, notAfter, a.im2Cert, a.im2Key)
}

func (a *testAuthority) issueCertSignedBy(t *testing.T, pub *ecdsa.PublicKey, kd []byte, notAfter time.Time, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) []byte {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: a.nextSerial(),
		Subject:      pkix.Name{CommonName: "Android Keystore Key"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     notAfter,
	}
	if kd != nil {
		tmpl.ExtraExtensions = []pkix.Extension{{Id: oidKeyAttestation, Value: kd}}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, pub, parentKey)
	if err != nil {
		t.Fatalf("failed to create certificate: %v", err)
	}
	return der
}

// issueChain builds a plain attestation chain for pub: leaf, intermediate
// and root.
func (a *testAuthority) issueChain(t *testing.T, pub *ecdsa.PublicKey, p extensionParams) [][]byte {
	t.Helper()
	leaf := a.issueCert(t, pub, buildKeyDescription(t, p), time.Now().Add(time.Hour))
	return [][]byte{leaf, a.im2Cert.Raw, a.im1Cert.Raw, a.rootCert.Raw}
}

// issueAttestChain builds an attest key layout chain: the leaf is signed by
// the attest key itself, whose certificate sits at index 1.
func (a *testAuthority) issueAttestChain(t *testing.T, pub *ecdsa.PublicKey, p extensionParams, attestKeyCert []byte, attestKey *ecdsa.PrivateKey) [][]byte {
	t.Helper()
	parent := parseCert(t, attestKeyCert)
	leaf := a.issueCertSignedBy(t, pub, buildKeyDescription(t, p), time.Now().Add(time.Hour), parent, attestKey)
	return [][]byte{leaf, attestKeyCert, a.im2Cert.Raw, a.im1Cert.Raw, a.rootCert.Raw}
}

func newECKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	return key
}

func parseCert(t *testing.T, der []byte) *x509.Certificate {
	t.Helper()
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("failed to parse certificate: %v", err)
	}
	return cert
}

func parseChain(t *testing.T, chainDER [][]byte) []*x509.Certificate {
	t.Helper()
	chain := make([]*x509.Certificate, len(chainDER))
	for i, der := range chainDER {
		chain[i] = parseCert(t, der)
	}
	return chain
}

// DER building blocks for the synthetic extension.

func explicitTag(t *testing.T, tag int, inner []byte) []byte {
	t.Helper()
	b, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: tag, IsCompound: true, Bytes: inner})
	if err != nil {
		t.Fatalf("failed to marshal explicit tag %d: %v", tag, err)
	}
	return b
}

func derSequence(t *testing.T, inner []byte) []byte {
	t.Helper()
	b, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSequence, IsCompound: true, Bytes: inner})
	if err != nil {
		t.Fatalf("failed to marshal sequence: %v", err)
	}
	return b
}

func derSet(t *testing.T, elems ...[]byte) []byte {
	t.Helper()
	var inner []byte
	for _, e := range elems {
		inner = append(inner, e...)
	}
	b, err := asn1.Marshal(asn1.RawValue{Class: asn1.ClassUniversal, Tag: asn1.TagSet, IsCompound: true, Bytes: inner})
	if err != nil {
		t.Fatalf("failed to marshal set: %v", err)
	}
	return b
}

func derInt(t *testing.T, v int64) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal integer: %v", err)
	}
	return b
}

func derInts(t *testing.T, vs []int) [][]byte {
	t.Helper()
	out := make([][]byte, len(vs))
	for i, v := range vs {
		out[i] = derInt(t, int64(v))
	}
	return out
}

func derEnum(t *testing.T, v int64) []byte {
	t.Helper()
	b := derInt(t, v)
	b[0] = 0x0a // retag INTEGER as ENUMERATED
	return b
}

func derOctet(t *testing.T, v []byte) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal octet string: %v", err)
	}
	return b
}

func derBool(t *testing.T, v bool) []byte {
	t.Helper()
	b, err := asn1.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal boolean: %v", err)
	}
	return b
}

func derNull() []byte {
	return []byte{0x05, 0x00}
}

// memoryKeyProvider is a software stand-in for a device keystore. Slots
// hold a persistent signing key whose certificate is the pinned identity;
// later audits attest fresh ephemeral keys.
type memoryKeyProvider struct {
	authority *testAuthority
	mu        sync.Mutex
	slots     map[string]*memorySlot
	// mutateParams, when set, adjusts the extension parameters of every
	// issued attestation. Tests use it to simulate OS state changes.
	mutateParams func(p *extensionParams)
}

type memorySlot struct {
	persistentKey  *ecdsa.PrivateKey
	persistentCert []byte
	attestKey      *ecdsa.PrivateKey
	attestKeyCert  []byte
}

func newMemoryKeyProvider(a *testAuthority) *memoryKeyProvider {
	return &memoryKeyProvider{authority: a, slots: make(map[string]*memorySlot)}
}

func (p *memoryKeyProvider) HasPersistentKey(_ context.Context, slot string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.slots[slot]
	return ok, nil
}

func (p *memoryKeyProvider) ObtainAttestationChain(_ context.Context, slot string, challenge []byte, useAttestKey, useStrongBox bool) ([][]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t := p.authority.t

	params := defaultExtensionParams(challenge)
	if useStrongBox {
		params.securityLevel = SecurityLevelStrongBox
	}
	if p.mutateParams != nil {
		p.mutateParams(&params)
	}

	st, ok := p.slots[slot]
	if !ok {
		st = &memorySlot{persistentKey: newECKey(t)}
		if useAttestKey {
			attestParams := attestKeyExtensionParams(challenge)
			if useStrongBox {
				attestParams.securityLevel = SecurityLevelStrongBox
			}
			st.attestKey = newECKey(t)
			st.attestKeyCert = p.authority.issueCert(t, &st.attestKey.PublicKey, buildKeyDescription(t, attestParams), time.Now().Add(time.Hour))
		}
		var chain [][]byte
		if useAttestKey {
			chain = p.authority.issueAttestChain(t, &st.persistentKey.PublicKey, params, st.attestKeyCert, st.attestKey)
		} else {
			chain = p.authority.issueChain(t, &st.persistentKey.PublicKey, params)
		}
		st.persistentCert = chain[0]
		p.slots[slot] = st
		return chain, nil
	}

	ephemeral := newECKey(t)
	if st.attestKeyCert != nil {
		return p.authority.issueAttestChain(t, &ephemeral.PublicKey, params, st.attestKeyCert, st.attestKey), nil
	}
	return p.authority.issueChain(t, &ephemeral.PublicKey, params), nil
}

// enableAttestKey retrofits an attest key onto an existing slot so the next
// chains use the 5-certificate layout, as a device would after an OS update
// that introduced attest key support.
func (p *memoryKeyProvider) enableAttestKey(t *testing.T, slot string, challenge []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.slots[slot]
	st.attestKey = newECKey(t)
	st.attestKeyCert = p.authority.issueCert(t, &st.attestKey.PublicKey, buildKeyDescription(t, attestKeyExtensionParams(challenge)), time.Now().Add(time.Hour))
}

// disableAttestKey drops a slot's attest key so the next chains fall back
// to the 4-certificate layout.
func (p *memoryKeyProvider) disableAttestKey(slot string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.slots[slot]
	st.attestKey = nil
	st.attestKeyCert = nil
}

func (p *memoryKeyProvider) PersistentCertificate(_ context.Context, slot string) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.slots[slot].persistentCert, nil
}

func (p *memoryKeyProvider) Sign(_ context.Context, slot string, message []byte) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	digest := sha256.Sum256(message)
	return ecdsa.SignASN1(rand.Reader, p.slots[slot].persistentKey, digest[:])
}

type staticFlags OSEnforcedFlags

func (f staticFlags) OSEnforcedFlags(context.Context) (OSEnforcedFlags, error) {
	return OSEnforcedFlags(f), nil
}
