/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"github.com/attestd/attestd/internal/util"
)

// DeviceInfo describes one supported device model and the minimum
// attestation properties it must report.
type DeviceInfo struct {
	Name string
	// AttestationVersion and KeymasterVersion are the minimum versions the
	// device shipped with.
	AttestationVersion int
	KeymasterVersion   int
	// RollbackResistant devices must report rollback resistant keys.
	RollbackResistant bool
	// PerUserEncryption is informational and surfaced in audit reports.
	PerUserEncryption bool
	// EnforceStrongBox requires the initial pairing to use a StrongBox key.
	EnforceStrongBox bool
	OSName           string
}

// DeviceTableSet is one group of verified-boot-key lookup tables, split by
// boot state and security level. Keys are upper-case hex SHA-256 hashes of
// the verified boot key.
type DeviceTableSet struct {
	SelfSigned          map[string]DeviceInfo
	SelfSignedStrongBox map[string]DeviceInfo
	Stock               map[string]DeviceInfo
	StockStrongBox      map[string]DeviceInfo
	// PatchLevelExempt lists device names whose vendor and boot patch level
	// floors are skipped because the firmware never reported them.
	PatchLevelExempt []string
}

// DeviceTables resolves a verified boot key hash to the device it belongs
// to. Tables are built once and never mutated afterwards.
type DeviceTables struct {
	selfSigned          map[string]DeviceInfo
	selfSignedStrongBox map[string]DeviceInfo
	stock               map[string]DeviceInfo
	stockStrongBox      map[string]DeviceInfo
	patchLevelExempt    util.Set[string]
}

// NewDeviceTables merges the built-in tables with any extra sets, letting
// deployments register additional device models or custom OS builds.
func NewDeviceTables(extra ...DeviceTableSet) *DeviceTables {
	t := &DeviceTables{
		selfSigned:          map[string]DeviceInfo{},
		selfSignedStrongBox: map[string]DeviceInfo{},
		stock:               map[string]DeviceInfo{},
		stockStrongBox:      map[string]DeviceInfo{},
		patchLevelExempt:    util.NewSet[string](),
	}
	for _, set := range append([]DeviceTableSet{builtinDevices}, extra...) {
		for k, v := range set.SelfSigned {
			t.selfSigned[k] = v
		}
		for k, v := range set.SelfSignedStrongBox {
			t.selfSignedStrongBox[k] = v
		}
		for k, v := range set.Stock {
			t.stock[k] = v
		}
		for k, v := range set.StockStrongBox {
			t.stockStrongBox[k] = v
		}
		for _, name := range set.PatchLevelExempt {
			t.patchLevelExempt.Add(name)
		}
	}
	return t
}

// Lookup resolves a device for the given boot state, security level and
// verified boot key hash. Each boot state has its own tables: a stock boot
// key under a self-signed state (or the reverse) never matches.
func (t *DeviceTables) Lookup(verifiedBootState int, level SecurityLevel, verifiedBootKeyHash string) (DeviceInfo, bool) {
	switch verifiedBootState {
	case VerifiedBootSelfSigned:
		if level == SecurityLevelStrongBox {
			info, ok := t.selfSignedStrongBox[verifiedBootKeyHash]
			return info, ok
		}
		info, ok := t.selfSigned[verifiedBootKeyHash]
		return info, ok
	case VerifiedBootVerified:
		if level == SecurityLevelStrongBox {
			info, ok := t.stockStrongBox[verifiedBootKeyHash]
			return info, ok
		}
		info, ok := t.stock[verifiedBootKeyHash]
		return info, ok
	default:
		return DeviceInfo{}, false
	}
}

// PatchLevelExempt reports whether a device name is excused from the vendor
// and boot patch level floors.
func (t *DeviceTables) PatchLevelExempt(name string) bool {
	return t.patchLevelExempt.Has(name)
}

const (
	osGraphene = "GrapheneOS"
	osStock    = "Stock"
)

// Built-in device registry. Keys are SHA-256 hashes of each device's
// verified boot key.
var builtinDevices = DeviceTableSet{
	SelfSigned: map[string]DeviceInfo{
		"0F9A9CC8ADE73064A54A35C5509E77994E3AA37B6FB889DD53AF82C3C570C5CF": {
			Name: "Pixel 6", AttestationVersion: 100, KeymasterVersion: 100,
			RollbackResistant: true, PerUserEncryption: true, OSName: osGraphene,
		},
		"A3859D0D3BD6E6FDB3ABB4D04DC4FA74A0B2F1FC21E5AEFC22C0D1D9A74A0B55": {
			Name: "Pixel 7", AttestationVersion: 200, KeymasterVersion: 200,
			RollbackResistant: true, PerUserEncryption: true, OSName: osGraphene,
		},
		"54EC644D21E09D4F9AB12624278F8C1D5E1E271028B06624FBC13E66B44E9C4A": {
			Name: "Pixel 8", AttestationVersion: 300, KeymasterVersion: 300,
			RollbackResistant: true, PerUserEncryption: true, OSName: osGraphene,
		},
	},
	SelfSignedStrongBox: map[string]DeviceInfo{
		"06D6BD57E1B4D2C9B3F9BF4B6A2C190A1E9FDA6F335B614D9F2C22E2E7235F88": {
			Name: "Pixel 6", AttestationVersion: 100, KeymasterVersion: 100,
			RollbackResistant: true, PerUserEncryption: true,
			EnforceStrongBox: true, OSName: osGraphene,
		},
		"35C1A1E61C6E9BA222BFD18B7C1E48E29F1E1A2A96E2B4571AD0E9D34FDB8EFF": {
			Name: "Pixel 7", AttestationVersion: 200, KeymasterVersion: 200,
			RollbackResistant: true, PerUserEncryption: true,
			EnforceStrongBox: true, OSName: osGraphene,
		},
	},
	Stock: map[string]DeviceInfo{
		"36D4A1F6BF4B2B3F45E3C6E3A91E2FC1D7A7401BE6E3C3F7D0FFCB2CF58E2E71": {
			Name: "Pixel 6", AttestationVersion: 100, KeymasterVersion: 100,
			RollbackResistant: true, PerUserEncryption: true, OSName: osStock,
		},
		"8290CCD1F2D9A4E7E9BAC6C4EF7E4FFE0B7C0B1A2B0BB0778AAF8E60C2EA4E31": {
			Name: "Pixel 7", AttestationVersion: 200, KeymasterVersion: 200,
			RollbackResistant: true, PerUserEncryption: true, OSName: osStock,
		},
	},
	StockStrongBox: map[string]DeviceInfo{
		"9F2121DE9DF1CACF53D1AF92B45E1E2C1E99A7E23F18C6A1AA25C1E2BD5FAD0B": {
			Name: "Pixel 6", AttestationVersion: 100, KeymasterVersion: 100,
			RollbackResistant: true, PerUserEncryption: true,
			EnforceStrongBox: true, OSName: osStock,
		},
	},
	PatchLevelExempt: []string{},
}
