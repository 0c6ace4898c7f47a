/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package resources

import _ "embed"

// DeflateDictionary is the preset dictionary used when compressing and
// decompressing certificate chains. Both sides of the protocol must use the
// same bytes, so this file is part of the wire format and must never change
// for dictionary version 3.
//
//go:embed deflate_dictionary_3.bin
var DeflateDictionary []byte
