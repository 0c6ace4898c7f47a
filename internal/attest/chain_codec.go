/*
 * Copyright (c) 2026 attestd authors. All Rights reserved.
 *
 * SPDX-License-Identifier: BSD-2-Clause
 */

package attest

import (
	"bytes"
	"compress/flate"
	"encoding/binary"
	"io"

	"github.com/attestd/attestd/resources"
)

// EncodeChain serializes DER certificates as length-prefixed records and
// compresses them with raw DEFLATE using the shared preset dictionary.
func EncodeChain(chain [][]byte) ([]byte, error) {
	var plain bytes.Buffer
	for _, der := range chain {
		if len(der) > 0x7fff {
			return nil, newErr(KindEncodingTooLarge, "certificate length %d exceeds record limit", len(der))
		}
		var prefix [2]byte
		binary.BigEndian.PutUint16(prefix[:], uint16(len(der)))
		plain.Write(prefix[:])
		plain.Write(der)
	}
	if plain.Len() > maxEncodedChainSize {
		return nil, newErr(KindEncodingTooLarge, "encoded chain length %d exceeds %d", plain.Len(), maxEncodedChainSize)
	}

	var compressed bytes.Buffer
	w, err := flate.NewWriterDict(&compressed, flate.BestCompression, resources.DeflateDictionary)
	if err != nil {
		return nil, wrapErr(KindEncodingTooLarge, err, "failed to create compressor")
	}
	if _, err := w.Write(plain.Bytes()); err != nil {
		return nil, wrapErr(KindEncodingTooLarge, err, "failed to compress chain")
	}
	if err := w.Close(); err != nil {
		return nil, wrapErr(KindEncodingTooLarge, err, "failed to compress chain")
	}
	return compressed.Bytes(), nil
}

// DecodeChain inflates a compressed chain and splits it back into DER
// certificates. Inflation is bounded so a hostile peer cannot expand a small
// message into unbounded memory.
func DecodeChain(data []byte) ([][]byte, error) {
	r := flate.NewReaderDict(bytes.NewReader(data), resources.DeflateDictionary)
	defer r.Close()

	plain, err := io.ReadAll(io.LimitReader(r, maxEncodedChainSize+1))
	if err != nil {
		return nil, wrapErr(KindMalformedChain, err, "failed to inflate chain")
	}
	if len(plain) > maxEncodedChainSize {
		return nil, newErr(KindChainTooLarge, "inflated chain exceeds %d bytes", maxEncodedChainSize)
	}

	var chain [][]byte
	for off := 0; off < len(plain); {
		if len(plain)-off < 2 {
			return nil, newErr(KindMalformedChain, "truncated certificate record header")
		}
		certLen := int(binary.BigEndian.Uint16(plain[off : off+2]))
		off += 2
		if certLen == 0 || len(plain)-off < certLen {
			return nil, newErr(KindMalformedChain, "truncated certificate record")
		}
		chain = append(chain, plain[off:off+certLen])
		off += certLen
	}
	if len(chain) == 0 {
		return nil, newErr(KindMalformedChain, "empty certificate chain")
	}
	return chain, nil
}
