/*
 * Copyright (c) 2024, aioshadowsocks Authors.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

package cipher

import (
	"io"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

// ErrShortPacket indicates that a packet given to UnpackPacket is too short
// to contain a salt and AEAD tag.
var ErrShortPacket = errors.TraceNew("short packet")

// Assumes all supported AEADs have NonceSize() <= 12; each datagram carries
// its own salt, so the nonce is fixed at zero.
var zeroNonce [12]byte

// PackPacket encrypts a shadowsocks UDP packet, [salt][sealed payload], into
// dst and returns the used prefix of dst. dst must be large enough to hold
// the salt, the payload, and the AEAD tag.
func PackPacket(dst, plaintext []byte, cipher *Cipher) ([]byte, error) {

	saltSize := cipher.SaltSize()
	if len(dst) < saltSize+len(plaintext)+cipher.TagSize() {
		return nil, errors.Trace(io.ErrShortBuffer)
	}

	salt, err := common.MakeSecureRandomBytes(saltSize)
	if err != nil {
		return nil, errors.Trace(err)
	}
	copy(dst, salt)

	aead, err := cipher.NewAEAD(dst[:saltSize])
	if err != nil {
		return nil, errors.Trace(err)
	}

	return aead.Seal(dst[:saltSize], zeroNonce[:aead.NonceSize()], plaintext, nil), nil
}

// UnpackPacket decrypts a shadowsocks UDP packet in place and returns the
// plaintext payload, which references the pkt buffer.
func UnpackPacket(pkt []byte, cipher *Cipher) ([]byte, error) {

	saltSize := cipher.SaltSize()
	if len(pkt) < saltSize+cipher.TagSize() {
		return nil, errors.Trace(ErrShortPacket)
	}

	salt := pkt[:saltSize]
	sealed := pkt[saltSize:]

	aead, err := cipher.NewAEAD(salt)
	if err != nil {
		return nil, errors.Trace(err)
	}

	plaintext, err := aead.Open(sealed[:0], zeroNonce[:aead.NonceSize()], sealed, nil)
	if err != nil {
		return nil, errors.TraceMsg(err, "decrypt failed")
	}

	return plaintext, nil
}

// TrialUnpackPacket decrypts a shadowsocks UDP packet into a new buffer,
// leaving pkt intact. Use when the same packet may be tried against
// multiple ciphers.
func TrialUnpackPacket(pkt []byte, cipher *Cipher) ([]byte, error) {

	saltSize := cipher.SaltSize()
	if len(pkt) < saltSize+cipher.TagSize() {
		return nil, errors.Trace(ErrShortPacket)
	}

	aead, err := cipher.NewAEAD(pkt[:saltSize])
	if err != nil {
		return nil, errors.Trace(err)
	}

	plaintext, err := aead.Open(nil, zeroNonce[:aead.NonceSize()], pkt[saltSize:], nil)
	if err != nil {
		return nil, errors.TraceMsg(err, "decrypt failed")
	}

	return plaintext, nil
}
