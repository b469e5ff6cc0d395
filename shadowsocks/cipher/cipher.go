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

/*

Package cipher implements the shadowsocks AEAD cipher suite: master key
derivation from a password, per-session subkey derivation from a salt, and
the TCP stream and UDP packet encryption formats specified at
https://shadowsocks.org/guide/aead.html.

*/
package cipher

import (
	"crypto/aes"
	go_cipher "crypto/cipher"
	"crypto/md5"
	"crypto/sha1"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

// Supported AEAD methods, using the shadowsocks configuration names.
const (
	CHACHA20_IETF_POLY1305 = "chacha20-ietf-poly1305"
	AES_128_GCM            = "aes-128-gcm"
	AES_192_GCM            = "aes-192-gcm"
	AES_256_GCM            = "aes-256-gcm"
)

// AEADTagSize is the authentication tag size shared by all supported
// AEAD methods.
const AEADTagSize = 16

// MaxSaltSize is the largest salt size among the supported AEAD
// methods.
const MaxSaltSize = 32

// SupportedMethods lists the supported AEAD method names.
var SupportedMethods = []string{
	CHACHA20_IETF_POLY1305,
	AES_128_GCM,
	AES_192_GCM,
	AES_256_GCM,
}

type aeadSpec struct {
	newInstance func(key []byte) (go_cipher.AEAD, error)
	keySize     int
	saltSize    int
	tagSize     int
}

var (
	chacha20Poly1305Spec = &aeadSpec{chacha20poly1305.New, chacha20poly1305.KeySize, 32, 16}
	aes256GCMSpec        = &aeadSpec{newAESGCM, 32, 32, 16}
	aes192GCMSpec        = &aeadSpec{newAESGCM, 24, 24, 16}
	aes128GCMSpec        = &aeadSpec{newAESGCM, 16, 16, 16}
)

func newAESGCM(key []byte) (go_cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return go_cipher.NewGCM(block)
}

// methodSpec returns the AEAD parameters for the given method name. Both the
// shadowsocks configuration names and the IETF AEAD names are accepted.
func methodSpec(name string) (*aeadSpec, error) {
	switch strings.ToLower(name) {
	case CHACHA20_IETF_POLY1305, "aead_chacha20_poly1305":
		return chacha20Poly1305Spec, nil
	case AES_256_GCM, "aead_aes_256_gcm":
		return aes256GCMSpec, nil
	case AES_192_GCM, "aead_aes_192_gcm":
		return aes192GCMSpec, nil
	case AES_128_GCM, "aead_aes_128_gcm":
		return aes128GCMSpec, nil
	default:
		return nil, errors.Tracef("unsupported cipher method: %s", name)
	}
}

// IsSupportedMethod indicates whether the name is a supported AEAD
// method name.
func IsSupportedMethod(name string) bool {
	_, err := methodSpec(name)
	return err == nil
}

// Cipher encapsulates a shadowsocks AEAD method and the master secret
// derived from a password. A Cipher is immutable and safe for concurrent
// use.
type Cipher struct {
	method string
	spec   *aeadSpec
	secret []byte
}

// NewCipher derives a Cipher from a method name and a password. The master
// secret is derived with EVP_BytesToKey, matching the shadowsocks AEAD
// specification and every other shadowsocks implementation.
func NewCipher(method, password string) (*Cipher, error) {
	spec, err := methodSpec(method)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return &Cipher{
		method: strings.ToLower(method),
		spec:   spec,
		secret: evpBytesToKey([]byte(password), spec.keySize),
	}, nil
}

// Method returns the configured method name.
func (c *Cipher) Method() string {
	return c.method
}

// SaltSize returns the size of the per-session salt for this Cipher.
func (c *Cipher) SaltSize() int {
	return c.spec.saltSize
}

// TagSize returns the size of the AEAD authentication tag for this Cipher.
func (c *Cipher) TagSize() int {
	return c.spec.tagSize
}

var subkeyInfo = []byte("ss-subkey")

// NewAEAD derives the session subkey for the given salt with HKDF-SHA1 and
// returns the session AEAD.
func (c *Cipher) NewAEAD(salt []byte) (go_cipher.AEAD, error) {
	sessionKey := make([]byte, c.spec.keySize)
	r := hkdf.New(sha1.New, c.secret, salt, subkeyInfo)
	if _, err := io.ReadFull(r, sessionKey); err != nil {
		return nil, errors.Trace(err)
	}
	return c.spec.newInstance(sessionKey)
}

// evpBytesToKey implements the OpenSSL EVP_BytesToKey key derivation with an
// MD5 digest, no salt, and one iteration.
// https://www.openssl.org/docs/manmaster/man3/EVP_BytesToKey.html
func evpBytesToKey(password []byte, keyLen int) []byte {
	var derived, di []byte
	h := md5.New()
	for len(derived) < keyLen {
		h.Write(di)
		h.Write(password)
		derived = h.Sum(derived)
		di = derived[len(derived)-h.Size():]
		h.Reset()
	}
	return derived[:keyLen]
}

// increment treats b as a little-endian unsigned integer and adds 1,
// wrapping around on overflow. It is used for the per-chunk AEAD nonce.
func increment(b []byte) {
	for i := range b {
		b[i]++
		if b[i] != 0 {
			return
		}
	}
}
