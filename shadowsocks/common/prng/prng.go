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

Package prng implements a seeded, unbiased PRNG that is suitable for use
cases including network jitter and load balancing.

Seeding is based on crypto/rand.Read and the PRNG stream is provided by
chacha20. As such, this PRNG avoids the syscall overhead (context
switch/spinlock) of crypto/rand.Read in high volume cases.

This PRNG is _not_ for security use cases including production cryptographic
key generation.

It is safe to make concurrent calls to a PRNG instance, including the global
instance.

PRNG conforms to io.Reader and math/rand.Source, with additional helper
functions.

*/
package prng

import (
	crypto_rand "crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"math"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/crypto/chacha20"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

const (
	SEED_LENGTH = 32
)

// Seed is a PRNG seed.
type Seed [SEED_LENGTH]byte

// NewSeed creates a new PRNG seed using crypto/rand.Read.
func NewSeed() (*Seed, error) {
	seed := new(Seed)
	_, err := crypto_rand.Read(seed[:])
	if err != nil {
		return nil, errors.Trace(err)
	}
	return seed, nil
}

// PRNG is a seeded, unbiased PRNG based on chacha20.
type PRNG struct {
	rand                   *rand.Rand
	randomStreamMutex      sync.Mutex
	randomStreamSeed       *Seed
	randomStream           *chacha20.Cipher
	randomStreamUsed       uint64
	randomStreamRekeyCount uint64
}

// NewPRNG generates a seed and creates a PRNG with that seed.
func NewPRNG() (*PRNG, error) {
	seed, err := NewSeed()
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewPRNGWithSeed(seed), nil
}

// NewPRNGWithSeed initializes a new PRNG using an existing seed.
func NewPRNGWithSeed(seed *Seed) *PRNG {
	p := &PRNG{
		randomStreamSeed: seed,
	}
	p.rekey()
	p.rand = rand.New(p)
	return p
}

// Read reads random bytes from the PRNG stream into b. Read conforms to
// io.Reader and always returns len(b), nil.
func (p *PRNG) Read(b []byte) (int, error) {

	p.randomStreamMutex.Lock()
	defer p.randomStreamMutex.Unlock()

	// Re-key before reaching the 2^38-64 chacha20 key stream limit.
	if p.randomStreamUsed+uint64(len(b)) >= uint64(1<<38-64) {
		p.rekey()
	}

	// Generates key stream: XORing zero bytes produces the raw stream.
	for i := range b {
		b[i] = 0
	}
	p.randomStream.XORKeyStream(b, b)

	p.randomStreamUsed += uint64(len(b))

	return len(b), nil
}

func (p *PRNG) rekey() {

	// chacha20 has a stream limit of 2^38-64. Before that limit is reached,
	// the cipher must be rekeyed. To rekey without changing the seed, we use
	// a counter for the nonce.
	var randomKeyNonce [chacha20.NonceSize]byte
	binary.BigEndian.PutUint64(randomKeyNonce[0:8], p.randomStreamRekeyCount)

	var err error
	p.randomStream, err = chacha20.NewUnauthenticatedCipher(
		p.randomStreamSeed[:], randomKeyNonce[:])
	if err != nil {
		// The only possible errors from chacha20.NewUnauthenticatedCipher are
		// invalid key or nonce size, and since we use the correct sizes,
		// there should never be an error here. So panic in this unexpected
		// case.
		panic(errors.Trace(err))
	}

	p.randomStreamRekeyCount += 1
	p.randomStreamUsed = 0
}

// Int63 is equivalent to math/rand.Int63.
func (p *PRNG) Int63() int64 {
	i := p.Uint64()
	return int64(i & (1<<63 - 1))
}

// Uint64 is equivalent to math/rand.Uint64.
func (p *PRNG) Uint64() uint64 {
	var b [8]byte
	p.Read(b[:])
	return binary.BigEndian.Uint64(b[:])
}

// Seed must exist in order to use a PRNG as a math/rand.Source. This call is
// not supported and ignored.
func (p *PRNG) Seed(_ int64) {
}

// Intn is equivalent to math/rand.Intn, except it returns 0 if n <= 0
// instead of panicking.
func (p *PRNG) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	return p.rand.Intn(n)
}

// Int63n is equivalent to math/rand.Int63n, except it returns 0 if n <= 0
// instead of panicking.
func (p *PRNG) Int63n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	return p.rand.Int63n(n)
}

// Range selects a random integer in [min, max].
// If min < 0, min is set to 0. If max < min, min is returned.
func (p *PRNG) Range(min, max int) int {
	if min < 0 {
		min = 0
	}
	if max < min {
		return min
	}
	n := p.Intn(max - min + 1)
	n += min
	return n
}

// Bytes returns a new slice containing length random bytes.
func (p *PRNG) Bytes(length int) []byte {
	b := make([]byte, length)
	p.Read(b)
	return b
}

// Period returns a random duration, within a given range.
// If max <= min, the duration is min.
func (p *PRNG) Period(min, max time.Duration) time.Duration {
	duration := p.Int63n(max.Nanoseconds() - min.Nanoseconds())
	return min + time.Duration(duration)
}

// Jitter returns n +/- the given factor.
// For example, for n = 100 and factor = 0.1, the
// return value will be in the range [90, 110].
func (p *PRNG) Jitter(n int64, factor float64) int64 {
	a := int64(math.Ceil(float64(n) * factor))
	r := p.Int63n(2*a + 1)
	return n + r - a
}

// JitterDuration invokes Jitter for time.Duration.
func (p *PRNG) JitterDuration(d time.Duration, factor float64) time.Duration {
	return time.Duration(p.Jitter(int64(d), factor))
}

// HexString returns a hex encoded random string.
// byteLength specifies the pre-encoded data length.
func (p *PRNG) HexString(byteLength int) string {
	return hex.EncodeToString(p.Bytes(byteLength))
}

var p *PRNG

func Read(b []byte) (int, error) {
	return p.Read(b)
}

func Int63() int64 {
	return p.Int63()
}

func Uint64() uint64 {
	return p.Uint64()
}

func Intn(n int) int {
	return p.Intn(n)
}

func Int63n(n int64) int64 {
	return p.Int63n(n)
}

func Range(min, max int) int {
	return p.Range(min, max)
}

func Bytes(length int) []byte {
	return p.Bytes(length)
}

func Period(min, max time.Duration) time.Duration {
	return p.Period(min, max)
}

func Jitter(n int64, factor float64) int64 {
	return p.Jitter(n, factor)
}

func JitterDuration(d time.Duration, factor float64) time.Duration {
	return p.JitterDuration(d, factor)
}

func HexString(byteLength int) string {
	return p.HexString(byteLength)
}

func init() {

	// Limitation: if crypto/rand.Read fails, the global PRNG will be
	// initialized with a zero-byte seed. This ensures that non-security-
	// critical use of the global PRNG can proceed.
	var err error
	p, err = NewPRNG()
	if err != nil {
		p = NewPRNGWithSeed(new(Seed))
	}
}
