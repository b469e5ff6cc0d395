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
	go_cipher "crypto/cipher"
	"encoding/binary"
	"io"
	"net"

	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common"
	"github.com/aioshadowsocks/aioshadowsocks-go/shadowsocks/common/errors"
)

// PayloadSizeMask is the maximum size of a stream chunk payload in bytes, as
// per https://shadowsocks.org/guide/aead.html#tcp.
const PayloadSizeMask = 0x3FFF // 16*1024 - 1

// Writer encrypts a shadowsocks AEAD stream: a random salt followed by
// chunks, where each chunk is an AEAD-sealed 2-byte big-endian payload
// length and an AEAD-sealed payload. The nonce is little-endian and
// incremented per sealed block.
//
// The salt is coalesced with the first chunk into a single underlying write,
// avoiding a distinctive first-packet size on the wire.
//
// Writer is not safe for concurrent use.
type Writer struct {
	writer     io.Writer
	cipher     *Cipher
	aead       go_cipher.AEAD
	counter    []byte
	buf        []byte
	sentSalt   bool
	presetSalt []byte
}

// NewWriter creates a Writer that encrypts to the given io.Writer using the
// given Cipher. The salt is generated on the first Write.
func NewWriter(writer io.Writer, cipher *Cipher) *Writer {
	return &Writer{writer: writer, cipher: cipher}
}

// SetSalt overrides the generated salt. Must be called before the first
// Write. Used by tests to produce deterministic streams.
func (w *Writer) SetSalt(salt []byte) {
	w.presetSalt = salt
}

func (w *Writer) init() error {
	if w.aead != nil {
		return nil
	}

	saltSize := w.cipher.SaltSize()
	salt := w.presetSalt
	if salt == nil {
		var err error
		salt, err = common.MakeSecureRandomBytes(saltSize)
		if err != nil {
			return errors.Trace(err)
		}
	} else if len(salt) != saltSize {
		return errors.TraceNew("invalid salt length")
	}

	aead, err := w.cipher.NewAEAD(salt)
	if err != nil {
		return errors.Trace(err)
	}

	w.aead = aead
	w.counter = make([]byte, aead.NonceSize())

	// Layout: salt | sealed size block | sealed payload block, contiguous so
	// a whole chunk, salt included on the first one, is a single write.
	overhead := aead.Overhead()
	w.buf = make([]byte, saltSize+2+overhead+PayloadSizeMask+overhead)
	copy(w.buf, salt)

	return nil
}

// sealBlock encrypts plaintext in place, which must be positioned in w.buf
// with the AEAD tag capacity following it, and returns the sealed length.
func (w *Writer) sealBlock(plaintext []byte) int {
	sealed := w.aead.Seal(plaintext[:0], w.counter, plaintext, nil)
	increment(w.counter)
	return len(sealed)
}

func (w *Writer) Write(p []byte) (int, error) {

	err := w.init()
	if err != nil {
		return 0, errors.Trace(err)
	}

	saltSize := w.cipher.SaltSize()
	overhead := w.aead.Overhead()

	written := 0
	for len(p) > 0 {

		chunkLen := len(p)
		if chunkLen > PayloadSizeMask {
			chunkLen = PayloadSizeMask
		}

		sizeBuf := w.buf[saltSize : saltSize+2]
		payloadBuf := w.buf[saltSize+2+overhead : saltSize+2+overhead+chunkLen]

		binary.BigEndian.PutUint16(sizeBuf, uint16(chunkLen))
		copy(payloadBuf, p[:chunkLen])

		sizeBlockLen := w.sealBlock(sizeBuf)
		payloadBlockLen := w.sealBlock(payloadBuf)

		start := saltSize
		if !w.sentSalt {
			start = 0
			w.sentSalt = true
		}

		_, err := w.writer.Write(
			w.buf[start : saltSize+sizeBlockLen+payloadBlockLen])
		if err != nil {
			// Note: no trace error to preserve error type
			return written, err
		}

		written += chunkLen
		p = p[chunkLen:]
	}

	return written, nil
}

// Reader decrypts a shadowsocks AEAD stream produced by Writer.
//
// Reader is not safe for concurrent use.
type Reader struct {
	reader     io.Reader
	cipher     *Cipher
	aead       go_cipher.AEAD
	counter    []byte
	sizeBuf    []byte
	payloadBuf []byte
	leftover   []byte
}

// NewReader creates a Reader that decrypts the given io.Reader using the
// given Cipher. The salt is read from the stream on the first Read.
func NewReader(reader io.Reader, cipher *Cipher) *Reader {
	return &Reader{reader: reader, cipher: cipher}
}

func (r *Reader) init() error {
	if r.aead != nil {
		return nil
	}

	salt := make([]byte, r.cipher.SaltSize())
	_, err := io.ReadFull(r.reader, salt)
	if err != nil {
		// Note: no trace error to preserve io.EOF from a clean close before
		// any stream data.
		return err
	}

	aead, err := r.cipher.NewAEAD(salt)
	if err != nil {
		return errors.Trace(err)
	}

	r.aead = aead
	r.counter = make([]byte, aead.NonceSize())
	r.sizeBuf = make([]byte, 2+aead.Overhead())
	r.payloadBuf = make([]byte, PayloadSizeMask+aead.Overhead())

	return nil
}

// openBlock reads and decrypts, in place, a single sealed block which must
// exactly fill buf. The plaintext is buf[:len(buf)-overhead].
func (r *Reader) openBlock(buf []byte) error {
	_, err := io.ReadFull(r.reader, buf)
	if err != nil {
		// Note: no trace error to preserve error type
		return err
	}
	_, err = r.aead.Open(buf[:0], r.counter, buf, nil)
	if err != nil {
		return errors.TraceMsg(err, "decrypt failed")
	}
	increment(r.counter)
	return nil
}

// readChunk reads the next chunk and returns its payload, which references
// r.payloadBuf and is valid until the next readChunk call. io.EOF indicates
// a clean close at a chunk boundary.
func (r *Reader) readChunk() ([]byte, error) {

	err := r.init()
	if err != nil {
		return nil, err
	}

	err = r.openBlock(r.sizeBuf)
	if err != nil {
		// Note: no trace error to preserve io.EOF
		return nil, err
	}

	size := int(binary.BigEndian.Uint16(r.sizeBuf) & PayloadSizeMask)

	err = r.openBlock(r.payloadBuf[:size+r.aead.Overhead()])
	if err != nil {
		if err == io.EOF {
			// EOF is not expected mid-chunk.
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	return r.payloadBuf[:size], nil
}

func (r *Reader) Read(p []byte) (int, error) {

	if len(r.leftover) == 0 {
		payload, err := r.readChunk()
		if err != nil {
			return 0, err
		}
		r.leftover = payload
	}

	n := copy(p, r.leftover)
	r.leftover = r.leftover[n:]
	return n, nil
}

// TrialDecryptSizeBlock tests whether the first sealed size block of a
// stream opens with the given cipher and salt, without consuming either
// buffer. This attributes an inbound connection to a user when multiple
// users share a listening port.
func TrialDecryptSizeBlock(cipher *Cipher, salt, sizeBlock []byte) bool {
	aead, err := cipher.NewAEAD(salt)
	if err != nil {
		return false
	}
	if len(sizeBlock) != 2+aead.Overhead() {
		return false
	}
	nonce := make([]byte, aead.NonceSize())
	_, err = aead.Open(nil, nonce, sizeBlock, nil)
	return err == nil
}

// StreamConn wraps a net.Conn with shadowsocks AEAD stream encryption of
// writes and decryption of reads.
type StreamConn struct {
	net.Conn
	reader *Reader
	writer *Writer
}

// NewStreamConn creates a StreamConn over conn using the given Ciphers. The
// read and write directions use independent salts and session keys, so
// distinct Ciphers may be supplied; in practice both are the same user key.
func NewStreamConn(conn net.Conn, readCipher, writeCipher *Cipher) *StreamConn {
	return &StreamConn{
		Conn:   conn,
		reader: NewReader(conn, readCipher),
		writer: NewWriter(conn, writeCipher),
	}
}

// NewStreamConnWithReader creates a StreamConn with an already-initialized
// Reader, which may be consuming buffered bytes in addition to conn. This
// supports trial decryption, where stream bytes are read and examined before
// the owning user, and so the Reader, is established.
func NewStreamConnWithReader(conn net.Conn, reader *Reader, writeCipher *Cipher) *StreamConn {
	return &StreamConn{
		Conn:   conn,
		reader: reader,
		writer: NewWriter(conn, writeCipher),
	}
}

func (conn *StreamConn) Read(p []byte) (int, error) {
	return conn.reader.Read(p)
}

func (conn *StreamConn) Write(p []byte) (int, error) {
	return conn.writer.Write(p)
}
