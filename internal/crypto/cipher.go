// Package crypto implements the AES-256-CBC encrypted envelope used by
// the cipherBlock filter: a magic header, a random salt, a PBKDF2-derived
// key/IV pair, and PKCS#7 padding. The envelope lets a standalone blob be
// decrypted from nothing but the passphrase; the cipherBlock filter's raw
// mode produces the same envelope for well-bounded blobs such as a
// single info-file section, encrypting the whole buffer in one call.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"

	"github.com/pigsty-io/physback/internal/errkind"
)

// Magic identifies a physback encrypted envelope, written at the start
// of every ciphertext.
var Magic = [8]byte{'p', 'h', 'y', 's', 'b', 'a', 'c', 'k'}

const (
	saltLen       = 16
	keyLen        = 32 // AES-256
	ivLen         = aes.BlockSize
	pbkdf2Rounds  = 10000
	headerLen     = len(Magic) + saltLen
)

// deriveKeyIV stretches pass+salt into a key and IV with PBKDF2/SHA3-256.
func deriveKeyIV(pass string, salt []byte) (key, iv []byte) {
	material := pbkdf2.Key([]byte(pass), salt, pbkdf2Rounds, keyLen+ivLen, sha3.New256)
	return material[:keyLen], material[keyLen:]
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.pkcs7Unpad", fmt.Errorf("empty block"))
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) || padLen > aes.BlockSize {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.pkcs7Unpad", fmt.Errorf("invalid padding"))
	}
	return data[:len(data)-padLen], nil
}

// EncryptRaw AES-256-CBC encrypts plaintext with a freshly generated salt,
// producing a self-describing envelope (magic + salt + ciphertext).
func EncryptRaw(pass string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.EncryptRaw", err)
	}
	return encryptWithSalt(pass, salt, plaintext)
}

func encryptWithSalt(pass string, salt, plaintext []byte) ([]byte, error) {
	key, iv := deriveKeyIV(pass, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.encryptWithSalt", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)

	out := make([]byte, 0, headerLen+len(ciphertext))
	out = append(out, Magic[:]...)
	out = append(out, salt...)
	out = append(out, ciphertext...)
	return out, nil
}

// Decrypt reverses EncryptRaw: it validates the magic header, recovers
// the salt, re-derives the key/IV, and strips PKCS#7 padding.
func Decrypt(pass string, envelope []byte) ([]byte, error) {
	if len(envelope) < headerLen {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.Decrypt", fmt.Errorf("envelope too short"))
	}
	if !bytes.Equal(envelope[:len(Magic)], Magic[:]) {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.Decrypt", fmt.Errorf("bad magic header"))
	}
	salt := envelope[len(Magic):headerLen]
	ciphertext := envelope[headerLen:]
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.Decrypt", fmt.Errorf("ciphertext is not block-aligned"))
	}

	key, iv := deriveKeyIV(pass, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.Decrypt", err)
	}
	plainPadded := make([]byte, len(ciphertext))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plainPadded, ciphertext)

	plain, err := pkcs7Unpad(plainPadded)
	if err != nil {
		return nil, err
	}
	return plain, nil
}

// StreamEncrypter wraps an io.Writer, encrypting each Write in CBC mode
// after buffering to block boundaries, used by the cipherBlock filter's
// encrypt direction when attached to a writer-side pipeline.
type StreamEncrypter struct {
	w        io.Writer
	block    cipher.Block
	mode     cipher.BlockMode
	buf      []byte
	wroteHdr bool
	salt     []byte
}

// NewStreamEncrypter prepares a streaming encrypter; the header (magic+salt)
// is emitted on the first Write, or by Close when nothing was written, so
// an empty input still yields a decryptable envelope.
func NewStreamEncrypter(w io.Writer, pass string) (*StreamEncrypter, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.NewStreamEncrypter", err)
	}
	key, iv := deriveKeyIV(pass, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errkind.New(errkind.KindCryptoError, "crypto.NewStreamEncrypter", err)
	}
	return &StreamEncrypter{
		w:     w,
		block: block,
		mode:  cipher.NewCBCEncrypter(block, iv),
		salt:  salt,
	}, nil
}

func (e *StreamEncrypter) writeHeader() error {
	if e.wroteHdr {
		return nil
	}
	if _, err := e.w.Write(Magic[:]); err != nil {
		return errkind.New(errkind.KindFileWrite, "crypto.StreamEncrypter.writeHeader", err)
	}
	if _, err := e.w.Write(e.salt); err != nil {
		return errkind.New(errkind.KindFileWrite, "crypto.StreamEncrypter.writeHeader", err)
	}
	e.wroteHdr = true
	return nil
}

// Write buffers input and flushes full AES blocks downstream immediately,
// holding back the remainder for the next Write or Close.
func (e *StreamEncrypter) Write(p []byte) (int, error) {
	if err := e.writeHeader(); err != nil {
		return 0, err
	}
	e.buf = append(e.buf, p...)
	full := len(e.buf) - len(e.buf)%aes.BlockSize
	if full > 0 {
		out := make([]byte, full)
		e.mode.CryptBlocks(out, e.buf[:full])
		if _, err := e.w.Write(out); err != nil {
			return 0, errkind.New(errkind.KindFileWrite, "crypto.StreamEncrypter.Write", err)
		}
		e.buf = e.buf[full:]
	}
	return len(p), nil
}

// Close pads and flushes the final partial block. It must be called
// exactly once.
func (e *StreamEncrypter) Close() error {
	if err := e.writeHeader(); err != nil {
		return err
	}
	padded := pkcs7Pad(e.buf, aes.BlockSize)
	out := make([]byte, len(padded))
	e.mode.CryptBlocks(out, padded)
	if _, err := e.w.Write(out); err != nil {
		return errkind.New(errkind.KindFileWrite, "crypto.StreamEncrypter.Close", err)
	}
	e.buf = nil
	return nil
}
