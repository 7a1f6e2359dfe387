package iofilter

import (
	"bytes"
	"crypto/aes"
	gocipher "crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/sha3"

	physcrypto "github.com/pigsty-io/physback/internal/crypto"
	"github.com/pigsty-io/physback/internal/errkind"
)

// CipherMode selects the cipherBlock filter's direction.
type CipherMode int

const (
	CipherEncrypt CipherMode = iota
	CipherDecrypt
)

const (
	saltLen = 16
	keyLen  = 32
	ivLen   = aes.BlockSize
	rounds  = 10000
)

// CipherFilter implements an AES-256-CBC envelope filter: encrypt
// prepends a magic+salt header and PKCS#7-pads the tail; decrypt does
// the inverse. Raw mode (used for well-bounded blobs
// like an info-file section) buffers the whole payload and hands it to
// physcrypto.EncryptRaw/Decrypt in one call, which use the same
// magic+salt header and padding.
type CipherFilter struct {
	mode CipherMode
	pass string
	raw  bool
	name string

	// streaming encrypt state
	block    gocipher.Block
	cbc      gocipher.BlockMode
	buf      []byte
	wroteHdr bool
	salt     []byte

	// streaming decrypt state
	hdrBuf     []byte
	haveHdr    bool
	pendBlocks []byte // full ciphertext blocks not yet known to be final
	out        bytes.Buffer

	// raw mode buffers the whole stream
	rawBuf    bytes.Buffer
	rawResult []byte
}

// NewCipher builds a cipherBlock filter for the given mode and passphrase.
func NewCipher(mode CipherMode, pass string, raw bool) *CipherFilter {
	name := "cipher-encrypt"
	if mode == CipherDecrypt {
		name = "cipher-decrypt"
	}
	return &CipherFilter{mode: mode, pass: pass, raw: raw, name: name}
}

func (f *CipherFilter) Name() string { return f.name }

func deriveKeyIV(pass string, salt []byte) (key, iv []byte) {
	material := pbkdf2.Key([]byte(pass), salt, rounds, keyLen+ivLen, sha3.New256)
	return material[:keyLen], material[keyLen:]
}

func (f *CipherFilter) Push(in []byte) ([][]byte, error) {
	if f.raw {
		if in != nil {
			f.rawBuf.Write(in)
			return nil, nil
		}
		var out []byte
		var err error
		if f.mode == CipherEncrypt {
			out, err = physcrypto.EncryptRaw(f.pass, f.rawBuf.Bytes())
		} else {
			out, err = physcrypto.Decrypt(f.pass, f.rawBuf.Bytes())
		}
		if err != nil {
			return nil, err
		}
		f.rawResult = out
		if len(out) == 0 {
			return nil, nil
		}
		return [][]byte{out}, nil
	}
	if f.mode == CipherEncrypt {
		return f.pushEncrypt(in)
	}
	return f.pushDecrypt(in)
}

func (f *CipherFilter) ensureEncrypter() error {
	if f.block != nil {
		return nil
	}
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return errkind.New(errkind.KindCryptoError, "iofilter.CipherFilter", err)
	}
	key, iv := deriveKeyIV(f.pass, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return errkind.New(errkind.KindCryptoError, "iofilter.CipherFilter", err)
	}
	f.block = block
	f.cbc = gocipher.NewCBCEncrypter(block, iv)
	f.salt = salt
	return nil
}

func (f *CipherFilter) pushEncrypt(in []byte) ([][]byte, error) {
	if in == nil {
		return f.finishEncrypt()
	}
	if err := f.ensureEncrypter(); err != nil {
		return nil, err
	}
	var out [][]byte
	if !f.wroteHdr {
		hdr := append(append([]byte{}, physcrypto.Magic[:]...), f.salt...)
		out = append(out, hdr)
		f.wroteHdr = true
	}
	f.buf = append(f.buf, in...)
	full := len(f.buf) - len(f.buf)%aes.BlockSize
	if full > 0 {
		ct := make([]byte, full)
		f.cbc.CryptBlocks(ct, f.buf[:full])
		out = append(out, ct)
		f.buf = f.buf[full:]
	}
	return out, nil
}

func (f *CipherFilter) finishEncrypt() ([][]byte, error) {
	if err := f.ensureEncrypter(); err != nil {
		return nil, err
	}
	var out [][]byte
	if !f.wroteHdr {
		hdr := append(append([]byte{}, physcrypto.Magic[:]...), f.salt...)
		out = append(out, hdr)
		f.wroteHdr = true
	}
	padLen := aes.BlockSize - len(f.buf)%aes.BlockSize
	padded := append(f.buf, bytes.Repeat([]byte{byte(padLen)}, padLen)...)
	ct := make([]byte, len(padded))
	f.cbc.CryptBlocks(ct, padded)
	f.buf = nil
	out = append(out, ct)
	return out, nil
}

func (f *CipherFilter) pushDecrypt(in []byte) ([][]byte, error) {
	if in == nil {
		return f.finishDecrypt()
	}
	if !f.haveHdr {
		f.hdrBuf = append(f.hdrBuf, in...)
		headerLen := len(physcrypto.Magic) + saltLen
		if len(f.hdrBuf) < headerLen {
			return nil, nil
		}
		if !bytes.Equal(f.hdrBuf[:len(physcrypto.Magic)], physcrypto.Magic[:]) {
			return nil, errkind.New(errkind.KindCryptoError, "iofilter.CipherFilter.decrypt", fmt.Errorf("bad magic header"))
		}
		salt := f.hdrBuf[len(physcrypto.Magic):headerLen]
		key, iv := deriveKeyIV(f.pass, salt)
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, errkind.New(errkind.KindCryptoError, "iofilter.CipherFilter.decrypt", err)
		}
		f.block = block
		f.cbc = gocipher.NewCBCDecrypter(block, iv)
		f.haveHdr = true
		f.pendBlocks = append([]byte{}, f.hdrBuf[headerLen:]...)
		f.hdrBuf = nil
	} else {
		f.pendBlocks = append(f.pendBlocks, in...)
	}
	// Hold back the final full block: we don't know it's final until
	// end-of-stream, and the final block carries PKCS#7 padding that
	// must be stripped before returning it to the caller.
	if len(f.pendBlocks) <= aes.BlockSize {
		return nil, nil
	}
	releasable := len(f.pendBlocks) - aes.BlockSize
	releasable -= releasable % aes.BlockSize
	if releasable <= 0 {
		return nil, nil
	}
	plain := make([]byte, releasable)
	f.cbc.CryptBlocks(plain, f.pendBlocks[:releasable])
	f.pendBlocks = f.pendBlocks[releasable:]
	return [][]byte{plain}, nil
}

func (f *CipherFilter) finishDecrypt() ([][]byte, error) {
	if !f.haveHdr || len(f.pendBlocks) == 0 {
		if !f.haveHdr {
			return nil, errkind.New(errkind.KindCryptoError, "iofilter.CipherFilter.decrypt", fmt.Errorf("stream too short for header"))
		}
		return nil, nil
	}
	if len(f.pendBlocks)%aes.BlockSize != 0 {
		return nil, errkind.New(errkind.KindCryptoError, "iofilter.CipherFilter.decrypt", fmt.Errorf("ciphertext is not block-aligned"))
	}
	plain := make([]byte, len(f.pendBlocks))
	f.cbc.CryptBlocks(plain, f.pendBlocks)
	f.pendBlocks = nil
	if len(plain) == 0 {
		return nil, nil
	}
	padLen := int(plain[len(plain)-1])
	if padLen == 0 || padLen > len(plain) || padLen > aes.BlockSize {
		return nil, errkind.New(errkind.KindCryptoError, "iofilter.CipherFilter.decrypt", fmt.Errorf("invalid padding"))
	}
	return [][]byte{plain[:len(plain)-padLen]}, nil
}

func (f *CipherFilter) Result() (any, error) {
	if !f.raw {
		return nil, nil
	}
	return f.rawResult, nil
}
