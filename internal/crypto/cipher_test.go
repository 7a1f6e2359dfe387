package crypto

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("the quick brown fox jumps over the lazy dog, 36 bytes plus change")
	envelope, err := EncryptRaw("correct horse battery staple", plaintext)
	if err != nil {
		t.Fatalf("EncryptRaw: %v", err)
	}
	if bytes.Equal(envelope[:len(Magic)], plaintext[:len(Magic)]) {
		t.Fatalf("ciphertext should not start with plaintext")
	}
	got, err := Decrypt("correct horse battery staple", envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	envelope, err := EncryptRaw("pass1", []byte("hello world"))
	if err != nil {
		t.Fatalf("EncryptRaw: %v", err)
	}
	if _, err := Decrypt("pass2", envelope); err == nil {
		t.Fatalf("expected decrypt failure with wrong passphrase")
	}
}

func TestDecryptTamperedHeader(t *testing.T) {
	envelope, _ := EncryptRaw("pass", []byte("hello world"))
	envelope[0] ^= 0xFF
	if _, err := Decrypt("pass", envelope); err == nil {
		t.Fatalf("expected decrypt failure for tampered magic")
	}
}

func TestStreamEncrypterRoundTrip(t *testing.T) {
	plaintext := []byte("streaming input written across several Write calls to exercise buffering")
	var buf bytes.Buffer
	enc, err := NewStreamEncrypter(&buf, "streampass")
	if err != nil {
		t.Fatalf("NewStreamEncrypter: %v", err)
	}
	chunks := [][]byte{plaintext[:10], plaintext[10:37], plaintext[37:]}
	for _, c := range chunks {
		if _, err := enc.Write(c); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}
	if err := enc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	got, err := Decrypt("streampass", buf.Bytes())
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("stream round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestEncryptEmptyInput(t *testing.T) {
	envelope, err := EncryptRaw("pass", nil)
	if err != nil {
		t.Fatalf("EncryptRaw: %v", err)
	}
	got, err := Decrypt("pass", envelope)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty plaintext, got %q", got)
	}
}
