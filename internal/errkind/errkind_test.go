package errkind

import (
	"errors"
	"testing"
)

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New(KindFileWrite, "storage.newWrite", cause)

	if !errors.Is(err, err) {
		t.Fatalf("expected self-identity")
	}
	if got := errors.Unwrap(err); got != cause {
		t.Fatalf("Unwrap() = %v, want %v", got, cause)
	}
	if As(err) != KindFileWrite {
		t.Fatalf("As() = %v, want KindFileWrite", As(err))
	}
}

func TestAsNone(t *testing.T) {
	if As(nil) != KindNone {
		t.Fatalf("As(nil) should be KindNone")
	}
	if As(errors.New("plain")) != KindNone {
		t.Fatalf("As(plain error) should be KindNone")
	}
}

func TestRetryable(t *testing.T) {
	nonRetryable := []Kind{KindFormatError, KindChecksumError, KindConfig, KindAssertError}
	for _, k := range nonRetryable {
		if k.Retryable() {
			t.Errorf("%s should not be retryable", k)
		}
	}
	if !KindTimeout.Retryable() {
		t.Errorf("KindTimeout should be retryable")
	}
	if !KindProtocolError.Retryable() {
		t.Errorf("KindProtocolError should be retryable")
	}
}

func TestKindString(t *testing.T) {
	if KindChecksumError.String() != "checksum-error" {
		t.Fatalf("unexpected String(): %s", KindChecksumError.String())
	}
	if Kind(999).String() == "" {
		t.Fatalf("unknown kind should still stringify")
	}
}
