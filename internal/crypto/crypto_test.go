package crypto

import "testing"

func TestRoundtripEncryption(t *testing.T) {
	key := DeriveKey("1234", "max@example.com")

	cases := []string{"", "hello world", "a longer message with\nnewlines and 🦀 unicode"}
	for _, plaintext := range cases {
		sealed, err := Seal([]byte(plaintext), key)
		if err != nil {
			t.Fatalf("seal: %v", err)
		}
		opened, err := Open(sealed, key)
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		if string(opened) != plaintext {
			t.Errorf("roundtrip mismatch: got %q, want %q", opened, plaintext)
		}
	}
}

func TestWrongKeyFails(t *testing.T) {
	k1 := DeriveKey("1234", "max@example.com")
	k2 := DeriveKey("5678", "max@example.com")

	sealed, err := Seal([]byte("secret"), k1)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := Open(sealed, k2); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed, got %v", err)
	}
}

func TestDeriveKeyDiversifiesByEmail(t *testing.T) {
	k1 := DeriveKey("1234", "alice@example.com")
	k2 := DeriveKey("1234", "bob@example.com")

	if string(k1) == string(k2) {
		t.Fatal("expected different keys for different emails with the same PIN")
	}
}

func TestContentHashDeterminism(t *testing.T) {
	h1 := ContentHash([]byte("the same content"))
	h2 := ContentHash([]byte("the same content"))
	h3 := ContentHash([]byte("different content"))

	if h1 != h2 {
		t.Fatal("expected identical hashes for identical content")
	}
	if h1 == h3 {
		t.Fatal("expected different hashes for different content")
	}
}

func TestPINVerifierRoundtrip(t *testing.T) {
	key := DeriveKey("4242", "max@example.com")
	verifier, err := NewPINVerifier(key)
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	if _, err := VerifyPIN("4242", "max@example.com", verifier); err != nil {
		t.Fatalf("expected correct PIN to verify, got %v", err)
	}

	if _, err := VerifyPIN("0000", "max@example.com", verifier); err == nil {
		t.Fatal("expected wrong PIN to fail verification")
	}
}

func TestOpenRejectsMalformedBlob(t *testing.T) {
	key := DeriveKey("1234", "max@example.com")
	if _, err := Open("not-valid-base64!!", key); err != ErrDecryptFailed {
		t.Fatalf("expected ErrDecryptFailed for malformed blob, got %v", err)
	}
}
