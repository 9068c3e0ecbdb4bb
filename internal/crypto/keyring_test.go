package crypto

import (
	"bytes"
	"strings"
	"testing"
)

func testKeyring(t *testing.T, active int, versions ...int) *Keyring {
	t.Helper()
	keys := make(map[int][]byte, len(versions))
	for _, v := range versions {
		key := bytes.Repeat([]byte{byte(v)}, 32)
		keys[v] = key
	}
	kr, err := NewKeyring(active, keys)
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	return kr
}

func TestKeyringRoundTrip(t *testing.T) {
	kr := testKeyring(t, 2, 1, 2)

	ct, err := kr.Encrypt([]byte("api-key-value"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if !strings.HasPrefix(ct, "v2:") {
		t.Fatalf("ciphertext not tagged with active version: %s", ct)
	}
	pt, err := kr.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(pt) != "api-key-value" {
		t.Fatalf("unexpected plaintext: %s", pt)
	}
}

func TestKeyringRotationKeepsOldCiphertextReadable(t *testing.T) {
	old := testKeyring(t, 1, 1)
	ct, err := old.Encrypt([]byte("pre-rotation secret"))
	if err != nil {
		t.Fatal(err)
	}

	rotated := testKeyring(t, 2, 1, 2)
	pt, err := rotated.Decrypt(ct)
	if err != nil {
		t.Fatalf("Decrypt after rotation: %v", err)
	}
	if string(pt) != "pre-rotation secret" {
		t.Fatalf("unexpected plaintext: %s", pt)
	}
}

func TestKeyringUnknownVersion(t *testing.T) {
	writer := testKeyring(t, 3, 3)
	ct, err := writer.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	reader := testKeyring(t, 1, 1)
	if _, err := reader.Decrypt(ct); err != ErrUnknownKeyVersion {
		t.Fatalf("expected ErrUnknownKeyVersion, got %v", err)
	}
}

func TestKeyringTamperedCiphertext(t *testing.T) {
	kr := testKeyring(t, 1, 1)
	ct, err := kr.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	cases := []string{
		"",
		"garbage",
		"v1:",
		"v1:not-base64!!",
		ct[:len(ct)-4] + "AAAA",
	}
	for _, c := range cases {
		if _, err := kr.Decrypt(c); err != ErrDecrypt {
			t.Fatalf("ciphertext %q: expected ErrDecrypt, got %v", c, err)
		}
	}
}

func TestNewKeyringValidation(t *testing.T) {
	if _, err := NewKeyring(1, nil); err == nil {
		t.Fatal("expected error for empty keyring")
	}
	if _, err := NewKeyring(1, map[int][]byte{1: []byte("short")}); err == nil {
		t.Fatal("expected error for short key")
	}
	if _, err := NewKeyring(2, map[int][]byte{1: bytes.Repeat([]byte{1}, 32)}); err == nil {
		t.Fatal("expected error for missing active version")
	}
}

func TestGenerateKeyFeedsKeyring(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	if len(a) != 32 || bytes.Equal(a, b) {
		t.Fatalf("keys must be 32 random bytes, got len=%d equal=%v", len(a), bytes.Equal(a, b))
	}
	kr, err := NewKeyring(1, map[int][]byte{1: a})
	if err != nil {
		t.Fatalf("NewKeyring: %v", err)
	}
	ct, err := kr.Encrypt([]byte("value"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if got, err := kr.Decrypt(ct); err != nil || string(got) != "value" {
		t.Fatalf("Decrypt = %q, %v", got, err)
	}
}
