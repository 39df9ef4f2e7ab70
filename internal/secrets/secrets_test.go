package secrets

import (
	"encoding/base64"
	"strings"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	codec, err := NewCodec(key)
	if err != nil {
		t.Fatalf("new codec: %v", err)
	}

	plaintext := `{"shop_url":"example.myshopify.com","access_token":"shpat_abc"}`
	sealed, err := codec.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if strings.Contains(sealed, "shpat_abc") {
		t.Fatalf("ciphertext leaks plaintext")
	}

	opened, err := codec.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if opened != plaintext {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestCodecRejectsBadKey(t *testing.T) {
	if _, err := NewCodec("dG9vc2hvcnQ="); err == nil {
		t.Fatalf("expected error for short key")
	}
	if _, err := NewCodec("not base64!!"); err == nil {
		t.Fatalf("expected error for invalid encoding")
	}
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	key, _ := GenerateKey()
	codec, _ := NewCodec(key)

	sealed, err := codec.Encrypt("secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	raw, err := base64.URLEncoding.DecodeString(sealed)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	raw[len(raw)-1] ^= 0xff
	tampered := base64.URLEncoding.EncodeToString(raw)
	if _, err := codec.Decrypt(tampered); err == nil {
		t.Fatalf("expected error for tampered ciphertext")
	}
}
