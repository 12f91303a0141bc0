package syncpeer

import (
	"bytes"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c, err := NewCipher("shared secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}

	plaintext := []byte(`{"tenant_id":"t","memories":[]}`)
	sealed, err := c.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if bytes.Contains(sealed, plaintext) {
		t.Fatal("sealed payload contains the plaintext")
	}

	opened, err := c.Decrypt(sealed)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Errorf("round trip = %q, want %q", opened, plaintext)
	}
}

func TestEncryptUsesFreshNonces(t *testing.T) {
	c, err := NewCipher("shared secret")
	if err != nil {
		t.Fatalf("new cipher: %v", err)
	}
	a, _ := c.Encrypt([]byte("same message"))
	b, _ := c.Encrypt([]byte("same message"))
	if bytes.Equal(a, b) {
		t.Error("two seals of the same plaintext are identical")
	}
}

func TestDecryptRejectsWrongSecret(t *testing.T) {
	sender, _ := NewCipher("secret one")
	receiver, _ := NewCipher("secret two")

	sealed, err := sender.Encrypt([]byte("message"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if _, err := receiver.Decrypt(sealed); err == nil {
		t.Fatal("decrypt succeeded with the wrong secret")
	}
}

func TestDecryptRejectsTamperedPayload(t *testing.T) {
	c, _ := NewCipher("shared secret")
	sealed, err := c.Encrypt([]byte("message"))
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	sealed[len(sealed)-1] ^= 0xff
	if _, err := c.Decrypt(sealed); err == nil {
		t.Fatal("decrypt succeeded on a tampered payload")
	}
}

func TestDecryptRejectsTruncatedPayload(t *testing.T) {
	c, _ := NewCipher("shared secret")
	if _, err := c.Decrypt([]byte("short")); err == nil {
		t.Fatal("decrypt succeeded on a truncated payload")
	}
}
