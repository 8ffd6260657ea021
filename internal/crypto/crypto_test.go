package crypto

import (
	"errors"
	"testing"
)

func TestEncryptor_RoundTrip(t *testing.T) {
	e, err := NewEncryptor("unit-test-key")
	if err != nil {
		t.Fatalf("new encryptor: %v", err)
	}

	plaintext := "sk-very-secret-api-key"
	ciphertext, err := e.Encrypt(plaintext)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if ciphertext == plaintext {
		t.Fatal("ciphertext equals plaintext")
	}

	got, err := e.Decrypt(ciphertext)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if got != plaintext {
		t.Errorf("decrypted = %q, want %q", got, plaintext)
	}
}

func TestEncryptor_NonDeterministic(t *testing.T) {
	e, err := NewEncryptor("unit-test-key")
	if err != nil {
		t.Fatal(err)
	}

	a, err := e.Encrypt("same input")
	if err != nil {
		t.Fatal(err)
	}
	b, err := e.Encrypt("same input")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same input must differ (random nonce)")
	}
}

func TestEncryptor_WrongKeyFails(t *testing.T) {
	e1, _ := NewEncryptor("key-one")
	e2, _ := NewEncryptor("key-two")

	ciphertext, err := e1.Encrypt("secret")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e2.Decrypt(ciphertext); err == nil {
		t.Error("decrypting with the wrong key must fail")
	}
}

func TestEncryptor_InvalidInputs(t *testing.T) {
	e, err := NewEncryptor("unit-test-key")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := e.Decrypt("not base64 !!!"); err == nil {
		t.Error("garbage ciphertext must fail")
	}
	if _, err := e.Decrypt("aGk="); !errors.Is(err, ErrInvalidCiphertext) {
		t.Errorf("short ciphertext error = %v, want ErrInvalidCiphertext", err)
	}
}
