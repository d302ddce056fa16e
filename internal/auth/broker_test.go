package auth

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

func testBroker(t *testing.T) (*Broker, string) {
	t.Helper()
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	return NewBroker(envPath, filepath.Join(dir, "data", "machine.key")), envPath
}

func TestSetGetRoundTrip(t *testing.T) {
	b, envPath := testBroker(t)

	if err := b.Set("openai_api_key", "sk-test-value-123"); err != nil {
		t.Fatal(err)
	}

	got, ok, err := b.Get("OPENAI_API_KEY")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != "sk-test-value-123" {
		t.Errorf("Get = (%q, %v)", got, ok)
	}

	// The plaintext must not appear in the file.
	raw, err := os.ReadFile(envPath)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "sk-test-value-123") {
		t.Error("plaintext secret written to .env")
	}
	if !strings.Contains(string(raw), "enc:v1:") {
		t.Error("stored value missing the envelope prefix")
	}
}

func TestUnset(t *testing.T) {
	b, _ := testBroker(t)
	if err := b.Set("KEY", "value"); err != nil {
		t.Fatal(err)
	}
	if err := b.Unset("key"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := b.Get("KEY"); err != nil || ok {
		t.Errorf("Get after Unset = (ok=%v, err=%v)", ok, err)
	}
	// Unsetting a missing name is a no-op.
	if err := b.Unset("NEVER_SET"); err != nil {
		t.Fatal(err)
	}
}

func TestForeignEntriesPreserved(t *testing.T) {
	b, envPath := testBroker(t)
	if err := os.WriteFile(envPath, []byte("HAND_WRITTEN=keepme\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := b.Set("MANAGED", "secret"); err != nil {
		t.Fatal(err)
	}
	if err := b.Unset("MANAGED"); err != nil {
		t.Fatal(err)
	}

	got, ok, err := b.Get("HAND_WRITTEN")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != "keepme" {
		t.Errorf("foreign entry after broker writes = (%q, %v)", got, ok)
	}
}

func TestPlaintextEntryReadable(t *testing.T) {
	b, envPath := testBroker(t)
	if err := os.WriteFile(envPath, []byte("LEGACY_TOKEN=plainvalue\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, ok, err := b.Get("legacy_token")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != "plainvalue" {
		t.Errorf("Get = (%q, %v)", got, ok)
	}
}

func TestCheckAndList(t *testing.T) {
	b, _ := testBroker(t)
	if err := b.Set("B_KEY", "2"); err != nil {
		t.Fatal(err)
	}
	if err := b.Set("A_KEY", "1"); err != nil {
		t.Fatal(err)
	}

	ok, err := b.Check("A_KEY")
	if err != nil || !ok {
		t.Errorf("Check(A_KEY) = (%v, %v)", ok, err)
	}
	ok, err = b.Check("MISSING")
	if err != nil || ok {
		t.Errorf("Check(MISSING) = (%v, %v)", ok, err)
	}

	names, err := b.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 || names[0] != "A_KEY" || names[1] != "B_KEY" {
		t.Errorf("List() = %v, want sorted [A_KEY B_KEY]", names)
	}
}

func TestFilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file modes not meaningful on windows")
	}
	b, envPath := testBroker(t)
	if err := b.Set("KEY", "value"); err != nil {
		t.Fatal(err)
	}

	for _, path := range []string{envPath, filepath.Join(filepath.Dir(envPath), "data", "machine.key")} {
		info, err := os.Stat(path)
		if err != nil {
			t.Fatal(err)
		}
		if perm := info.Mode().Perm(); perm != 0o600 {
			t.Errorf("%s mode = %o, want 0600", path, perm)
		}
	}
}

func TestEncryptDecrypt(t *testing.T) {
	var key [KeySize]byte
	copy(key[:], "0123456789abcdef0123456789abcdef")

	ciphertext, nonce, err := EncryptSecret([]byte("hello"), key)
	if err != nil {
		t.Fatal(err)
	}
	plain, err := DecryptSecret(ciphertext, nonce, key)
	if err != nil {
		t.Fatal(err)
	}
	if string(plain) != "hello" {
		t.Errorf("decrypted = %q", plain)
	}

	// Tampering must fail authentication.
	ciphertext[0] ^= 0xff
	if _, err := DecryptSecret(ciphertext, nonce, key); err == nil {
		t.Error("tampered ciphertext decrypted")
	}

	// Wrong key must fail.
	ciphertext[0] ^= 0xff
	var other [KeySize]byte
	if _, err := DecryptSecret(ciphertext, nonce, other); err == nil {
		t.Error("wrong key decrypted")
	}
}

func TestMachineKeyStable(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	keyPath := filepath.Join(dir, "machine.key")

	b1 := NewBroker(envPath, keyPath)
	if err := b1.Set("KEY", "value"); err != nil {
		t.Fatal(err)
	}

	// A fresh broker over the same paths must reuse the persisted key.
	b2 := NewBroker(envPath, keyPath)
	got, ok, err := b2.Get("KEY")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || got != "value" {
		t.Errorf("Get with reloaded key = (%q, %v)", got, ok)
	}
}
