package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"sync"
)

var (
	masterKeyOnce sync.Once
	masterKey     []byte
	masterKeyPath string
)

// SetMasterKeyPath configures where to load the master encryption key from.
// Must be called before the first Seal/Open.
func SetMasterKeyPath(path string) {
	masterKeyPath = path
}

// loadMasterKey derives a 32-byte AES-256 key from, in order: the configured
// key file, the KEYFOLD_MASTER_KEY environment variable, or (development
// only) a freshly generated ephemeral key.
func loadMasterKey() ([]byte, error) {
	var material []byte

	switch {
	case masterKeyPath != "":
		data, err := os.ReadFile(masterKeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read master key file: %w", err)
		}
		material = data
	case os.Getenv("KEYFOLD_MASTER_KEY") != "":
		material = []byte(os.Getenv("KEYFOLD_MASTER_KEY"))
	default:
		// Ephemeral key; sealed secrets will not survive a restart.
		material = make([]byte, 32)
		if _, err := rand.Read(material); err != nil {
			return nil, fmt.Errorf("failed to generate ephemeral master key: %w", err)
		}
	}

	sum := sha256.Sum256(material)
	return sum[:], nil
}

func getMasterKey() ([]byte, error) {
	var err error
	masterKeyOnce.Do(func() {
		masterKey, err = loadMasterKey()
	})
	if err != nil {
		return nil, err
	}
	return masterKey, nil
}

// SealSecret encrypts a credential secret blob using AES-256-GCM under the
// master key. Output format: [nonce][ciphertext+tag].
func SealSecret(plaintext []byte) ([]byte, error) {
	gcm, err := masterGCM()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenSecret decrypts data produced by SealSecret.
func OpenSecret(sealed []byte) ([]byte, error) {
	gcm, err := masterGCM()
	if err != nil {
		return nil, err
	}

	if len(sealed) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := sealed[:gcm.NonceSize()], sealed[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("decryption failed: %w", err)
	}
	return plaintext, nil
}

func masterGCM() (cipher.AEAD, error) {
	key, err := getMasterKey()
	if err != nil {
		return nil, fmt.Errorf("failed to get master key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher: %w", err)
	}

	return cipher.NewGCM(block)
}

// ResetMasterKeyForTesting resets the master key singleton. Tests only.
func ResetMasterKeyForTesting() {
	masterKeyOnce = sync.Once{}
	masterKey = nil
}
