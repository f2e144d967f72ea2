package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"io"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"golang.org/x/crypto/hkdf"
)

const (
	// aesGCMNonceSize is the standard nonce size for GCM (12 bytes).
	aesGCMNonceSize = 12
	// keySizeAES256 is the key size for AES-256 (32 bytes).
	keySizeAES256 = 32
)

// eciesInfo domain-separates the HKDF derivation from other uses of the
// same key pair.
var eciesInfo = []byte("dkg-share-delivery-v1")

// EncryptForPeer encrypts plaintext to the recipient's secp256k1 identity key
// using ECIES with AES-256-GCM.
// Format: EphemeralPubKey (33 bytes) || Nonce (12 bytes) || Ciphertext (including tag).
func EncryptForPeer(plaintext []byte, recipient *ecdsa.PublicKey) ([]byte, error) {
	if recipient == nil {
		return nil, errors.New("recipient public key is nil")
	}

	ephemeral, err := ethcrypto.GenerateKey()
	if err != nil {
		return nil, errors.Wrap(err, "failed to generate ephemeral key")
	}

	sharedSecret, err := computeSharedSecret(ephemeral, recipient)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute shared secret")
	}

	ephemeralPubBytes := ethcrypto.CompressPubkey(&ephemeral.PublicKey)

	// Salt = ephemeral pubkey, binding the derived key to this exchange.
	encKey, err := deriveAESKey(sharedSecret, ephemeralPubBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcm")
	}

	nonce := make([]byte, aesGCMNonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.Wrap(err, "failed to generate nonce")
	}

	// Ephemeral public key doubles as AAD so it cannot be swapped.
	ciphertext := gcm.Seal(nil, nonce, plaintext, ephemeralPubBytes)

	result := make([]byte, 0, len(ephemeralPubBytes)+len(nonce)+len(ciphertext))
	result = append(result, ephemeralPubBytes...)
	result = append(result, nonce...)
	result = append(result, ciphertext...)
	return result, nil
}

// DecryptFromPeer reverses EncryptForPeer with the recipient's private key.
func DecryptFromPeer(encrypted []byte, recipient *ecdsa.PrivateKey) ([]byte, error) {
	if recipient == nil {
		return nil, errors.New("recipient private key is nil")
	}
	if len(encrypted) < CompressedPointSize+aesGCMNonceSize {
		return nil, errors.New("encrypted payload too short")
	}

	ephemeralPubBytes := encrypted[:CompressedPointSize]
	nonce := encrypted[CompressedPointSize : CompressedPointSize+aesGCMNonceSize]
	ciphertext := encrypted[CompressedPointSize+aesGCMNonceSize:]

	ephemeralPub, err := ethcrypto.DecompressPubkey(ephemeralPubBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decompress ephemeral public key")
	}

	sharedSecret, err := computeSharedSecret(recipient, ephemeralPub)
	if err != nil {
		return nil, errors.Wrap(err, "failed to compute shared secret")
	}

	encKey, err := deriveAESKey(sharedSecret, ephemeralPubBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to derive key")
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create aes cipher")
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create gcm")
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, ephemeralPubBytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decrypt")
	}
	return plaintext, nil
}

// computeSharedSecret computes the ECDH shared secret (x-coordinate).
func computeSharedSecret(priv *ecdsa.PrivateKey, pub *ecdsa.PublicKey) ([]byte, error) {
	if priv == nil || pub == nil {
		return nil, errors.New("key is nil")
	}
	if !ethcrypto.S256().IsOnCurve(pub.X, pub.Y) {
		return nil, errors.New("public key is not on curve")
	}
	x, _ := ethcrypto.S256().ScalarMult(pub.X, pub.Y, priv.D.Bytes())
	if x == nil {
		return nil, errors.New("shared secret is nil")
	}
	return x.Bytes(), nil
}

// deriveAESKey derives the AES-256 key from the shared secret and salt
// using HKDF-SHA256.
func deriveAESKey(secret, salt []byte) ([]byte, error) {
	kdf := hkdf.New(sha256.New, secret, salt, eciesInfo)
	key := make([]byte, keySizeAES256)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, err
	}
	return key, nil
}
