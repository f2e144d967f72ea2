package crypto

import (
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestECIESRoundTrip(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	plaintext := []byte("feldman share bytes")
	encrypted, err := EncryptForPeer(plaintext, &recipient.PublicKey)
	require.NoError(t, err)
	assert.NotContains(t, string(encrypted), string(plaintext))

	decrypted, err := DecryptFromPeer(encrypted, recipient)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestECIESWrongRecipientFails(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err)
	eavesdropper, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	encrypted, err := EncryptForPeer([]byte("secret"), &recipient.PublicKey)
	require.NoError(t, err)

	_, err = DecryptFromPeer(encrypted, eavesdropper)
	assert.Error(t, err)
}

func TestECIESTamperDetection(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	encrypted, err := EncryptForPeer([]byte("secret"), &recipient.PublicKey)
	require.NoError(t, err)
	encrypted[len(encrypted)-1] ^= 0x01

	_, err = DecryptFromPeer(encrypted, recipient)
	assert.Error(t, err)
}

func TestECIESTruncatedPayload(t *testing.T) {
	recipient, err := ethcrypto.GenerateKey()
	require.NoError(t, err)

	_, err = DecryptFromPeer([]byte{0x02, 0x01}, recipient)
	assert.Error(t, err)
}
