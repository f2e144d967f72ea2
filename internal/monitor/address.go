package monitor

import (
	"encoding/hex"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// CustodyAddress derives the EVM custody wallet address controlled by the
// group public key: Keccak256 of the uncompressed key, last 20 bytes.
func CustodyAddress(compressedGroupKey []byte) (string, error) {
	if len(compressedGroupKey) != 33 {
		return "", errors.Errorf("unsupported public key format: len=%d", len(compressedGroupKey))
	}
	key, err := btcec.ParsePubKey(compressedGroupKey)
	if err != nil {
		return "", errors.Wrap(err, "failed to parse compressed secp256k1 pubkey")
	}
	u := key.SerializeUncompressed() // 65 bytes, 0x04 | X | Y
	hash := ethcrypto.Keccak256(u[1:])
	return fmt.Sprintf("0x%s", hex.EncodeToString(hash[12:])), nil
}
