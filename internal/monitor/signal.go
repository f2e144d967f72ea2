package monitor

import (
	"encoding/hex"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
)

// Topic hashes of the Signal contract events the monitor subscribes to.
var (
	SignalSentTopic     = ethcrypto.Keccak256Hash([]byte("SignalSent(bytes32,uint32,uint32,address,address,uint32,bytes,uint256)"))
	SignalReceivedTopic = ethcrypto.Keccak256Hash([]byte("SignalReceived(bytes32,uint32,address,bytes,uint256)"))
)

// SignalEvent is one observed SignalSent log. SignalID is the primary key:
// two observations of the same event are byte-identical.
type SignalEvent struct {
	Chain       string
	ChainID     uint32
	SignalID    [32]byte
	SrcChainID  uint32
	DstChainID  uint32
	SrcAddress  common.Address
	DstAddress  common.Address
	Nonce       uint32
	Payload     []byte
	TxHash      common.Hash
	BlockNumber uint64
	Timestamp   time.Time
}

// SignalIDHex returns the hex-encoded primary key.
func (ev *SignalEvent) SignalIDHex() string {
	return hex.EncodeToString(ev.SignalID[:])
}

// RequestID derives the signing request id: signalId || first 8 bytes of
// the observing transaction hash.
func (ev *SignalEvent) RequestID() string {
	return ev.SignalIDHex() + "-" + hex.EncodeToString(ev.TxHash[:8])
}

// parseSignalSent decodes a SignalSent log.
//
// event SignalSent(bytes32 indexed signalId, uint32 indexed srcChainId,
// uint32 indexed dstChainId, address srcAddress, address dstAddress,
// uint32 nonce, bytes payload, uint256 timestamp)
func parseSignalSent(chain string, chainID uint32, lg *types.Log) (*SignalEvent, error) {
	if len(lg.Topics) != 4 {
		return nil, errors.Errorf("SignalSent log has %d topics, want 4", len(lg.Topics))
	}
	// Data head: srcAddress | dstAddress | nonce | payload offset | timestamp,
	// then the payload tail (length-prefixed, padded to 32 bytes).
	if len(lg.Data) < 5*32 {
		return nil, errors.Errorf("SignalSent log data truncated: %d bytes", len(lg.Data))
	}

	ev := &SignalEvent{
		Chain:       chain,
		ChainID:     chainID,
		SignalID:    [32]byte(lg.Topics[1]),
		SrcChainID:  uint32(new(big.Int).SetBytes(lg.Topics[2][:]).Uint64()),
		DstChainID:  uint32(new(big.Int).SetBytes(lg.Topics[3][:]).Uint64()),
		SrcAddress:  common.BytesToAddress(lg.Data[0:32]),
		DstAddress:  common.BytesToAddress(lg.Data[32:64]),
		Nonce:       uint32(new(big.Int).SetBytes(lg.Data[64:96]).Uint64()),
		TxHash:      lg.TxHash,
		BlockNumber: lg.BlockNumber,
	}

	offset := new(big.Int).SetBytes(lg.Data[96:128]).Uint64()
	tsWord := new(big.Int).SetBytes(lg.Data[128:160])
	ev.Timestamp = time.Unix(int64(tsWord.Uint64()), 0).UTC()

	if offset+32 > uint64(len(lg.Data)) {
		return nil, errors.New("SignalSent payload offset out of range")
	}
	payloadLen := new(big.Int).SetBytes(lg.Data[offset : offset+32]).Uint64()
	if offset+32+payloadLen > uint64(len(lg.Data)) {
		return nil, errors.New("SignalSent payload length out of range")
	}
	ev.Payload = make([]byte, payloadLen)
	copy(ev.Payload, lg.Data[offset+32:offset+32+payloadLen])

	return ev, nil
}
