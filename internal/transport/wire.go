package transport

import (
	"github.com/kashguard/go-bridge-validator/internal/crypto"
)

// Payload structs for every MessageType. Binary fields travel hex-encoded,
// matching the JSON wire format both ends agree on.

// ValidatorRegister announces a validator and its share-encryption identity.
type ValidatorRegister struct {
	ValidatorID   int    `json:"validatorId"`
	EncryptionKey string `json:"encryptionKey"` // compressed secp256k1, hex
	Timestamp     int64  `json:"timestamp"`
}

// Heartbeat carries liveness and workload hints used for participant
// selection.
type Heartbeat struct {
	UptimeSeconds int64    `json:"uptime"`
	ActiveChains  []string `json:"activeChains"`
	Pending       int      `json:"pending"`
	HasKeyShare   bool     `json:"hasKeyShare"`
}

// DKGStart kicks off a key-generation ceremony.
type DKGStart struct {
	CeremonyID string `json:"ceremonyId"`
	Threshold  int    `json:"t"`
	Parties    int    `json:"n"`
}

// DKGCommitment is the round-2 broadcast of Feldman coefficient commitments
// with a proof of knowledge of the constant term.
type DKGCommitment struct {
	CeremonyID  string               `json:"ceremonyId"`
	PartyID     int                  `json:"partyId"`
	Commitments []string             `json:"commitments"` // compressed points, hex
	Proof       *crypto.SchnorrProof `json:"proof"`
}

// DKGShare is the round-4 point-to-point delivery of an encrypted Feldman
// share.
type DKGShare struct {
	CeremonyID     string `json:"ceremonyId"`
	FromParty      int    `json:"fromParty"`
	ToParty        int    `json:"toParty"`
	EncryptedShare string `json:"encryptedShare"` // ECIES blob, hex
}

// DKGPublicKeyShare is the round-6 broadcast of a party's public share.
type DKGPublicKeyShare struct {
	CeremonyID     string `json:"ceremonyId"`
	PartyID        int    `json:"partyId"`
	PublicKeyShare string `json:"publicKeyShare"` // compressed point, hex
}

// SignalEventNotice lets the observing validator tell its peers which
// request a signal maps to.
type SignalEventNotice struct {
	SignalID   string `json:"signalId"`
	SrcChainID uint32 `json:"srcChainId"`
	DstChainID uint32 `json:"dstChainId"`
	TxHash     string `json:"txHash"`
	RequestID  string `json:"requestId"`
}

// SigningRequest invites the selected participants into a ceremony over the
// canonical message.
type SigningRequest struct {
	RequestID    string `json:"requestId"`
	Message      string `json:"message"` // canonical digest, hex
	Participants []int  `json:"participants"`
}

// NonceCommitment is round one of the commit-reveal nonce exchange: a hash
// binding of the party's nonce point.
type NonceCommitment struct {
	RequestID  string `json:"requestId"`
	PartyID    int    `json:"partyId"`
	Commitment string `json:"commitment"` // sha256 binding, hex
}

// NonceReveal is round two: the actual nonce point, checked against the
// prior commitment.
type NonceReveal struct {
	RequestID  string `json:"requestId"`
	PartyID    int    `json:"partyId"`
	NoncePoint string `json:"noncePoint"` // compressed point, hex
}

// PartialSignatureMsg carries one party's signature share.
type PartialSignatureMsg struct {
	RequestID      string `json:"requestId"`
	PartyID        int    `json:"partyId"`
	Signature      string `json:"signature"`  // z_i scalar, hex
	NoncePoint     string `json:"noncePoint"` // R_i, compressed hex
	PublicKeyShare string `json:"publicKeyShare"`
}

// SignatureComplete announces the aggregated signature for a request.
type SignatureComplete struct {
	RequestID    string `json:"requestId"`
	Signature    string `json:"signature"` // R||z, hex
	Participants []int  `json:"participants"`
}
