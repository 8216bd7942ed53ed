package types

import (
	"fmt"

	"vault-cosigner/pkg/crypto_util"
)

// TransferSpec describes one SPL token transfer. Built once from configuration
// (or a worker request) and never mutated during a run.
type TransferSpec struct {
	Source      string `json:"source"`      // source authority (owner of the source token account)
	Destination string `json:"destination"` // destination wallet, its associated token account receives funds
	FeePayer    string `json:"fee_payer"`
	Mint        string `json:"mint"`
	Amount      uint64 `json:"amount"` // smallest unit
	Decimals    uint8  `json:"decimals"`
	// RequestID is set for worker requests. Two requests with identical
	// content are distinct payments; redelivery of one request is not.
	RequestID string `json:"request_id,omitempty"`
}

// Fingerprint identifies the transfer for recovery and locking.
func (s TransferSpec) Fingerprint() string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%d|%d",
		s.Source, s.Destination, s.FeePayer, s.Mint, s.Amount, s.Decimals)
	if s.RequestID != "" {
		canonical += "|" + s.RequestID
	}
	return crypto_util.CalculateBlake3([]byte(canonical))
}

// AccountRole is one entry of the compiled message's account table.
type AccountRole struct {
	Address  string `json:"address"`
	Signer   bool   `json:"signer"`
	Writable bool   `json:"writable"`
}

// UnsignedMessage is a compiled transaction message. Bytes are fixed at
// compile time and must be signed as-is by every signer.
type UnsignedMessage struct {
	Bytes      []byte        `json:"bytes"`
	Blockhash  string        `json:"blockhash"`
	Roles      []AccountRole `json:"roles"`
	NumSigners int           `json:"num_signers"`
}

// Signers returns the required signers in slot order.
func (m *UnsignedMessage) Signers() []string {
	n := m.NumSigners
	if n > len(m.Roles) {
		n = len(m.Roles)
	}
	out := make([]string, 0, n)
	for _, r := range m.Roles[:n] {
		out = append(out, r.Address)
	}
	return out
}

// SignerIndex returns the slot index of addr, or -1.
func (m *UnsignedMessage) SignerIndex(addr string) int {
	for i, s := range m.Signers() {
		if s == addr {
			return i
		}
	}
	return -1
}

// SignatureSlot is a positional signature entry. A nil Signature means absent.
type SignatureSlot struct {
	Signer    string `json:"signer"`
	Signature []byte `json:"signature,omitempty"`
}

func (s SignatureSlot) Present() bool {
	return len(s.Signature) > 0
}
