package model

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"vault-cosigner/pkg/wallet/types"
)

// RunState 联签流程状态
type RunState string

const (
	StateBuilt           RunState = "BUILT"
	StateSubmittedPhase1 RunState = "SUBMITTED_PHASE1"
	StatePollingPhase1   RunState = "POLLING_PHASE1"
	StateAssembled       RunState = "ASSEMBLED"
	StateSubmittedPhase2 RunState = "SUBMITTED_PHASE2"
	StatePollingPhase2   RunState = "POLLING_PHASE2"
	StateDone            RunState = "DONE"
	StateFailed          RunState = "FAILED"
)

// Terminal DONE / FAILED 不再推进
func (s RunState) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// ActiveStates 未结束的状态，用于按 fingerprint 查找可恢复的 run
var ActiveStates = []RunState{
	StateBuilt, StateSubmittedPhase1, StatePollingPhase1,
	StateAssembled, StateSubmittedPhase2, StatePollingPhase2,
}

// CosignRun 一次联签的持久化记录
// Message 一旦写入不再变化 (ASSEMBLED 时可能替换为 vault 回传的消息字节)
type CosignRun struct {
	ID          string   `gorm:"type:varchar(36);primaryKey" json:"id" msgpack:"id"`
	Fingerprint string   `gorm:"type:char(64);not null;index" json:"fingerprint" msgpack:"fingerprint"`
	State       RunState `gorm:"type:varchar(32);not null;index" json:"state" msgpack:"state"`

	Source      string `gorm:"type:varchar(44);not null" json:"source" msgpack:"source"`
	Destination string `gorm:"type:varchar(44);not null" json:"destination" msgpack:"destination"`
	FeePayer    string `gorm:"type:varchar(44);not null" json:"fee_payer" msgpack:"fee_payer"`
	Mint        string `gorm:"type:varchar(44);not null" json:"mint" msgpack:"mint"`
	Amount      uint64 `gorm:"not null" json:"amount" msgpack:"amount"`
	Decimals    uint8  `gorm:"not null" json:"decimals" msgpack:"decimals"`
	RequestID   string `gorm:"type:varchar(128)" json:"request_id,omitempty" msgpack:"request_id"`

	Message    []byte `gorm:"type:bytea" json:"-" msgpack:"message"`
	Blockhash  string `gorm:"type:varchar(44)" json:"blockhash" msgpack:"blockhash"`
	Signers    string `gorm:"type:text" json:"-" msgpack:"signers"`    // JSON []string
	Signatures string `gorm:"type:text" json:"-" msgpack:"signatures"` // JSON []base64|null

	Phase1TxID    string `gorm:"type:varchar(64)" json:"phase1_tx_id,omitempty" msgpack:"phase1_tx_id"`
	Phase2TxID    string `gorm:"type:varchar(64)" json:"phase2_tx_id,omitempty" msgpack:"phase2_tx_id"`
	FinalTxHash   string `gorm:"type:varchar(128)" json:"final_tx_hash,omitempty" msgpack:"final_tx_hash"`
	FailedState   string `gorm:"type:varchar(32)" json:"failed_state,omitempty" msgpack:"failed_state"`
	FailureReason string `gorm:"type:text" json:"failure_reason,omitempty" msgpack:"failure_reason"`

	CreatedAt time.Time `json:"created_at" msgpack:"created_at"`
	UpdatedAt time.Time `json:"updated_at" msgpack:"updated_at"`
}

func (CosignRun) TableName() string {
	return "cosign_runs"
}

// NewCosignRun 记录转账参数，消息与签名由 SetMessage / SetSlots 写入
func NewCosignRun(id string, spec types.TransferSpec) *CosignRun {
	return &CosignRun{
		ID:          id,
		Fingerprint: spec.Fingerprint(),
		State:       StateBuilt,
		Source:      spec.Source,
		Destination: spec.Destination,
		FeePayer:    spec.FeePayer,
		Mint:        spec.Mint,
		Amount:      spec.Amount,
		Decimals:    spec.Decimals,
		RequestID:   spec.RequestID,
	}
}

func (r *CosignRun) TransferSpec() types.TransferSpec {
	return types.TransferSpec{
		Source:      r.Source,
		Destination: r.Destination,
		FeePayer:    r.FeePayer,
		Mint:        r.Mint,
		Amount:      r.Amount,
		Decimals:    r.Decimals,
		RequestID:   r.RequestID,
	}
}

// SetMessage 保存消息字节与签名者顺序
func (r *CosignRun) SetMessage(msg *types.UnsignedMessage) error {
	signers, err := json.Marshal(msg.Signers())
	if err != nil {
		return err
	}
	r.Message = msg.Bytes
	r.Blockhash = msg.Blockhash
	r.Signers = string(signers)
	return nil
}

// SignerList 解析 Signers
func (r *CosignRun) SignerList() ([]string, error) {
	if r.Signers == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(r.Signers), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *CosignRun) SetSlots(slots []types.SignatureSlot) error {
	enc := make([]*string, len(slots))
	for i, s := range slots {
		if s.Present() {
			v := base64.StdEncoding.EncodeToString(s.Signature)
			enc[i] = &v
		}
	}
	b, err := json.Marshal(enc)
	if err != nil {
		return err
	}
	r.Signatures = string(b)
	return nil
}

// Slots 按 Signers 顺序还原签名槽
func (r *CosignRun) Slots() ([]types.SignatureSlot, error) {
	signers, err := r.SignerList()
	if err != nil {
		return nil, err
	}
	slots := make([]types.SignatureSlot, len(signers))
	for i, s := range signers {
		slots[i] = types.SignatureSlot{Signer: s}
	}
	if r.Signatures == "" {
		return slots, nil
	}
	var enc []*string
	if err := json.Unmarshal([]byte(r.Signatures), &enc); err != nil {
		return nil, err
	}
	for i := 0; i < len(enc) && i < len(slots); i++ {
		if enc[i] == nil {
			continue
		}
		sig, err := base64.StdEncoding.DecodeString(*enc[i])
		if err != nil {
			return nil, err
		}
		slots[i].Signature = sig
	}
	return slots, nil
}
