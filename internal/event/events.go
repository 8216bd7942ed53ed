package event

import "time"

// Topics
const (
	TopicCosignFinished    = "cosigner_events_finished"
	TopicTransferRequested = "cosigner_transfer_requests"
)

// CosignFinishedEvent run 进入 DONE 或 FAILED 时发布
// Topic: cosigner_events_finished, Key: fingerprint
type CosignFinishedEvent struct {
	RunID         string    `json:"run_id"`
	Fingerprint   string    `json:"fingerprint"`
	State         string    `json:"state"`
	Phase1TxID    string    `json:"phase1_tx_id,omitempty"`
	Phase2TxID    string    `json:"phase2_tx_id,omitempty"`
	FinalTxHash   string    `json:"final_tx_hash,omitempty"`
	FailedState   string    `json:"failed_state,omitempty"`
	FailureReason string    `json:"failure_reason,omitempty"`
	FinishedAt    time.Time `json:"finished_at"`
}

// TransferRequestedEvent 由上游系统投递，worker 消费后发起一次联签
// 未填写的字段沿用配置中的默认转账参数
// Topic: cosigner_transfer_requests
type TransferRequestedEvent struct {
	RequestID   string `json:"request_id" validate:"max=128"`
	Destination string `json:"destination,omitempty" validate:"omitempty,solana_address"`
	Amount      uint64 `json:"amount,omitempty"`
	UIAmount    string `json:"ui_amount,omitempty"`
}
