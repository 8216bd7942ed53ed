package vault

// Push modes
const (
	PushModeManual = "manual" // 只签名，不广播
	PushModeAuto   = "auto"   // 签名齐全后由 vault 广播
)

const (
	DefaultChain    = "solana_mainnet"
	SignerTypeAPI   = "api_signer"
	SignModeAuto    = "auto"
	TypeSolanaTx    = "solana_transaction"
	DetailsTypeMsg  = "solana_serialized_transaction_message"
	DefaultBaseURL  = "https://api.fordefi.com"
	TransactionPath = "/api/v1/transactions"
)

// SignatureData 对应 {data: base64|null}，nil 表示该位置尚未签名
type SignatureData struct {
	Data *string `json:"data"`
}

type TransactionDetails struct {
	SkipPrediction bool            `json:"skip_prediction"`
	Type           string          `json:"type"`
	PushMode       string          `json:"push_mode"`
	Chain          string          `json:"chain"`
	Data           string          `json:"data"`
	Signatures     []SignatureData `json:"signatures"`
}

type SigningRequest struct {
	VaultID      string             `json:"vault_id"`
	SignerType   string             `json:"signer_type"`
	SignMode     string             `json:"sign_mode"`
	Type         string             `json:"type"`
	Details      TransactionDetails `json:"details"`
	WaitForState string             `json:"wait_for_state,omitempty"`
}

// NewSigningRequest 填充固定字段
func NewSigningRequest(vaultID string, details TransactionDetails, waitForState string) SigningRequest {
	return SigningRequest{
		VaultID:      vaultID,
		SignerType:   SignerTypeAPI,
		SignMode:     SignModeAuto,
		Type:         TypeSolanaTx,
		Details:      details,
		WaitForState: waitForState,
	}
}

// TransactionRecord 是 vault 侧的交易状态，在入口处做 schema 校验
type TransactionRecord struct {
	ID             string          `json:"id" validate:"required"`
	Status         string          `json:"status" validate:"required"`
	Signatures     []SignatureData `json:"signatures"`
	RawTransaction string          `json:"raw_transaction,omitempty" validate:"omitempty,base64"`
	Hash           string          `json:"hash,omitempty"`
}

// StatusClass 将 vault 状态归类
type StatusClass int

const (
	StatusPending StatusClass = iota
	StatusSigned
	StatusFailed
)

func (c StatusClass) String() string {
	switch c {
	case StatusSigned:
		return "signed"
	case StatusFailed:
		return "failed"
	default:
		return "pending"
	}
}

var statusClasses = map[string]StatusClass{
	"signed":                      StatusSigned,
	"pushed_to_blockchain":        StatusSigned,
	"mined":                       StatusSigned,
	"completed":                   StatusSigned,
	"failed":                      StatusFailed,
	"aborted":                     StatusFailed,
	"cancelled":                   StatusFailed,
	"error_signing":               StatusFailed,
	"error_pushing_to_blockchain": StatusFailed,
	"mined_reverted":              StatusFailed,
	"completed_reverted":          StatusFailed,
}

// Class 未知状态一律视为 pending
func (r *TransactionRecord) Class() StatusClass {
	return statusClasses[r.Status]
}

// PresentSignatures 返回非空签名的数量
func (r *TransactionRecord) PresentSignatures() int {
	n := 0
	for _, s := range r.Signatures {
		if s.Data != nil && *s.Data != "" {
			n++
		}
	}
	return n
}
