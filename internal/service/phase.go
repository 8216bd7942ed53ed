package service

import (
	"vault-cosigner/pkg/vault"
)

// Phase 描述一个签名阶段: 由哪个 vault 签名、是否广播、何时视为完成
type Phase struct {
	Name     string
	VaultID  string
	PushMode string
	// Ready 判断 vault 记录是否已满足本阶段的完成条件
	Ready func(rec *vault.TransactionRecord) bool
}

// FeePayerPhase 只签名不广播，拿到任意一个签名即可
func FeePayerPhase(vaultID string) Phase {
	return Phase{
		Name:     "phase1",
		VaultID:  vaultID,
		PushMode: vault.PushModeManual,
		Ready: func(rec *vault.TransactionRecord) bool {
			return rec.PresentSignatures() > 0
		},
	}
}

// SourcePhase 签名齐全后由 vault 广播，等待 signed 或已上链状态
func SourcePhase(vaultID string) Phase {
	return Phase{
		Name:     "phase2",
		VaultID:  vaultID,
		PushMode: vault.PushModeAuto,
		Ready: func(rec *vault.TransactionRecord) bool {
			return rec.Class() == vault.StatusSigned
		},
	}
}
