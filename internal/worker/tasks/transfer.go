package tasks

import (
	"context"
	"encoding/json"
	"errors"

	"go.uber.org/zap"

	"vault-cosigner/internal/event"
	"vault-cosigner/internal/service"
	"vault-cosigner/internal/service/mq"
	"vault-cosigner/pkg/config"
	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/validator"
	"vault-cosigner/pkg/wallet/types"
)

// Runner 发起一次联签 (service.CosignService)
type Runner interface {
	Run(ctx context.Context, spec types.TransferSpec) (*service.Result, error)
}

// TransferRequestHandler 消费 TransferRequestedEvent，未指定的字段使用 defaults
type TransferRequestHandler struct {
	runs     Runner
	defaults types.TransferSpec
	log      *zap.Logger
}

func NewTransferRequestHandler(runs Runner, defaults types.TransferSpec, log *zap.Logger) *TransferRequestHandler {
	return &TransferRequestHandler{runs: runs, defaults: defaults, log: log}
}

// Handler 返回绑定 ctx 的 mq 消息处理函数
// 只有 run 被其他进程持有时返回 error (消息保持未确认)，其余结果都已记录在 run 中
func (h *TransferRequestHandler) Handler(ctx context.Context) func(msg *mq.Message) error {
	return func(msg *mq.Message) error {
		spec, requestID, err := h.specFor(msg.Payload)
		if err != nil {
			h.log.Warn("丢弃无效的转账请求", zap.String("msg_id", msg.ID), zap.Error(err))
			return nil
		}

		log := h.log.With(zap.String("request_id", requestID), zap.String("fingerprint", spec.Fingerprint()))
		res, err := h.runs.Run(ctx, spec)
		if errors.Is(err, errno.ErrRunLocked) {
			log.Info("同一转账正在处理中")
			return err
		}
		if err != nil {
			log.Error("转账联签失败", zap.Error(err))
			return nil
		}
		log.Info("转账联签完成", zap.String("run_id", res.RunID), zap.String("tx_hash", res.TxHash))
		return nil
	}
}

func (h *TransferRequestHandler) specFor(payload []byte) (types.TransferSpec, string, error) {
	var ev event.TransferRequestedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return types.TransferSpec{}, "", errno.Wrap(errno.ErrBind, "decode transfer request", err)
	}
	if err := validator.Struct(ev); err != nil {
		return types.TransferSpec{}, ev.RequestID, errno.Wrap(errno.ErrBind, "validate transfer request", err)
	}

	spec := h.defaults
	spec.RequestID = ev.RequestID
	if ev.Destination != "" {
		spec.Destination = ev.Destination
	}
	switch {
	case ev.Amount > 0:
		spec.Amount = ev.Amount
	case ev.UIAmount != "":
		amount, err := config.BaseUnits(ev.UIAmount, spec.Decimals)
		if err != nil {
			return types.TransferSpec{}, ev.RequestID, err
		}
		spec.Amount = amount
	}
	return spec, ev.RequestID, nil
}
