package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"vault-cosigner/internal/event"
	"vault-cosigner/internal/model"
	"vault-cosigner/internal/service/mq"
	"vault-cosigner/internal/store"
	"vault-cosigner/pkg/crypto_util"
	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/monitor"
	"vault-cosigner/pkg/poll"
	"vault-cosigner/pkg/txbuilder"
	"vault-cosigner/pkg/utils/lock"
	"vault-cosigner/pkg/vault"
	"vault-cosigner/pkg/wallet/assembler"
	"vault-cosigner/pkg/wallet/types"
)

// CosignConfig 联签流程参数，启动时确定，运行期间只读
type CosignConfig struct {
	Path           string
	AccessToken    string
	FeePayerVault  string
	SourceVault    string
	WaitForState   string
	SkipPrediction bool
	Poll           poll.Config
	LockTTL        time.Duration
}

// CosignDeps 外部依赖，Store / Locker / Producer / Metrics / Logger 可为空
type CosignDeps struct {
	Builder  MessageBuilder
	Signer   RequestSigner
	Vault    VaultAPI
	Store    store.RunStore
	Locker   lock.DistributedLock
	Producer mq.Producer
	Metrics  *monitor.CosignMetrics
	Logger   *zap.Logger
}

// Result 一次 run 的对外结果
type Result struct {
	RunID      string         `json:"run_id"`
	State      model.RunState `json:"state"`
	Phase1TxID string         `json:"phase1_tx_id,omitempty"`
	Phase2TxID string         `json:"phase2_tx_id,omitempty"`
	TxHash     string         `json:"tx_hash,omitempty"`
	Resumed    bool           `json:"resumed"`
}

// CosignService 两阶段联签状态机
//
//	BUILT → SUBMITTED_PHASE1 → POLLING_PHASE1 → ASSEMBLED → SUBMITTED_PHASE2 → POLLING_PHASE2 → DONE
//
// 任意状态出错进入 FAILED。每次状态变化都会写入 RunStore，进程重启后可以从记录处继续。
type CosignService struct {
	builder  MessageBuilder
	signer   RequestSigner
	vault    VaultAPI
	store    store.RunStore
	locker   lock.DistributedLock
	producer mq.Producer
	metrics  *monitor.CosignMetrics
	log      *zap.Logger
	cfg      CosignConfig

	feePayer Phase
	source   Phase

	now   func() time.Time
	newID func() string
}

func NewCosignService(cfg CosignConfig, deps CosignDeps) *CosignService {
	s := &CosignService{
		builder:  deps.Builder,
		signer:   deps.Signer,
		vault:    deps.Vault,
		store:    deps.Store,
		locker:   deps.Locker,
		producer: deps.Producer,
		metrics:  deps.Metrics,
		log:      deps.Logger,
		cfg:      cfg,
		feePayer: FeePayerPhase(cfg.FeePayerVault),
		source:   SourcePhase(cfg.SourceVault),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	if s.store == nil {
		s.store = store.NewMemoryStore()
	}
	if s.locker == nil {
		s.locker = lock.NopLock{}
	}
	if s.producer == nil {
		s.producer = mq.NopProducer{}
	}
	if s.log == nil {
		s.log = zap.NewNop()
	}
	if s.cfg.LockTTL <= 0 {
		s.cfg.LockTTL = 10 * time.Minute
	}
	return s
}

// Run 执行一次转账联签。如果同一转账存在未结束的 run，则继续该 run 而不是重新提交 phase 1
func (s *CosignService) Run(ctx context.Context, spec types.TransferSpec) (*Result, error) {
	fp := spec.Fingerprint()
	ctx, release, err := s.acquire(ctx, fp)
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := s.run(ctx, spec, fp)
	return res, lockLost(ctx, err)
}

func (s *CosignService) run(ctx context.Context, spec types.TransferSpec, fp string) (*Result, error) {
	existing, err := s.store.FindActive(ctx, fp)
	switch {
	case err == nil:
		s.log.Info("发现未完成的 run，继续执行",
			zap.String("run_id", existing.ID), zap.String("state", string(existing.State)))
		return s.resume(ctx, existing)
	case !errors.Is(err, errno.ErrRunNotFound):
		return nil, err
	}

	run := model.NewCosignRun(s.newID(), spec)
	if err := s.build(ctx, run); err != nil {
		s.metrics.IncRun("build_failed")
		return nil, err
	}
	if err := s.store.Create(ctx, run); err != nil {
		return nil, err
	}
	s.log.Info("消息已构建",
		zap.String("run_id", run.ID), zap.String("blockhash", run.Blockhash), zap.String("signers", run.Signers))
	return s.advance(ctx, run, false)
}

// Resume 从持久化状态继续指定 run
func (s *CosignService) Resume(ctx context.Context, runID string) (*Result, error) {
	run, err := s.store.Get(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.State == model.StateDone {
		return s.result(run, true), nil
	}
	if run.State == model.StateFailed {
		return s.result(run, true), errno.Newf(errno.ErrRunTerminal, "run %s failed in %s: %s", run.ID, run.FailedState, run.FailureReason)
	}

	ctx, release, err := s.acquire(ctx, run.Fingerprint)
	if err != nil {
		return nil, err
	}
	defer release()

	// 加锁后重新读取，避免使用其他进程推进前的旧状态
	if run, err = s.store.Get(ctx, runID); err != nil {
		return nil, err
	}
	res, err := s.resume(ctx, run)
	return res, lockLost(ctx, err)
}

// Get 查询 run
func (s *CosignService) Get(ctx context.Context, runID string) (*model.CosignRun, error) {
	return s.store.Get(ctx, runID)
}

// StaleRuns 返回超过 age 未推进的活动 run
func (s *CosignService) StaleRuns(ctx context.Context, age time.Duration) ([]*model.CosignRun, error) {
	return s.store.ListActive(ctx, s.now().Add(-age))
}

func (s *CosignService) resume(ctx context.Context, run *model.CosignRun) (*Result, error) {
	if run.State.Terminal() {
		return s.result(run, true), nil
	}
	// BUILT 状态下还没有任何提交，重新获取 blockhash 避免使用过期消息
	if run.State == model.StateBuilt {
		if err := s.build(ctx, run); err != nil {
			return s.fail(ctx, run, err, true)
		}
		if err := s.store.Save(ctx, run); err != nil {
			return nil, err
		}
	}
	return s.advance(ctx, run, true)
}

// acquire 获取 run 锁，持有期间每 LockTTL/3 续期一次。
// 续期失败时取消返回的 ctx，run 停在最后持久化的状态
func (s *CosignService) acquire(ctx context.Context, fingerprint string) (context.Context, func(), error) {
	key := "cosign:" + fingerprint
	ok, err := s.locker.Acquire(ctx, key, s.cfg.LockTTL)
	if err != nil {
		return nil, nil, errno.Wrap(errno.ErrStore, "acquire run lock", err)
	}
	if !ok {
		return nil, nil, errno.Newf(errno.ErrRunLocked, "transfer %s", fingerprint)
	}

	lockCtx, cancel := context.WithCancelCause(ctx)
	stop, done := make(chan struct{}), make(chan struct{})
	go s.keepLock(lockCtx, key, cancel, stop, done)

	return lockCtx, func() {
		close(stop)
		<-done
		cancel(nil)
		if err := s.locker.Release(context.WithoutCancel(ctx), key); err != nil {
			s.log.Warn("释放锁失败", zap.String("key", key), zap.Error(err))
		}
	}, nil
}

func (s *CosignService) keepLock(ctx context.Context, key string, cancel context.CancelCauseFunc, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := s.locker.Refresh(ctx, key, s.cfg.LockTTL)
			if err != nil {
				// 剩余 TTL 足够等到下一次续期
				s.log.Warn("锁续期失败", zap.String("key", key), zap.Error(err))
				continue
			}
			if !held {
				s.log.Error("锁已丢失，停止推进 run", zap.String("key", key))
				cancel(errno.Newf(errno.ErrRunLocked, "lock %s lost", key))
				return
			}
		}
	}
}

// lockLost 锁丢失导致的中断返回 ErrRunLocked，run 可由持有锁的一方继续
func lockLost(ctx context.Context, err error) error {
	if err == nil || ctx.Err() == nil {
		return err
	}
	if cause := context.Cause(ctx); errors.Is(cause, errno.ErrRunLocked) {
		return cause
	}
	return err
}

func (s *CosignService) build(ctx context.Context, run *model.CosignRun) error {
	msg, err := s.builder.BuildLatest(ctx, run.TransferSpec())
	if err != nil {
		return err
	}
	if err := run.SetMessage(msg); err != nil {
		return errno.Wrap(errno.ErrBuild, "record message", err)
	}
	if err := run.SetSlots(assembler.EmptySlots(msg)); err != nil {
		return errno.Wrap(errno.ErrBuild, "record slots", err)
	}
	run.State = model.StateBuilt
	return nil
}

// advance 按状态推进直到 DONE / FAILED，或 ctx 被取消 (此时 run 保持可恢复)
func (s *CosignService) advance(ctx context.Context, run *model.CosignRun, resumed bool) (*Result, error) {
	for !run.State.Terminal() {
		var err error
		switch run.State {
		case model.StateBuilt:
			err = s.submitFeePayer(ctx, run)
		case model.StateSubmittedPhase1, model.StatePollingPhase1:
			err = s.collectFeePayer(ctx, run)
		case model.StateAssembled:
			err = s.submitSource(ctx, run)
		case model.StateSubmittedPhase2, model.StatePollingPhase2:
			err = s.confirmSource(ctx, run)
		default:
			err = errno.Newf(errno.InternalServerError, "unknown run state %q", run.State)
		}
		if err != nil {
			return s.fail(ctx, run, err, resumed)
		}
	}

	s.metrics.IncRun("done")
	s.publish(ctx, run)
	s.log.Info("联签完成",
		zap.String("run_id", run.ID), zap.String("tx_id", run.Phase2TxID), zap.String("tx_hash", run.FinalTxHash))
	return s.result(run, resumed), nil
}

// submitFeePayer BUILT → SUBMITTED_PHASE1
func (s *CosignService) submitFeePayer(ctx context.Context, run *model.CosignRun) error {
	msg, slots, err := s.restore(run)
	if err != nil {
		return err
	}
	rec, err := s.submit(ctx, s.feePayer, msg, slots)
	if err != nil {
		return err
	}
	run.Phase1TxID = rec.ID
	s.log.Info("phase 1 已提交", zap.String("run_id", run.ID), zap.String("tx_id", rec.ID), zap.String("status", rec.Status))
	return s.transition(ctx, run, model.StateSubmittedPhase1)
}

// collectFeePayer POLLING_PHASE1 → ASSEMBLED
func (s *CosignService) collectFeePayer(ctx context.Context, run *model.CosignRun) error {
	if err := s.transition(ctx, run, model.StatePollingPhase1); err != nil {
		return err
	}
	rec, err := s.await(ctx, s.feePayer, run.Phase1TxID)
	if err != nil {
		return err
	}

	msg, slots, err := s.restore(run)
	if err != nil {
		return err
	}
	msg, err = s.adoptVaultMessage(run, msg, rec)
	if err != nil {
		return err
	}

	index := msg.SignerIndex(run.FeePayer)
	sig, err := pickSignature(rec, index)
	if err != nil {
		return err
	}
	slots, err = assembler.MergeVerified(msg, slots, index, sig)
	if err != nil {
		return err
	}

	if err := run.SetMessage(msg); err != nil {
		return errno.Wrap(errno.ErrAssembly, "record message", err)
	}
	if err := run.SetSlots(slots); err != nil {
		return errno.Wrap(errno.ErrAssembly, "record slots", err)
	}
	return s.transition(ctx, run, model.StateAssembled)
}

// submitSource ASSEMBLED → SUBMITTED_PHASE2
func (s *CosignService) submitSource(ctx context.Context, run *model.CosignRun) error {
	msg, slots, err := s.restore(run)
	if err != nil {
		return err
	}
	rec, err := s.submit(ctx, s.source, msg, slots)
	if err != nil {
		return err
	}
	run.Phase2TxID = rec.ID
	s.log.Info("phase 2 已提交", zap.String("run_id", run.ID), zap.String("tx_id", rec.ID), zap.String("status", rec.Status))
	return s.transition(ctx, run, model.StateSubmittedPhase2)
}

// confirmSource POLLING_PHASE2 → DONE
func (s *CosignService) confirmSource(ctx context.Context, run *model.CosignRun) error {
	if err := s.transition(ctx, run, model.StatePollingPhase2); err != nil {
		return err
	}
	rec, err := s.await(ctx, s.source, run.Phase2TxID)
	if err != nil {
		return err
	}
	run.FinalTxHash = rec.Hash

	// 交易已由 vault 广播，这里只记录签名，校验失败不影响结果
	msg, slots, err := s.restore(run)
	if err == nil {
		index := msg.SignerIndex(run.Source)
		if sig := signatureAt(rec, index); sig != nil {
			if merged, merr := assembler.MergeVerified(msg, slots, index, sig); merr == nil {
				slots = merged
				if serr := run.SetSlots(slots); serr != nil {
					s.log.Warn("记录 phase 2 签名失败", zap.String("run_id", run.ID), zap.Error(serr))
				}
			} else {
				s.log.Warn("phase 2 签名校验失败", zap.String("run_id", run.ID), zap.Error(merr))
			}
		}
		if verr := assembler.VerifyComplete(msg, slots); verr != nil {
			s.log.Warn("最终签名不完整", zap.String("run_id", run.ID), zap.Error(verr))
		}
	}
	return s.transition(ctx, run, model.StateDone)
}

// submit 序列化、签名并提交一次请求。请求体只构造一次，签名与发送使用同一字符串
func (s *CosignService) submit(ctx context.Context, phase Phase, msg *types.UnsignedMessage, slots []types.SignatureSlot) (*vault.TransactionRecord, error) {
	details, err := assembler.Serialize(msg, slots)
	if err != nil {
		return nil, err
	}
	details.PushMode = phase.PushMode
	details.SkipPrediction = s.cfg.SkipPrediction

	body, err := json.Marshal(vault.NewSigningRequest(phase.VaultID, *details, s.cfg.WaitForState))
	if err != nil {
		return nil, errno.Wrap(errno.ErrSigning, "encode request body", err)
	}
	ts := s.now().UnixMilli()
	signature, err := s.signer.Sign(s.cfg.Path, ts, string(body))
	if err != nil {
		return nil, err
	}
	s.log.Debug("提交签名请求",
		zap.String("phase", phase.Name), zap.String("vault_id", phase.VaultID),
		zap.Int64("timestamp", ts), zap.String("body_sha256", crypto_util.CalculateSHA256(body)))
	rec, err := s.vault.Submit(ctx, s.cfg.Path, s.cfg.AccessToken, signature, ts, string(body))
	if err != nil {
		return nil, fmt.Errorf("%s submit: %w", phase.Name, err)
	}
	return rec, nil
}

// await 轮询 vault 直到阶段完成。超时类网络错误可重试，其余错误立即终止
func (s *CosignService) await(ctx context.Context, phase Phase, txID string) (*vault.TransactionRecord, error) {
	if txID == "" {
		return nil, errno.Newf(errno.ErrIncompleteSignature, "%s has no vault transaction id", phase.Name)
	}
	start := s.now()
	log := s.log.With(zap.String("phase", phase.Name), zap.String("tx_id", txID))

	rec, outcome, err := poll.Until(ctx, s.cfg.Poll, func(ctx context.Context, attempt int) (*vault.TransactionRecord, poll.Outcome, error) {
		s.metrics.IncPollAttempt(phase.Name)
		rec, err := s.vault.Fetch(ctx, s.cfg.Path, s.cfg.AccessToken, txID)
		if err != nil {
			if errno.IsTemporary(err) {
				log.Warn("查询超时，稍后重试", zap.Int("attempt", attempt), zap.Error(err))
				return nil, poll.Pending, err
			}
			return nil, poll.Failed, err
		}
		if rec.Class() == vault.StatusFailed {
			return rec, poll.Failed, errno.Newf(errno.ErrIncompleteSignature,
				"%s: vault transaction %s ended in status %q", phase.Name, txID, rec.Status)
		}
		if phase.Ready(rec) {
			return rec, poll.Ready, nil
		}
		log.Debug("等待 vault 签名", zap.Int("attempt", attempt), zap.String("status", rec.Status))
		return rec, poll.Pending, nil
	})

	switch outcome {
	case poll.Ready:
		s.metrics.ObservePhase(phase.Name, s.now().Sub(start))
		return rec, nil
	case poll.Failed:
		return nil, fmt.Errorf("%s fetch: %w", phase.Name, err)
	}
	if ctx.Err() != nil {
		return nil, err
	}
	return nil, errno.Wrap(errno.ErrIncompleteSignature, fmt.Sprintf("%s: vault transaction %s", phase.Name, txID), err)
}

// adoptVaultMessage vault 回传 raw_transaction 时以其消息字节为准，签名者表必须一致
func (s *CosignService) adoptVaultMessage(run *model.CosignRun, msg *types.UnsignedMessage, rec *vault.TransactionRecord) (*types.UnsignedMessage, error) {
	raw, err := rec.RawTransactionBytes()
	if err != nil {
		return nil, errno.Wrap(errno.ErrMalformedResponse, "decode raw_transaction", err)
	}
	if raw == nil {
		return msg, nil
	}
	_, msgBytes, err := assembler.SplitRawTransaction(raw)
	if err != nil {
		return nil, err
	}
	echoed, err := txbuilder.DecodeMessage(msgBytes)
	if err != nil {
		return nil, err
	}
	want, got := msg.Signers(), echoed.Signers()
	if len(want) != len(got) {
		return nil, errno.Newf(errno.ErrAssembly, "vault message has %d signers, expected %d", len(got), len(want))
	}
	for i := range want {
		if want[i] != got[i] {
			return nil, errno.Newf(errno.ErrAssembly, "vault message signer %d is %s, expected %s", i, got[i], want[i])
		}
	}
	if !bytes.Equal(echoed.Bytes, msg.Bytes) {
		s.log.Warn("vault 重新编译了消息，后续使用 vault 返回的字节",
			zap.String("run_id", run.ID), zap.Int("local_len", len(msg.Bytes)), zap.Int("vault_len", len(echoed.Bytes)))
	}
	return echoed, nil
}

// restore 从 run 记录还原消息与签名槽
func (s *CosignService) restore(run *model.CosignRun) (*types.UnsignedMessage, []types.SignatureSlot, error) {
	signers, err := run.SignerList()
	if err != nil {
		return nil, nil, errno.Wrap(errno.ErrStore, "decode signers", err)
	}
	if len(run.Message) == 0 || len(signers) == 0 {
		return nil, nil, errno.Newf(errno.ErrStore, "run %s has no message", run.ID)
	}
	roles := make([]types.AccountRole, len(signers))
	for i, addr := range signers {
		roles[i] = types.AccountRole{Address: addr, Signer: true}
	}
	msg := &types.UnsignedMessage{
		Bytes:      run.Message,
		Blockhash:  run.Blockhash,
		Roles:      roles,
		NumSigners: len(signers),
	}
	slots, err := run.Slots()
	if err != nil {
		return nil, nil, errno.Wrap(errno.ErrStore, "decode slots", err)
	}
	return msg, slots, nil
}

func (s *CosignService) transition(ctx context.Context, run *model.CosignRun, next model.RunState) error {
	if run.State == next {
		return nil
	}
	prev := run.State
	run.State = next
	if err := s.store.Save(ctx, run); err != nil {
		run.State = prev
		return err
	}
	s.log.Debug("状态变更", zap.String("run_id", run.ID), zap.String("from", string(prev)), zap.String("to", string(next)))
	return nil
}

// fail 记录 FAILED 并返回原始错误。ctx 取消时不修改状态，run 可在之后恢复
func (s *CosignService) fail(ctx context.Context, run *model.CosignRun, cause error, resumed bool) (*Result, error) {
	if ctx.Err() != nil {
		s.log.Warn("run 被中断，可通过 resume 继续",
			zap.String("run_id", run.ID), zap.String("state", string(run.State)), zap.Error(cause))
		return s.result(run, resumed), cause
	}

	run.FailedState = string(run.State)
	run.State = model.StateFailed
	run.FailureReason = cause.Error()
	if err := s.store.Save(ctx, run); err != nil {
		s.log.Error("保存失败状态出错", zap.String("run_id", run.ID), zap.Error(err))
	}
	code, _ := errno.Decode(cause)
	s.log.Error("联签失败",
		zap.String("run_id", run.ID), zap.String("failed_state", run.FailedState), zap.Int("code", code), zap.Error(cause))
	s.metrics.IncRun("failed")
	s.publish(ctx, run)
	return s.result(run, resumed), cause
}

func (s *CosignService) publish(ctx context.Context, run *model.CosignRun) {
	payload, err := json.Marshal(event.CosignFinishedEvent{
		RunID:         run.ID,
		Fingerprint:   run.Fingerprint,
		State:         string(run.State),
		Phase1TxID:    run.Phase1TxID,
		Phase2TxID:    run.Phase2TxID,
		FinalTxHash:   run.FinalTxHash,
		FailedState:   run.FailedState,
		FailureReason: run.FailureReason,
		FinishedAt:    s.now().UTC(),
	})
	if err != nil {
		s.log.Error("编码事件失败", zap.Error(err))
		return
	}
	if err := s.producer.Publish(context.WithoutCancel(ctx), event.TopicCosignFinished, run.Fingerprint, payload); err != nil {
		s.log.Warn("发布事件失败", zap.String("run_id", run.ID), zap.Error(err))
	}
}

func (s *CosignService) result(run *model.CosignRun, resumed bool) *Result {
	return &Result{
		RunID:      run.ID,
		State:      run.State,
		Phase1TxID: run.Phase1TxID,
		Phase2TxID: run.Phase2TxID,
		TxHash:     run.FinalTxHash,
		Resumed:    resumed,
	}
}

// signatureAt 返回 index 位置的签名，不存在或无法解码时返回 nil
func signatureAt(rec *vault.TransactionRecord, index int) []byte {
	if index < 0 || index >= len(rec.Signatures) {
		return nil
	}
	sig, err := vault.DecodeSignature(rec.Signatures[index])
	if err != nil {
		return nil
	}
	return sig
}

// pickSignature 优先取 index 位置的签名，否则取第一个非空签名
func pickSignature(rec *vault.TransactionRecord, index int) ([]byte, error) {
	if sig := signatureAt(rec, index); sig != nil {
		return sig, nil
	}
	for _, d := range rec.Signatures {
		sig, err := vault.DecodeSignature(d)
		if err != nil {
			return nil, errno.Wrap(errno.ErrMalformedResponse, "decode signature", err)
		}
		if sig != nil {
			return sig, nil
		}
	}
	return nil, errno.Newf(errno.ErrIncompleteSignature, "vault transaction %s has no signature", rec.ID)
}
