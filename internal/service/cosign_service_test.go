package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gagliardetto/solana-go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"vault-cosigner/internal/event"
	"vault-cosigner/internal/model"
	"vault-cosigner/internal/store"
	"vault-cosigner/pkg/errno"
	"vault-cosigner/pkg/monitor"
	"vault-cosigner/pkg/poll"
	"vault-cosigner/pkg/txbuilder"
	"vault-cosigner/pkg/utils/lock"
	"vault-cosigner/pkg/vault"
	"vault-cosigner/pkg/wallet/assembler"
	"vault-cosigner/pkg/wallet/types"
)

const (
	feePayerVaultID = "vault-fee-payer"
	sourceVaultID   = "vault-source"
	testPath        = "/api/v1/transactions"
)

// fakeVault 按 vault_id 用对应私钥签名，模拟 vault 的签名与广播行为
type fakeVault struct {
	mu      sync.Mutex
	keys    map[string]solana.PrivateKey
	records map[string]*vault.TransactionRecord
	bodies  []string
	reqs    []vault.SigningRequest
	fetches int

	submitErr  error
	neverSign  bool
	holdSource bool
	echoRaw    bool
}

func newFakeVault(feePayer, source solana.PrivateKey) *fakeVault {
	return &fakeVault{
		keys: map[string]solana.PrivateKey{
			feePayerVaultID: feePayer,
			sourceVaultID:   source,
		},
		records: map[string]*vault.TransactionRecord{},
	}
}

func (v *fakeVault) Submit(_ context.Context, path, token, signature string, ts int64, body string) (*vault.TransactionRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.submitErr != nil {
		return nil, v.submitErr
	}

	var req vault.SigningRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		return nil, err
	}
	v.bodies = append(v.bodies, body)
	v.reqs = append(v.reqs, req)

	msgBytes, err := base64.StdEncoding.DecodeString(req.Details.Data)
	if err != nil {
		return nil, err
	}
	msg, err := txbuilder.DecodeMessage(msgBytes)
	if err != nil {
		return nil, err
	}
	key := v.keys[req.VaultID]
	sig, err := key.Sign(msgBytes)
	if err != nil {
		return nil, err
	}

	sigs := make([]vault.SignatureData, len(req.Details.Signatures))
	copy(sigs, req.Details.Signatures)
	sigs[msg.SignerIndex(key.PublicKey().String())] = vault.EncodeSignature(sig[:])

	id := fmt.Sprintf("tx-%d", len(v.reqs))
	rec := &vault.TransactionRecord{ID: id, Status: "signed", Signatures: sigs}
	if req.Details.PushMode == vault.PushModeAuto {
		rec.Status = "completed"
		// 交易哈希即第一个签名 (fee payer)
		first, _ := vault.DecodeSignature(sigs[0])
		rec.Hash = solana.SignatureFromBytes(first).String()
	}
	if v.echoRaw {
		raw := []byte{byte(len(sigs))}
		for _, s := range sigs {
			b, _ := vault.DecodeSignature(s)
			if b == nil {
				b = make([]byte, assembler.SignatureLength)
			}
			raw = append(raw, b...)
		}
		raw = append(raw, msgBytes...)
		rec.RawTransaction = base64.StdEncoding.EncodeToString(raw)
	}
	v.records[id] = rec
	return &vault.TransactionRecord{ID: id, Status: "created", Signatures: req.Details.Signatures}, nil
}

func (v *fakeVault) Fetch(_ context.Context, path, token, id string) (*vault.TransactionRecord, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.fetches++
	rec, ok := v.records[id]
	if !ok {
		return nil, &errno.HTTPError{StatusCode: 404, Body: "not found"}
	}
	isSource := rec.Status == "completed"
	if v.neverSign || (isSource && v.holdSource) {
		return &vault.TransactionRecord{ID: id, Status: "waiting_for_approval", Signatures: make([]vault.SignatureData, len(rec.Signatures))}, nil
	}
	cp := *rec
	return &cp, nil
}

func (v *fakeVault) submitted() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.reqs)
}

type recordingSigner struct {
	mu     sync.Mutex
	bodies []string
}

func (s *recordingSigner) Sign(path string, ts int64, body string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bodies = append(s.bodies, body)
	return fmt.Sprintf("sig-%d", len(s.bodies)), nil
}

type recordingProducer struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	events []event.CosignFinishedEvent
}

func (p *recordingProducer) Publish(_ context.Context, topic, key string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ev event.CosignFinishedEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.events = append(p.events, ev)
	return nil
}

type harness struct {
	svc      *CosignService
	vault    *fakeVault
	signer   *recordingSigner
	producer *recordingProducer
	store    *store.KVRunStore
	metrics  *monitor.CosignMetrics
	spec     types.TransferSpec
	feePayer solana.PrivateKey
	source   solana.PrivateKey
}

func newHarness(t *testing.T, locker lock.DistributedLock) *harness {
	t.Helper()
	feePayer, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)
	source, err := solana.NewRandomPrivateKey()
	require.NoError(t, err)

	h := &harness{
		vault:    newFakeVault(feePayer, source),
		signer:   &recordingSigner{},
		producer: &recordingProducer{},
		store:    store.NewMemoryStore(),
		metrics:  monitor.NewCosignMetrics(prometheus.NewRegistry()),
		feePayer: feePayer,
		source:   source,
		spec: types.TransferSpec{
			Source:      source.PublicKey().String(),
			Destination: solana.NewWallet().PublicKey().String(),
			FeePayer:    feePayer.PublicKey().String(),
			Mint:        "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v",
			Amount:      1000,
			Decimals:    6,
		},
	}
	h.svc = NewCosignService(CosignConfig{
		Path:          testPath,
		AccessToken:   "token",
		FeePayerVault: feePayerVaultID,
		SourceVault:   sourceVaultID,
		WaitForState:  "signed",
		Poll: poll.Config{
			Interval:    time.Millisecond,
			MaxInterval: 5 * time.Millisecond,
			Multiplier:  1.5,
			MaxAttempts: 3,
		},
	}, CosignDeps{
		Builder:  txbuilder.NewBuilder(txbuilder.StaticBlockhash(solana.Hash{7, 7, 7}), txbuilder.DefaultComputeUnitLimit),
		Signer:   h.signer,
		Vault:    h.vault,
		Store:    h.store,
		Locker:   locker,
		Producer: h.producer,
		Metrics:  h.metrics,
		Logger:   zap.NewNop(),
	})
	return h
}

func TestCosignRunCompletes(t *testing.T) {
	h := newHarness(t, nil)
	h.vault.echoRaw = true

	res, err := h.svc.Run(context.Background(), h.spec)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, res.State)
	assert.False(t, res.Resumed)
	assert.Equal(t, "tx-1", res.Phase1TxID)
	assert.Equal(t, "tx-2", res.Phase2TxID)
	assert.NotEmpty(t, res.TxHash)

	require.Len(t, h.vault.reqs, 2)
	phase1, phase2 := h.vault.reqs[0], h.vault.reqs[1]
	assert.Equal(t, feePayerVaultID, phase1.VaultID)
	assert.Equal(t, vault.PushModeManual, phase1.Details.PushMode)
	assert.Equal(t, sourceVaultID, phase2.VaultID)
	assert.Equal(t, vault.PushModeAuto, phase2.Details.PushMode)
	assert.Equal(t, "signed", phase1.WaitForState)

	// 两次提交的消息字节一致
	assert.Equal(t, phase1.Details.Data, phase2.Details.Data)
	// phase 1 两个槽位都为空，phase 2 携带 fee payer 签名且 source 槽位为空
	assert.Nil(t, phase1.Details.Signatures[0].Data)
	assert.Nil(t, phase1.Details.Signatures[1].Data)
	require.NotNil(t, phase2.Details.Signatures[0].Data)
	assert.Nil(t, phase2.Details.Signatures[1].Data)

	msgBytes, err := base64.StdEncoding.DecodeString(phase2.Details.Data)
	require.NoError(t, err)
	s1, err := vault.DecodeSignature(phase2.Details.Signatures[0])
	require.NoError(t, err)
	assert.True(t, solana.SignatureFromBytes(s1).Verify(h.feePayer.PublicKey(), msgBytes))

	// 签名使用的字符串与发送的请求体完全一致
	assert.Equal(t, h.signer.bodies, h.vault.bodies)

	run, err := h.svc.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	msg, slots, err := h.svc.restore(run)
	require.NoError(t, err)
	assert.NoError(t, assembler.VerifyComplete(msg, slots))

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, event.TopicCosignFinished, h.producer.topics[0])
	assert.Equal(t, h.spec.Fingerprint(), h.producer.keys[0])
	assert.Equal(t, string(model.StateDone), h.producer.events[0].State)

	assert.Equal(t, 1.0, testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("done")))
}

func TestCosignRunPhase1Rejected(t *testing.T) {
	h := newHarness(t, nil)
	h.vault.submitErr = &errno.HTTPError{StatusCode: 422, Body: `{"title":"invalid"}`}

	res, err := h.svc.Run(context.Background(), h.spec)
	require.Error(t, err)
	var httpErr *errno.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, 422, httpErr.StatusCode)
	assert.Equal(t, 5, errno.ExitCode(err))
	assert.Equal(t, 0, h.vault.fetches)

	run, err := h.svc.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, string(model.StateBuilt), run.FailedState)

	_, err = h.svc.Resume(context.Background(), res.RunID)
	assert.ErrorIs(t, err, errno.ErrRunTerminal)
	assert.Equal(t, 11, errno.ExitCode(err))

	require.Len(t, h.producer.events, 1)
	assert.Equal(t, string(model.StateFailed), h.producer.events[0].State)
}

func TestCosignRunPhase1NeverSigns(t *testing.T) {
	h := newHarness(t, nil)
	h.vault.neverSign = true

	res, err := h.svc.Run(context.Background(), h.spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, errno.ErrIncompleteSignature)
	assert.ErrorIs(t, err, poll.ErrExhausted)
	assert.Equal(t, 7, errno.ExitCode(err))
	assert.Equal(t, 3, h.vault.fetches)
	assert.Equal(t, 1, h.vault.submitted())

	run, err := h.svc.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StateFailed, run.State)
	assert.Equal(t, string(model.StatePollingPhase1), run.FailedState)
	assert.Equal(t, 3.0, testutil.ToFloat64(h.metrics.PollAttemptsTotal.WithLabelValues("phase1")))
}

func TestCosignResumeDoesNotResubmit(t *testing.T) {
	h := newHarness(t, nil)
	h.vault.holdSource = true
	h.svc.cfg.Poll.MaxAttempts = 0

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	res, err := h.svc.Run(ctx, h.spec)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, h.vault.submitted())

	run, err := h.svc.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StatePollingPhase2, run.State)
	assert.Empty(t, h.producer.events)

	h.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
	stale, err := h.svc.StaleRuns(context.Background(), 30*time.Minute)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, res.RunID, stale[0].ID)

	h.vault.holdSource = false
	again, err := h.svc.Run(context.Background(), h.spec)
	require.NoError(t, err)
	assert.True(t, again.Resumed)
	assert.Equal(t, res.RunID, again.RunID)
	assert.Equal(t, model.StateDone, again.State)
	assert.Equal(t, 2, h.vault.submitted())

	done, err := h.svc.Resume(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, done.State)
}

func TestCosignRequestIDSeparatesRuns(t *testing.T) {
	h := newHarness(t, nil)
	h.vault.holdSource = true
	h.svc.cfg.Poll.MaxAttempts = 0

	reqA, reqB := h.spec, h.spec
	reqA.RequestID = "req-a"
	reqB.RequestID = "req-b"

	runOnce := func(spec types.TransferSpec) *Result {
		ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
		defer cancel()
		res, err := h.svc.Run(ctx, spec)
		require.ErrorIs(t, err, context.DeadlineExceeded)
		return res
	}

	a := runOnce(reqA)
	b := runOnce(reqB)
	assert.NotEqual(t, a.RunID, b.RunID)
	assert.False(t, b.Resumed)
	assert.Equal(t, 4, h.vault.submitted())

	// 同一请求重新投递时继续原 run
	again := runOnce(reqA)
	assert.True(t, again.Resumed)
	assert.Equal(t, a.RunID, again.RunID)
	assert.Equal(t, 4, h.vault.submitted())

	run, err := h.svc.Get(context.Background(), b.RunID)
	require.NoError(t, err)
	assert.Equal(t, "req-b", run.RequestID)
}

func TestCosignResumeFromAssembled(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	msg, err := txbuilder.NewBuilder(txbuilder.StaticBlockhash(solana.Hash{7, 7, 7}), txbuilder.DefaultComputeUnitLimit).BuildLatest(ctx, h.spec)
	require.NoError(t, err)
	sig, err := h.feePayer.Sign(msg.Bytes)
	require.NoError(t, err)
	slots, err := assembler.Merge(assembler.EmptySlots(msg), 0, sig[:])
	require.NoError(t, err)

	run := model.NewCosignRun("run-assembled", h.spec)
	require.NoError(t, run.SetMessage(msg))
	require.NoError(t, run.SetSlots(slots))
	run.State = model.StateAssembled
	run.Phase1TxID = "tx-earlier"
	require.NoError(t, h.store.Create(ctx, run))

	res, err := h.svc.Resume(ctx, "run-assembled")
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, res.State)
	require.Len(t, h.vault.reqs, 1)
	assert.Equal(t, sourceVaultID, h.vault.reqs[0].VaultID)
	assert.Equal(t, "tx-earlier", res.Phase1TxID)
}

func TestCosignRunLocked(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(t, lock.NewRedisLock(client))
	other := lock.NewRedisLock(client)
	ok, err := other.Acquire(context.Background(), "cosign:"+h.spec.Fingerprint(), time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.Run(context.Background(), h.spec)
	assert.ErrorIs(t, err, errno.ErrRunLocked)
	assert.Equal(t, 12, errno.ExitCode(err))
	assert.Equal(t, 0, h.vault.submitted())

	require.NoError(t, other.Release(context.Background(), "cosign:"+h.spec.Fingerprint()))
	res, err := h.svc.Run(context.Background(), h.spec)
	require.NoError(t, err)
	assert.Equal(t, model.StateDone, res.State)
	assert.False(t, mr.Exists("lock:cosign:"+h.spec.Fingerprint()))
}

// expiringLock 获取成功，但续期时报告锁已被他人持有
type expiringLock struct {
	lock.NopLock
	mu        sync.Mutex
	refreshes int
}

func (l *expiringLock) Refresh(context.Context, string, time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return false, nil
}

func TestCosignStopsWhenLockLost(t *testing.T) {
	locker := &expiringLock{}
	h := newHarness(t, locker)
	h.vault.holdSource = true
	h.svc.cfg.Poll.MaxAttempts = 0
	h.svc.cfg.LockTTL = 150 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := h.svc.Run(ctx, h.spec)
	require.ErrorIs(t, err, errno.ErrRunLocked)
	assert.Equal(t, 12, errno.ExitCode(err))

	// 未标记为 FAILED，持锁方可以继续
	run, err := h.svc.Get(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.False(t, run.State.Terminal())
	assert.Empty(t, h.producer.events)

	locker.mu.Lock()
	assert.Equal(t, 1, locker.refreshes)
	locker.mu.Unlock()
}

func TestCosignRefreshesLock(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	h := newHarness(t, lock.NewRedisLock(client))
	h.vault.holdSource = true
	h.svc.cfg.Poll.MaxAttempts = 0
	h.svc.cfg.LockTTL = 60 * time.Millisecond

	// 运行时间为 TTL 的数倍，续期成功时只会因 ctx 超时停止
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := h.svc.Run(ctx, h.spec)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, mr.Exists("lock:cosign:"+h.spec.Fingerprint()))
}

func TestCosignResumeUnknownRun(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.svc.Resume(context.Background(), "missing")
	assert.ErrorIs(t, err, errno.ErrRunNotFound)
}

func TestAdoptVaultMessageRejectsSignerMismatch(t *testing.T) {
	h := newHarness(t, nil)
	msg, err := txbuilder.NewBuilder(txbuilder.StaticBlockhash(solana.Hash{1}), 0).BuildLatest(context.Background(), h.spec)
	require.NoError(t, err)

	otherSpec := h.spec
	otherSpec.FeePayer = solana.NewWallet().PublicKey().String()
	other, err := txbuilder.NewBuilder(txbuilder.StaticBlockhash(solana.Hash{1}), 0).BuildLatest(context.Background(), otherSpec)
	require.NoError(t, err)

	raw := append([]byte{2}, make([]byte, 2*assembler.SignatureLength)...)
	raw = append(raw, other.Bytes...)
	rec := &vault.TransactionRecord{ID: "tx", Status: "signed", RawTransaction: base64.StdEncoding.EncodeToString(raw)}

	_, err = h.svc.adoptVaultMessage(model.NewCosignRun("r", h.spec), msg, rec)
	assert.ErrorIs(t, err, errno.ErrAssembly)

	rec.RawTransaction = ""
	got, err := h.svc.adoptVaultMessage(model.NewCosignRun("r", h.spec), msg, rec)
	require.NoError(t, err)
	assert.Same(t, msg, got)
}

func TestPickSignature(t *testing.T) {
	sig := vault.EncodeSignature(make([]byte, 64))
	rec := &vault.TransactionRecord{ID: "tx", Signatures: []vault.SignatureData{{}, sig}}

	got, err := pickSignature(rec, 0)
	require.NoError(t, err)
	assert.Len(t, got, 64)

	_, err = pickSignature(&vault.TransactionRecord{ID: "tx", Signatures: []vault.SignatureData{{}, {}}}, 0)
	assert.ErrorIs(t, err, errno.ErrIncompleteSignature)
}
