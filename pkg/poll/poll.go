package poll

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Outcome 是单次检查的结果
type Outcome int

const (
	Pending Outcome = iota
	Ready
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "pending"
	}
}

var (
	// ErrExhausted 达到重试上限仍未就绪
	ErrExhausted = errors.New("poll: retry bound exhausted")
	// ErrFailed 检查报告终态失败但未给出具体错误
	ErrFailed = errors.New("poll: remote reported failure")

	errPending = errors.New("poll: still pending")
)

type Config struct {
	SettleDelay time.Duration // 首次检查前的固定等待
	Interval    time.Duration
	MaxInterval time.Duration
	Multiplier  float64
	Jitter      float64 // 0 表示不随机
	MaxAttempts int
	MaxElapsed  time.Duration // 0 表示不限制
}

// DefaultConfig 对应 vault 签名的典型耗时
func DefaultConfig() Config {
	return Config{
		SettleDelay: 2 * time.Second,
		Interval:    time.Second,
		MaxInterval: 10 * time.Second,
		Multiplier:  1.5,
		MaxAttempts: 20,
		MaxElapsed:  3 * time.Minute,
	}
}

// Check 执行一次检查。返回 Pending 时 err 视为可重试错误
type Check[T any] func(ctx context.Context, attempt int) (T, Outcome, error)

// Until 先等待 SettleDelay，然后按指数退避反复执行 check，直到 Ready / Failed / 超出上限 / ctx 取消
func Until[T any](ctx context.Context, cfg Config, check Check[T]) (T, Outcome, error) {
	var (
		last        T
		lastOutcome = Pending
		lastErr     error
		attempts    int
	)

	if cfg.SettleDelay > 0 {
		timer := time.NewTimer(cfg.SettleDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, Pending, ctx.Err()
		case <-timer.C:
		}
	}

	op := func() (T, error) {
		attempts++
		v, out, err := check(ctx, attempts)
		last, lastOutcome = v, out
		switch out {
		case Ready:
			return v, nil
		case Failed:
			if err == nil {
				err = ErrFailed
			}
			lastErr = err
			return v, backoff.Permanent(err)
		default:
			if err == nil {
				err = errPending
			}
			lastErr = err
			return v, err
		}
	}

	v, err := backoff.Retry(ctx, op, options(cfg)...)
	if err == nil {
		return v, Ready, nil
	}
	if lastOutcome == Failed {
		return last, Failed, lastErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return last, Pending, ctxErr
	}
	if errors.Is(lastErr, errPending) {
		return last, Pending, fmt.Errorf("%w after %d attempts", ErrExhausted, attempts)
	}
	return last, Pending, fmt.Errorf("%w after %d attempts: %w", ErrExhausted, attempts, lastErr)
}

func options(cfg Config) []backoff.RetryOption {
	b := backoff.NewExponentialBackOff()
	if cfg.Interval > 0 {
		b.InitialInterval = cfg.Interval
	}
	if cfg.MaxInterval > 0 {
		b.MaxInterval = cfg.MaxInterval
	}
	if cfg.Multiplier >= 1 {
		b.Multiplier = cfg.Multiplier
	}
	b.RandomizationFactor = cfg.Jitter

	opts := []backoff.RetryOption{backoff.WithBackOff(b)}
	if cfg.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(uint(cfg.MaxAttempts)))
	}
	if cfg.MaxElapsed > 0 {
		opts = append(opts, backoff.WithMaxElapsedTime(cfg.MaxElapsed))
	}
	return opts
}
