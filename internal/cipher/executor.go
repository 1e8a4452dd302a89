// Package cipher runs encryption and decryption as isolated one-shot tasks.
//
// Every call is a message-passing round trip: the task is handed to a fresh
// goroutine, the caller waits for exactly one result or for its context, and
// the goroutine exits. A panic inside the task is reported as
// ErrWorkerCrashed. A semaphore bounds how many tasks run at once, so
// CPU-bound crypto never occupies more than a fixed share of the process.
package cipher

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/datanimbus/dnio-configuration-manager/internal/model"
	"github.com/datanimbus/dnio-configuration-manager/internal/telemetry"
)

// ErrWorkerCrashed is returned when a task panics before producing a result.
var ErrWorkerCrashed = errors.New("cipher: worker crashed")

// DefaultMaxInflate caps decompressed transfer payloads.
const DefaultMaxInflate = 2 << 30

type outcome struct {
	out []byte
	err error
}

// Executor runs cipher tasks with the platform's shared secret.
type Executor struct {
	key        [32]byte
	secret     string
	sem        chan struct{}
	maxInflate int64
	logger     *slog.Logger
	duration   metric.Float64Histogram
}

// NewExecutor creates an executor keyed by secret. workers <= 0 means
// runtime.NumCPU().
func NewExecutor(secret string, workers int, logger *slog.Logger) *Executor {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	return &Executor{
		key:        DeriveKey(secret),
		secret:     secret,
		sem:        make(chan struct{}, workers),
		maxInflate: DefaultMaxInflate,
		logger:     logger,
		duration: telemetry.Float64Histogram("configmanager/cipher",
			"cm.cipher.duration", "Cipher task duration", "ms"),
	}
}

// Secret returns the shared secret agents are given at login.
func (e *Executor) Secret() string { return e.secret }

// run executes task on its own goroutine and waits for its single result.
func (e *Executor) run(ctx context.Context, op string, task func() ([]byte, error)) ([]byte, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, &model.CryptoError{Op: op, Err: ctx.Err()}
	}

	start := time.Now()
	result := make(chan outcome, 1)
	go func() {
		defer func() { <-e.sem }()
		defer func() {
			if r := recover(); r != nil {
				e.logger.Error("cipher: worker panic", "op", op, "panic", fmt.Sprint(r))
				result <- outcome{err: ErrWorkerCrashed}
			}
		}()
		out, err := task()
		result <- outcome{out: out, err: err}
	}()

	select {
	case o := <-result:
		e.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
			metric.WithAttributes(attribute.String("op", op), attribute.Bool("ok", o.err == nil)))
		if o.err != nil {
			return nil, &model.CryptoError{Op: op, Err: o.err}
		}
		return o.out, nil
	case <-ctx.Done():
		return nil, &model.CryptoError{Op: op, Err: ctx.Err()}
	}
}

// Submit runs an arbitrary task through the executor. It exists for callers
// that need the crash and concurrency guarantees for their own cipher work.
func (e *Executor) Submit(ctx context.Context, op string, task func() ([]byte, error)) ([]byte, error) {
	return e.run(ctx, op, task)
}

// EncryptText seals a short secret for storage at rest and returns it base64 encoded.
func (e *Executor) EncryptText(ctx context.Context, plain string) (string, error) {
	out, err := e.run(ctx, "encrypt text", func() ([]byte, error) {
		return Seal(e.key, []byte(plain))
	})
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(out), nil
}

// DecryptText reverses EncryptText.
func (e *Executor) DecryptText(ctx context.Context, encoded string) (string, error) {
	out, err := e.run(ctx, "decrypt text", func() ([]byte, error) {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, err
		}
		return Open(e.key, raw)
	})
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// EncryptData compresses then seals a transfer payload. An empty secret
// selects the shared platform key.
func (e *Executor) EncryptData(ctx context.Context, secret string, data []byte) ([]byte, error) {
	key := e.keyFor(secret)
	return e.run(ctx, "encrypt data", func() ([]byte, error) {
		packed, err := Deflate(data)
		if err != nil {
			return nil, err
		}
		return Seal(key, packed)
	})
}

// DecryptData opens then inflates a transfer payload.
func (e *Executor) DecryptData(ctx context.Context, secret string, data []byte) ([]byte, error) {
	key := e.keyFor(secret)
	return e.run(ctx, "decrypt data", func() ([]byte, error) {
		packed, err := Open(key, data)
		if err != nil {
			return nil, err
		}
		return Inflate(packed, e.maxInflate)
	})
}

func (e *Executor) keyFor(secret string) [32]byte {
	if secret == "" {
		return e.key
	}
	return DeriveKey(secret)
}
