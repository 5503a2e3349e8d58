package auth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	domain "github.com/minestore/api/internal/domain"
	"github.com/minestore/api/internal/platform/requestctx"
)

// ExecutorIDHeader names the executor the request is signed for.
const ExecutorIDHeader = "X-Executor-Id"

const (
	defaultSignatureHeader = "X-Signature"
	defaultTimestampHeader = "X-Signature-Timestamp"
	defaultNonceHeader     = "X-Signature-Nonce"

	defaultClockSkew    = 5 * time.Minute
	defaultNonceTTL     = 5 * time.Minute
	maxSignedBodyBytes  = 1 << 20
	executorSecretFloor = 16
)

// ExecutorSigner verifies HMAC-SHA256 signed requests from game-server executors.
//
// The signed message is METHOD, escaped path, executor id, timestamp, nonce and the hex
// SHA-256 of the body, joined by newlines. Each executor has its own secret, and nonces are
// scoped per executor.
type ExecutorSigner struct {
	secrets map[string][]byte
	nonces  NonceStore

	logger  Logger
	metrics MetricsRecorder
	now     func() time.Time

	signatureHeader string
	timestampHeader string
	nonceHeader     string

	clockSkew time.Duration
	nonceTTL  time.Duration
}

// ExecutorOption customises the signer.
type ExecutorOption func(*ExecutorSigner)

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger Logger) ExecutorOption {
	return func(s *ExecutorSigner) {
		s.logger = logger
	}
}

// WithExecutorMetrics sets the metrics recorder.
func WithExecutorMetrics(metrics MetricsRecorder) ExecutorOption {
	return func(s *ExecutorSigner) {
		s.metrics = metrics
	}
}

// WithExecutorClock injects a custom clock.
func WithExecutorClock(now func() time.Time) ExecutorOption {
	return func(s *ExecutorSigner) {
		if now != nil {
			s.now = now
		}
	}
}

// WithExecutorHeaders customises the header names.
func WithExecutorHeaders(signature, timestamp, nonce string) ExecutorOption {
	return func(s *ExecutorSigner) {
		if signature != "" {
			s.signatureHeader = signature
		}
		if timestamp != "" {
			s.timestampHeader = timestamp
		}
		if nonce != "" {
			s.nonceHeader = nonce
		}
	}
}

// WithExecutorWindow adjusts the accepted timestamp skew and nonce retention.
func WithExecutorWindow(skew, nonceTTL time.Duration) ExecutorOption {
	return func(s *ExecutorSigner) {
		if skew > 0 {
			s.clockSkew = skew
		}
		if nonceTTL > 0 {
			s.nonceTTL = nonceTTL
		}
	}
}

// NewExecutorSigner builds a verifier for the executor secrets, keyed by executor id.
func NewExecutorSigner(secrets map[string]string, nonces NonceStore, opts ...ExecutorOption) (*ExecutorSigner, error) {
	if nonces == nil {
		return nil, errors.New("auth: executor signer requires a nonce store")
	}
	keyed := make(map[string][]byte, len(secrets))
	for id, secret := range secrets {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if len(secret) < executorSecretFloor {
			return nil, errors.New("auth: executor secret for " + id + " is shorter than 16 bytes")
		}
		keyed[id] = []byte(secret)
	}
	signer := &ExecutorSigner{
		secrets:         keyed,
		nonces:          nonces,
		now:             time.Now,
		signatureHeader: defaultSignatureHeader,
		timestampHeader: defaultTimestampHeader,
		nonceHeader:     defaultNonceHeader,
		clockSkew:       defaultClockSkew,
		nonceTTL:        defaultNonceTTL,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(signer)
		}
	}
	return signer, nil
}

// RequireExecutor rejects unsigned, stale, replayed or mis-signed requests and stores the
// executor actor on the context.
func (s *ExecutorSigner) RequireExecutor(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := s.now()
		ctx := r.Context()
		reject := func(status int, reason, message string) {
			s.record(ctx, false, reason, start)
			respondAuthError(w, r, status, reason, message)
		}

		executorID := strings.TrimSpace(r.Header.Get(ExecutorIDHeader))
		secret, ok := s.secrets[executorID]
		if executorID == "" || !ok {
			reject(http.StatusUnauthorized, "unknown_executor", "executor not recognised")
			return
		}
		signatureValue := strings.TrimSpace(r.Header.Get(s.signatureHeader))
		timestampValue := strings.TrimSpace(r.Header.Get(s.timestampHeader))
		nonce := strings.TrimSpace(r.Header.Get(s.nonceHeader))
		if signatureValue == "" || timestampValue == "" || nonce == "" {
			reject(http.StatusUnauthorized, "signature_missing", "signature, timestamp and nonce headers are required")
			return
		}

		timestamp, err := parseSignatureTimestamp(timestampValue)
		if err != nil {
			reject(http.StatusUnauthorized, "timestamp_invalid", "signature timestamp invalid")
			return
		}
		if skew := s.now().Sub(timestamp); skew > s.clockSkew || skew < -s.clockSkew {
			reject(http.StatusUnauthorized, "timestamp_skew", "signature timestamp outside allowed window")
			return
		}

		body, err := readAndRestoreBody(r)
		if err != nil {
			reject(http.StatusBadRequest, "invalid_body", "unable to read body for signature verification")
			return
		}
		signature, err := decodeSignature(signatureValue)
		if err != nil {
			reject(http.StatusUnauthorized, "signature_invalid", "signature encoding invalid")
			return
		}
		expected := computeHMAC(secret, canonicalExecutorMessage(r.Method, r.URL.EscapedPath(), executorID, timestampValue, nonce, body))
		if !hmac.Equal(signature, expected) {
			reject(http.StatusUnauthorized, "signature_mismatch", "signature verification failed")
			return
		}

		// Nonces are consumed only after the signature checks out so forged requests cannot burn them.
		fresh, err := s.nonces.UseNonce(ctx, executorID, nonce, timestamp.Add(s.clockSkew+s.nonceTTL))
		if err != nil {
			s.logger.log(ctx, "auth.executor.nonce_store_failed", map[string]any{"executorId": executorID, "error": err})
			reject(http.StatusServiceUnavailable, "verification_unavailable", "nonce storage error")
			return
		}
		if !fresh {
			reject(http.StatusUnauthorized, "nonce_replay", "duplicate signature nonce")
			return
		}

		s.record(ctx, true, "ok", start)
		ctx = requestctx.WithActor(ctx, domain.Actor{ID: executorID, Type: domain.ActorTypeExecutor})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *ExecutorSigner) record(ctx context.Context, success bool, reason string, start time.Time) {
	if s.metrics != nil {
		s.metrics.RecordVerification(ctx, "executor_hmac", success, reason, s.now().Sub(start))
	}
}

// SignExecutorRequest sets the executor headers on req for body. Executors and tests use it to
// produce requests RequireExecutor accepts with the default header names.
func SignExecutorRequest(req *http.Request, executorID, secret string, body []byte, at time.Time, nonce string) {
	timestamp := strconv.FormatInt(at.Unix(), 10)
	message := canonicalExecutorMessage(req.Method, req.URL.EscapedPath(), executorID, timestamp, nonce, body)
	req.Header.Set(ExecutorIDHeader, executorID)
	req.Header.Set(defaultTimestampHeader, timestamp)
	req.Header.Set(defaultNonceHeader, nonce)
	req.Header.Set(defaultSignatureHeader, hex.EncodeToString(computeHMAC([]byte(secret), message)))
}

func canonicalExecutorMessage(method, path, executorID, timestamp, nonce string, body []byte) []byte {
	if path == "" {
		path = "/"
	}
	hash := sha256.Sum256(body)
	return []byte(strings.Join([]string{
		strings.ToUpper(method),
		path,
		executorID,
		timestamp,
		nonce,
		hex.EncodeToString(hash[:]),
	}, "\n"))
}

func readAndRestoreBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	defer r.Body.Close()
	buf, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBodyBytes+1))
	if err != nil {
		return nil, err
	}
	if len(buf) > maxSignedBodyBytes {
		return nil, errors.New("auth: signed body too large")
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	return buf, nil
}

func decodeSignature(value string) ([]byte, error) {
	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) == sha256.Size {
		return decoded, nil
	}
	return nil, errors.New("auth: signature must be a hex or base64 encoded SHA-256 MAC")
}

func parseSignatureTimestamp(value string) (time.Time, error) {
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Unix(seconds, 0).UTC(), nil
	}
	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, err
	}
	return ts.UTC(), nil
}

func computeHMAC(secret []byte, message []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	_, _ = mac.Write(message)
	return mac.Sum(nil)
}
