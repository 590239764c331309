package auth

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"image/png"
	"log/slog"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"authd/cache"
)

const (
	// PendingSecretTTL bounds the window between init and enable.
	PendingSecretTTL = 5 * time.Minute

	recoveryCodeCount = 5
	recoveryCodeBytes = 10

	// totpSkew tolerates one step of clock drift in either direction.
	totpSkew = 1
)

var (
	// ErrNoPendingSecret means init was never called or its 5-minute window
	// elapsed before enable.
	ErrNoPendingSecret = errors.New("no pending two-factor secret")

	// ErrTwoFaNotEnabled means the identity has no persisted TOTP secret.
	ErrTwoFaNotEnabled = errors.New("two-factor authentication not enabled")

	// ErrInvalidTwoFaCode rejects the code supplied to enable.
	ErrInvalidTwoFaCode = errors.New("invalid two-factor code")
)

// VerifyResult reports a TOTP/recovery verification outcome. Failures are a
// result, not an error, so callers can present a retry UI.
type VerifyResult struct {
	Success bool
	Message string
}

// Enrollment is returned by Init: the plaintext secret for manual entry and
// a QR PNG for authenticator apps. Nothing is persisted until enable.
type Enrollment struct {
	Secret string
	QRPNG  []byte
}

// Notifier is the outbound notification collaborator fired on 2FA changes.
type Notifier interface {
	TwoFactorEnabled(ctx context.Context, identity *Identity)
	TwoFactorDisabled(ctx context.Context, identity *Identity)
}

// TwoFactor implements TOTP enrollment, verification, and recovery codes.
type TwoFactor struct {
	users    UserRepository
	pending  cache.Cache
	enc      *Encryptor
	issuer   string
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewTwoFactor constructs the service. The clock is injectable for tests;
// pass nil for time.Now.
func NewTwoFactor(users UserRepository, pending cache.Cache, enc *Encryptor, issuer string, notifier Notifier, logger *slog.Logger, now func() time.Time) *TwoFactor {
	if now == nil {
		now = time.Now
	}
	return &TwoFactor{users: users, pending: pending, enc: enc, issuer: issuer, notifier: notifier, logger: logger, now: now}
}

// Init generates a fresh TOTP secret keyed to the identity's email, caches
// it encrypted for five minutes, and returns the enrollment material.
// Concurrent inits for the same user overwrite each other; only the latest
// can be completed.
func (t *TwoFactor) Init(ctx context.Context, identity *Identity) (*Enrollment, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      t.issuer,
		AccountName: identity.Email,
	})
	if err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}

	encrypted, err := t.enc.Encrypt(key.Secret())
	if err != nil {
		return nil, err
	}
	if err := t.pending.Set(ctx, pendingSecretKey(identity.ID), encrypted, PendingSecretTTL); err != nil {
		return nil, fmt.Errorf("cache pending secret: %w", err)
	}

	img, err := key.Image(200, 200)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}

	return &Enrollment{Secret: key.Secret(), QRPNG: buf.Bytes()}, nil
}

// Enable validates the code against the pending secret and, on success,
// persists the secret together with five freshly generated single-use
// recovery codes. The plaintext codes are returned exactly once.
func (t *TwoFactor) Enable(ctx context.Context, identity *Identity, code string) ([]string, error) {
	encrypted, err := t.pending.Get(ctx, pendingSecretKey(identity.ID))
	if errors.Is(err, cache.ErrMiss) {
		return nil, ErrNoPendingSecret
	}
	if err != nil {
		return nil, err
	}

	secret, err := t.enc.Decrypt(encrypted)
	if err != nil {
		return nil, err
	}
	if !t.validateCode(code, secret) {
		return nil, ErrInvalidTwoFaCode
	}

	codes, err := generateRecoveryCodes()
	if err != nil {
		return nil, err
	}
	encryptedCodes := make([]string, 0, len(codes))
	for _, c := range codes {
		ec, err := t.enc.Encrypt(c)
		if err != nil {
			return nil, err
		}
		encryptedCodes = append(encryptedCodes, ec)
	}

	if err := t.users.UpdateSecrets(ctx, identity.ID, encrypted, encryptedCodes); err != nil {
		return nil, fmt.Errorf("persist two-factor secrets: %w", err)
	}
	identity.TotpSecret = encrypted
	identity.RecoveryCodes = encryptedCodes

	_ = t.pending.Delete(ctx, pendingSecretKey(identity.ID))

	if t.notifier != nil {
		t.notifier.TwoFactorEnabled(ctx, identity)
	}
	t.logger.Info("two-factor enabled", "user", identity.Login)
	return codes, nil
}

// Disable clears the secret and recovery codes after a successful verify.
func (t *TwoFactor) Disable(ctx context.Context, identity *Identity, code string, recovery bool) (VerifyResult, error) {
	result, err := t.Verify(ctx, identity, code, recovery)
	if err != nil || !result.Success {
		return result, err
	}

	if err := t.users.UpdateSecrets(ctx, identity.ID, "", nil); err != nil {
		return VerifyResult{}, fmt.Errorf("clear two-factor secrets: %w", err)
	}
	identity.TotpSecret = ""
	identity.RecoveryCodes = nil

	if t.notifier != nil {
		t.notifier.TwoFactorDisabled(ctx, identity)
	}
	t.logger.Info("two-factor disabled", "user", identity.Login)
	return result, nil
}

// Verify checks a TOTP code against the persisted secret, or consumes a
// recovery code. A matched recovery code is removed before the result is
// returned, making it single-use.
func (t *TwoFactor) Verify(ctx context.Context, identity *Identity, code string, recovery bool) (VerifyResult, error) {
	if identity.TotpSecret == "" {
		return VerifyResult{}, ErrTwoFaNotEnabled
	}

	if recovery {
		return t.consumeRecoveryCode(ctx, identity, code)
	}

	secret, err := t.enc.Decrypt(identity.TotpSecret)
	if err != nil {
		return VerifyResult{}, err
	}
	if !t.validateCode(code, secret) {
		return VerifyResult{Success: false, Message: "Invalid code"}, nil
	}
	return VerifyResult{Success: true}, nil
}

// GuardOptions parameterizes Guard construction.
type GuardOptions struct {
	// WithPassword additionally requires the account password, used for
	// sensitive actions (enable/disable, admin reset).
	WithPassword bool
}

// GuardRequest carries the verification material from the request headers.
type GuardRequest struct {
	Code     string
	Recovery bool
	Password string
}

// Guard is a verification step bound to a TwoFactor service.
type Guard func(ctx context.Context, identity *Identity, req GuardRequest) (VerifyResult, error)

// NewGuard returns a guard that runs the TOTP/recovery verification,
// optionally preceded by a password check.
func (t *TwoFactor) NewGuard(opts GuardOptions) Guard {
	return func(ctx context.Context, identity *Identity, req GuardRequest) (VerifyResult, error) {
		if opts.WithPassword {
			if !CheckPassword(identity.PasswordHash, req.Password) {
				return VerifyResult{Success: false, Message: "Invalid password"}, nil
			}
		}
		return t.Verify(ctx, identity, req.Code, req.Recovery)
	}
}

func (t *TwoFactor) consumeRecoveryCode(ctx context.Context, identity *Identity, code string) (VerifyResult, error) {
	for i, encrypted := range identity.RecoveryCodes {
		plain, err := t.enc.Decrypt(encrypted)
		if err != nil {
			return VerifyResult{}, err
		}
		if plain != code {
			continue
		}

		remaining := append([]string(nil), identity.RecoveryCodes[:i]...)
		remaining = append(remaining, identity.RecoveryCodes[i+1:]...)
		if err := t.users.UpdateSecrets(ctx, identity.ID, identity.TotpSecret, remaining); err != nil {
			return VerifyResult{}, fmt.Errorf("consume recovery code: %w", err)
		}
		identity.RecoveryCodes = remaining
		t.logger.Info("recovery code consumed", "user", identity.Login, "remaining", len(remaining))
		return VerifyResult{Success: true}, nil
	}
	return VerifyResult{Success: false, Message: "Invalid code"}, nil
}

func (t *TwoFactor) validateCode(code, secret string) bool {
	ok, err := totp.ValidateCustom(code, secret, t.now().UTC(), totp.ValidateOpts{
		Period:    30,
		Skew:      totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	return err == nil && ok
}

func pendingSecretKey(id int64) string {
	return fmt.Sprintf("2fa:pending:%d", id)
}

func generateRecoveryCodes() ([]string, error) {
	codes := make([]string, 0, recoveryCodeCount)
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	for len(codes) < recoveryCodeCount {
		raw := make([]byte, recoveryCodeBytes)
		if _, err := rand.Read(raw); err != nil {
			return nil, err
		}
		codes = append(codes, enc.EncodeToString(raw))
	}
	return codes, nil
}
