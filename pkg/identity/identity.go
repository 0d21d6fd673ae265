package identity

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rejourneyco/go-sdk/pkg/keystore"
	"github.com/rejourneyco/go-sdk/pkg/telemetry"
	"github.com/rejourneyco/go-sdk/pkg/transport"
)

// Sentinel errors returned by the identity layer.
var (
	// ErrNotRegistered indicates no device credential is cached and
	// auto-registration was not requested.
	ErrNotRegistered = errors.New("identity: device not registered")

	// ErrNoRegistrationParams indicates auto-registration was requested
	// before RegisterDevice ever supplied parameters.
	ErrNoRegistrationParams = errors.New("identity: registration parameters unavailable")

	// ErrRateLimited indicates registration is cooling down after
	// consecutive failures; no network call was issued.
	ErrRateLimited = errors.New("identity: registration cooling down")

	// ErrCredentialRejected indicates the server refused the device
	// credential (403/404 on challenge); all local auth state was wiped.
	ErrCredentialRejected = errors.New("identity: device credential rejected")

	// ErrKeyGeneration indicates the device keypair could not be
	// created or recovered.
	ErrKeyGeneration = errors.New("identity: key generation failed")
)

// Secure store entry names
const (
	storePrivateKey = "device_private_key"
	storeCredential = "device_credential"
	storeToken      = "upload_token"
	storeParams     = "registration_params"
)

// Token refresh and cooldown policy
const (
	// tokenSafetyMargin forces a refresh this long before expiry
	tokenSafetyMargin = 60 * time.Second

	// registrationCooldownBase seeds the failure cooldown
	registrationCooldownBase = 5 * time.Second

	// registrationCooldownMax caps the failure cooldown
	registrationCooldownMax = 300 * time.Second
)

// RegistrationParams are the caller-supplied parameters for device registration
type RegistrationParams struct {
	ProjectKey string `json:"projectKey"`
	BundleID   string `json:"bundleId"`
	Platform   string `json:"platform"`
	SDKVersion string `json:"sdkVersion"`
	APIURL     string `json:"apiUrl"`
}

// cachedToken is the persisted form of an upload token
type cachedToken struct {
	Token     string `json:"token"`
	ExpiresAt int64  `json:"expiresAt"` // unix seconds
}

// Identity owns the device keypair, registration state, and upload
// token cache. It is safe for concurrent use.
type Identity struct {
	store    keystore.Store
	client   *transport.Client
	recorder *telemetry.Recorder
	logger   *slog.Logger
	now      func() time.Time

	mu           sync.Mutex
	privateKey   *ecdsa.PrivateKey
	credentialID string
	token        string
	tokenExpires time.Time
	params       *RegistrationParams

	// Auto-registration coalescing and cooldown
	registering   bool
	waiters       []chan tokenResult
	regFailures   int
	cooldownUntil time.Time
}

// New creates a device identity backed by the given secure store.
// client may be nil, in which case one is created from the API URL on
// first registration. recorder may be nil.
func New(store keystore.Store, client *transport.Client, logger *slog.Logger) *Identity {
	if logger == nil {
		logger = slog.Default()
	}
	return &Identity{
		store:  store,
		client: client,
		logger: logger,
		now:    time.Now,
	}
}

// SetRecorder attaches an SDK telemetry recorder.
func (i *Identity) SetRecorder(recorder *telemetry.Recorder) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.recorder = recorder
}

// RegisterDevice registers this device with the backend, generating a
// keypair if needed. Idempotent: with a cached credential it returns
// the same id with zero network calls.
func (i *Identity) RegisterDevice(ctx context.Context, params RegistrationParams) (string, error) {
	i.mu.Lock()
	i.rememberParamsLocked(&params)

	if id := i.credentialIDLocked(); id != "" {
		i.mu.Unlock()
		return id, nil
	}
	i.mu.Unlock()

	return i.register(ctx, &params)
}

// DeviceCredentialID returns the cached device credential, or "" if
// the device is unregistered.
func (i *Identity) DeviceCredentialID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.credentialIDLocked()
}

// IsRegistered reports whether a device credential is cached.
func (i *Identity) IsRegistered() bool {
	return i.DeviceCredentialID() != ""
}

// CanAutoRegister reports whether registration parameters are available.
func (i *Identity) CanAutoRegister() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.paramsLocked() != nil
}

// HasValidToken reports whether the cached upload token still has more
// than the safety margin remaining.
func (i *Identity) HasValidToken() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, _, ok := i.validTokenLocked()
	return ok
}

// UploadToken returns a valid upload token, running the
// challenge-response protocol when the cache has less than 60s
// remaining. Requires a registered device.
func (i *Identity) UploadToken(ctx context.Context) (string, int, error) {
	i.mu.Lock()
	if token, expiresIn, ok := i.validTokenLocked(); ok {
		i.mu.Unlock()
		return token, expiresIn, nil
	}

	credentialID := i.credentialIDLocked()
	client := i.client
	i.mu.Unlock()

	if credentialID == "" {
		return "", 0, ErrNotRegistered
	}
	if client == nil {
		return "", 0, fmt.Errorf("identity: no transport client configured")
	}

	return i.challengeResponse(ctx, client, credentialID)
}

// InvalidateToken drops the cached upload token so the next request
// runs challenge-response again. Used when the backend returns 401 for
// a token the cache still considers valid.
func (i *Identity) InvalidateToken() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.token = ""
	i.tokenExpires = time.Time{}
	if err := i.store.Delete(storeToken); err != nil {
		i.logger.Warn("failed to delete cached token", "error", err)
	}
}

// ClearAllAuthData deletes the private key, cached credential, and
// cached token, in memory and in secure storage.
func (i *Identity) ClearAllAuthData() {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.clearAllLocked()
}

func (i *Identity) clearAllLocked() {
	i.privateKey = nil
	i.credentialID = ""
	i.token = ""
	i.tokenExpires = time.Time{}

	for _, name := range []string{storePrivateKey, storeCredential, storeToken} {
		if err := i.store.Delete(name); err != nil {
			i.logger.Warn("failed to delete auth entry", "entry", name, "error", err)
		}
	}
}

// register performs the network registration. The caller must not
// hold the mutex.
func (i *Identity) register(ctx context.Context, params *RegistrationParams) (string, error) {
	client := i.clientFor(params.APIURL)

	publicKey, err := i.exportPublicKey()
	if err != nil {
		i.recordRegistrationFailure()
		return "", err
	}

	req := struct {
		ProjectPublicKey string `json:"projectPublicKey"`
		BundleID         string `json:"bundleId"`
		Platform         string `json:"platform"`
		SDKVersion       string `json:"sdkVersion"`
		DevicePublicKey  string `json:"devicePublicKey"`
	}{params.ProjectKey, params.BundleID, params.Platform, params.SDKVersion, publicKey}

	var resp struct {
		DeviceCredentialID string `json:"deviceCredentialId"`
	}
	if err := client.PostJSON(ctx, "/devices/register", req, &resp, ""); err != nil {
		i.recordRegistrationFailure()
		return "", fmt.Errorf("registering device: %w", err)
	}
	if resp.DeviceCredentialID == "" {
		i.recordRegistrationFailure()
		return "", fmt.Errorf("registering device: empty credential in response")
	}

	i.mu.Lock()
	i.credentialID = resp.DeviceCredentialID
	i.regFailures = 0
	i.cooldownUntil = time.Time{}
	i.mu.Unlock()

	if err := i.store.Set(storeCredential, []byte(resp.DeviceCredentialID)); err != nil {
		i.logger.Warn("failed to persist device credential", "error", err)
	}

	i.logger.Info("device registered", "credential_id", resp.DeviceCredentialID)
	return resp.DeviceCredentialID, nil
}

// challengeResponse obtains an upload token by signing the server challenge.
func (i *Identity) challengeResponse(ctx context.Context, client *transport.Client, credentialID string) (string, int, error) {
	var challenge struct {
		Challenge string `json:"challenge"`
		Nonce     string `json:"nonce"`
	}
	challengeReq := struct {
		DeviceCredentialID string `json:"deviceCredentialId"`
	}{credentialID}

	if err := client.PostJSON(ctx, "/devices/challenge", challengeReq, &challenge, ""); err != nil {
		var httpErr *transport.HTTPError
		if errors.As(err, &httpErr) && httpErr.IsRejected() {
			// The server no longer recognizes this credential. Keeping
			// any local auth state would wedge the device permanently.
			i.logger.Warn("device credential rejected, wiping local auth state",
				"status", httpErr.StatusCode)
			i.ClearAllAuthData()
			return "", 0, fmt.Errorf("%w: %v", ErrCredentialRejected, err)
		}
		return "", 0, fmt.Errorf("requesting challenge: %w", err)
	}

	challengeBytes, err := base64.StdEncoding.DecodeString(challenge.Challenge)
	if err != nil {
		return "", 0, fmt.Errorf("decoding challenge: %w", err)
	}

	signature, err := i.sign(challengeBytes)
	if err != nil {
		return "", 0, err
	}

	sessionReq := struct {
		DeviceCredentialID string `json:"deviceCredentialId"`
		Challenge          string `json:"challenge"`
		Nonce              string `json:"nonce"`
		Signature          string `json:"signature"`
	}{credentialID, challenge.Challenge, challenge.Nonce, signature}

	var session struct {
		UploadToken string `json:"uploadToken"`
		ExpiresIn   int    `json:"expiresIn"`
	}
	if err := client.PostJSON(ctx, "/devices/start-session", sessionReq, &session, ""); err != nil {
		return "", 0, fmt.Errorf("starting device session: %w", err)
	}

	expiresAt := i.now().Add(time.Duration(session.ExpiresIn) * time.Second)

	i.mu.Lock()
	i.token = session.UploadToken
	i.tokenExpires = expiresAt
	recorder := i.recorder
	i.mu.Unlock()

	persisted, _ := json.Marshal(cachedToken{Token: session.UploadToken, ExpiresAt: expiresAt.Unix()})
	if err := i.store.Set(storeToken, persisted); err != nil {
		i.logger.Warn("failed to persist upload token", "error", err)
	}

	if recorder != nil {
		recorder.Record(telemetry.EventTokenRefresh)
	}
	i.logger.Debug("upload token refreshed", "expires_in", session.ExpiresIn)
	return session.UploadToken, session.ExpiresIn, nil
}

// sign signs message with ECDSA over SHA-256, generating the device
// keypair if it does not exist yet.
func (i *Identity) sign(message []byte) (string, error) {
	key, err := i.ensureKey()
	if err != nil {
		return "", err
	}

	digest := sha256.Sum256(message)
	signature, err := ecdsa.SignASN1(rand.Reader, key, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing challenge: %w", err)
	}
	return base64.StdEncoding.EncodeToString(signature), nil
}

// exportPublicKey returns the device public key as base64 SPKI DER,
// generating the keypair first if needed.
func (i *Identity) exportPublicKey() (string, error) {
	key, err := i.ensureKey()
	if err != nil {
		return "", err
	}

	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return "", fmt.Errorf("exporting public key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// ensureKey loads the device private key, generating it when absent
// and regenerating exactly once when the stored key is corrupted.
func (i *Identity) ensureKey() (*ecdsa.PrivateKey, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.privateKey != nil {
		return i.privateKey, nil
	}

	stored, err := i.store.Get(storePrivateKey)
	switch {
	case err == nil:
		key, parseErr := x509.ParseECPrivateKey(stored)
		if parseErr == nil {
			i.privateKey = key
			return key, nil
		}
		// Corrupted key material: delete and fall through to one
		// regeneration attempt.
		i.logger.Warn("stored device key unreadable, regenerating", "error", parseErr)
		if delErr := i.store.Delete(storePrivateKey); delErr != nil {
			return nil, fmt.Errorf("%w: deleting corrupted key: %v", ErrKeyGeneration, delErr)
		}
	case errors.Is(err, keystore.ErrNotFound) || errors.Is(err, keystore.ErrCorrupted):
		// No usable key; generate below.
	default:
		return nil, fmt.Errorf("%w: loading key: %v", ErrKeyGeneration, err)
	}

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyGeneration, err)
	}

	der, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding key: %v", ErrKeyGeneration, err)
	}
	if err := i.store.Set(storePrivateKey, der); err != nil {
		return nil, fmt.Errorf("%w: persisting key: %v", ErrKeyGeneration, err)
	}

	i.privateKey = key
	i.logger.Info("device keypair generated")
	return key, nil
}

// credentialIDLocked returns the credential, loading it from secure
// storage on first access. Caller holds the mutex.
func (i *Identity) credentialIDLocked() string {
	if i.credentialID != "" {
		return i.credentialID
	}
	stored, err := i.store.Get(storeCredential)
	if err != nil {
		return ""
	}
	i.credentialID = string(stored)
	return i.credentialID
}

// validTokenLocked returns the cached token if more than the safety
// margin remains. Caller holds the mutex.
func (i *Identity) validTokenLocked() (string, int, bool) {
	if i.token == "" {
		stored, err := i.store.Get(storeToken)
		if err == nil {
			var cached cachedToken
			if json.Unmarshal(stored, &cached) == nil {
				i.token = cached.Token
				i.tokenExpires = time.Unix(cached.ExpiresAt, 0)
			}
		}
	}
	if i.token == "" {
		return "", 0, false
	}

	remaining := i.tokenExpires.Sub(i.now())
	if remaining <= tokenSafetyMargin {
		return "", 0, false
	}
	return i.token, int(remaining / time.Second), true
}

// rememberParamsLocked caches registration parameters in memory and
// secure storage. Caller holds the mutex.
func (i *Identity) rememberParamsLocked(params *RegistrationParams) {
	copied := *params
	i.params = &copied

	encoded, err := json.Marshal(params)
	if err == nil {
		if err := i.store.Set(storeParams, encoded); err != nil {
			i.logger.Warn("failed to persist registration params", "error", err)
		}
	}
}

// paramsLocked returns the registration parameters, loading them from
// secure storage on first access. Caller holds the mutex.
func (i *Identity) paramsLocked() *RegistrationParams {
	if i.params != nil {
		return i.params
	}
	stored, err := i.store.Get(storeParams)
	if err != nil {
		return nil
	}
	var params RegistrationParams
	if json.Unmarshal(stored, &params) != nil {
		return nil
	}
	i.params = &params
	return i.params
}

// clientFor returns the configured transport client, creating one
// from the API URL when none was injected.
func (i *Identity) clientFor(apiURL string) *transport.Client {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.client == nil {
		i.client = transport.NewClient(apiURL, nil)
	}
	return i.client
}

func (i *Identity) recordRegistrationFailure() {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.regFailures++
	cooldown := registrationCooldown(i.regFailures)
	i.cooldownUntil = i.now().Add(cooldown)
	i.logger.Warn("device registration failed",
		"consecutive_failures", i.regFailures,
		"cooldown", cooldown,
	)
}

// registrationCooldown returns min(base * 2^(failures-1), max)
func registrationCooldown(failures int) time.Duration {
	if failures < 1 {
		return 0
	}
	shift := uint(failures - 1)
	if shift > 10 {
		return registrationCooldownMax
	}
	cooldown := registrationCooldownBase << shift
	if cooldown > registrationCooldownMax {
		cooldown = registrationCooldownMax
	}
	return cooldown
}
