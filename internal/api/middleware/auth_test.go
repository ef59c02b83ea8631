package middleware

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/toaklink/toaklink/internal/crypto"
	"github.com/toaklink/toaklink/internal/store/storetest"
)

const (
	testPepper = "test-pepper"
	testAPIKey = "tlk_0123456789abcdef"
	testMount  = "/v1/toaklink"
)

// authFixture wires a fake store, one tenant with one API key, and one
// registered agent behind the auth middleware.
type authFixture struct {
	store    *storetest.Store
	mw       *AuthMiddleware
	tenantID uuid.UUID
	priv     ed25519.PrivateKey
	now      time.Time
	lastAC   *AuthContext
	handler  http.Handler
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	st := storetest.New()
	ctx := context.Background()

	tenant, err := st.CreateTenant(ctx, "acme", nil)
	require.NoError(t, err)
	_, err = st.CreateAPIKey(ctx, tenant.ID, crypto.KeyID(testPepper, testAPIKey))
	require.NoError(t, err)

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, err = st.RegisterAgentKey(ctx, tenant.ID, "alice", crypto.MarshalSPKI(pub))
	require.NoError(t, err)

	f := &authFixture{
		store:    st,
		tenantID: tenant.ID,
		priv:     priv,
		now:      time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC),
	}

	f.mw = NewAuthMiddleware(st, AuthConfig{
		Pepper:          testPepper,
		FreshnessWindow: 5 * time.Minute,
		StorageTimeout:  time.Second,
		Mount:           testMount,
	}, zerolog.Nop())
	f.mw.now = func() time.Time { return f.now }

	f.handler = f.mw.Verify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.lastAC = GetAuthContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))
	return f
}

// signOpts lets a test corrupt exactly one piece of an otherwise valid
// request.
type signOpts struct {
	agentID   string
	nonce     string
	timestamp string
	bodyHash  string
	alg       string
	signature string
	apiKey    string
	signPath  string // path used for signing when it should differ from the request path
}

func (f *authFixture) signedRequest(t *testing.T, method, path string, body []byte, opts signOpts) *http.Request {
	t.Helper()

	if opts.agentID == "" {
		opts.agentID = "alice"
	}
	if opts.nonce == "" {
		opts.nonce = uuid.NewString()
	}
	if opts.timestamp == "" {
		opts.timestamp = f.now.Format(time.RFC3339)
	}
	if opts.bodyHash == "" {
		opts.bodyHash = crypto.BodyHash(body)
	}
	if opts.alg == "" {
		opts.alg = crypto.AlgEd25519
	}
	if opts.apiKey == "" {
		opts.apiKey = testAPIKey
	}
	if opts.signPath == "" {
		opts.signPath = path
	}
	if opts.signature == "" {
		canonical := crypto.CanonicalString(method, opts.signPath, opts.timestamp, opts.nonce, opts.bodyHash, opts.agentID)
		opts.signature = base64.StdEncoding.EncodeToString(ed25519.Sign(f.priv, canonical))
	}

	req := httptest.NewRequest(method, testMount+path, bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+opts.apiKey)
	req.Header.Set(HeaderAgentID, opts.agentID)
	req.Header.Set(HeaderSignature, opts.signature)
	req.Header.Set(HeaderAlg, opts.alg)
	req.Header.Set(HeaderTimestamp, opts.timestamp)
	req.Header.Set(HeaderNonce, opts.nonce)
	req.Header.Set(HeaderBodyHash, opts.bodyHash)
	return req
}

func (f *authFixture) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func errCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body.Code
}

func TestVerifyAcceptsValidRequest(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{"to":"bob","message":"hi"}`)

	rec := f.do(f.signedRequest(t, "POST", "/send", body, signOpts{}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, f.lastAC)
	require.Equal(t, f.tenantID, f.lastAC.TenantID)
	require.Equal(t, "alice", f.lastAC.AgentID)
}

func TestVerifyLowercasesAgentID(t *testing.T) {
	f := newAuthFixture(t)

	// Signed with the mixed-case id; canonicalization lowercases it on
	// both sides, so the signature still verifies.
	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{agentID: "ALICE"}))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "alice", f.lastAC.AgentID)
}

func TestVerifyRejectsReplayedNonce(t *testing.T) {
	f := newAuthFixture(t)
	nonce := "fixed-nonce-1"

	first := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{nonce: nonce}))
	require.Equal(t, http.StatusOK, first.Code)

	second := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{nonce: nonce}))
	require.Equal(t, http.StatusConflict, second.Code)
	require.Equal(t, "nonce_replay", errCode(t, second))
}

func TestVerifyUnknownCredentialAndUnknownAgentLookIdentical(t *testing.T) {
	f := newAuthFixture(t)

	badKey := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{apiKey: "tlk_wrong"}))
	badAgent := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{agentID: "mallory"}))

	require.Equal(t, http.StatusUnauthorized, badKey.Code)
	require.Equal(t, http.StatusUnauthorized, badAgent.Code)
	require.Equal(t, badKey.Body.String(), badAgent.Body.String())
}

func TestVerifyMissingAuthorizationHeader(t *testing.T) {
	f := newAuthFixture(t)
	req := f.signedRequest(t, "POST", "/send", nil, signOpts{})
	req.Header.Del("Authorization")

	rec := f.do(req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", errCode(t, rec))
}

func TestVerifyRevokedAgentKey(t *testing.T) {
	f := newAuthFixture(t)
	require.NoError(t, f.store.RevokeAgentKey(context.Background(), f.tenantID, "alice"))

	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{}))
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", errCode(t, rec))
}

func TestVerifyMissingSignatureHeaders(t *testing.T) {
	f := newAuthFixture(t)
	for _, h := range []string{HeaderSignature, HeaderAlg, HeaderTimestamp, HeaderNonce, HeaderBodyHash} {
		req := f.signedRequest(t, "POST", "/send", nil, signOpts{})
		req.Header.Del(h)

		rec := f.do(req)
		require.Equal(t, http.StatusUnprocessableEntity, rec.Code, "missing %s", h)
		require.Equal(t, "malformed_signature_headers", errCode(t, rec), "missing %s", h)
	}
}

func TestVerifyUnparseableTimestamp(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{timestamp: "1718000000"}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "malformed_signature_headers", errCode(t, rec))
}

func TestVerifyTimestampOutsideWindow(t *testing.T) {
	f := newAuthFixture(t)

	stale := f.now.Add(-6 * time.Minute).Format(time.RFC3339)
	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{timestamp: stale}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "timestamp_expired", errCode(t, rec))

	// Clock skew the other way is rejected too.
	future := f.now.Add(6 * time.Minute).Format(time.RFC3339)
	rec = f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{timestamp: future}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "timestamp_expired", errCode(t, rec))
}

func TestVerifyTimestampJustInsideWindow(t *testing.T) {
	f := newAuthFixture(t)
	ts := f.now.Add(-4 * time.Minute).Format(time.RFC3339)
	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{timestamp: ts}))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestVerifyBodyHashMismatch(t *testing.T) {
	f := newAuthFixture(t)
	body := []byte(`{"to":"bob","message":"hi"}`)

	rec := f.do(f.signedRequest(t, "POST", "/send", body, signOpts{
		bodyHash: crypto.BodyHash([]byte("different body")),
	}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "body_hash_mismatch", errCode(t, rec))
}

func TestVerifyTamperedPath(t *testing.T) {
	f := newAuthFixture(t)

	// Signature covers /send but the request goes to /link.
	rec := f.do(f.signedRequest(t, "POST", "/link", nil, signOpts{signPath: "/send"}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "invalid_signature", errCode(t, rec))
}

func TestVerifyWrongKeySignature(t *testing.T) {
	f := newAuthFixture(t)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	nonce := uuid.NewString()
	ts := f.now.Format(time.RFC3339)
	canonical := crypto.CanonicalString("POST", "/send", ts, nonce, crypto.BodyHash(nil), "alice")
	sig := base64.StdEncoding.EncodeToString(ed25519.Sign(otherPriv, canonical))

	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{
		nonce: nonce, timestamp: ts, signature: sig,
	}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "invalid_signature", errCode(t, rec))
}

func TestVerifyUnsupportedAlgorithm(t *testing.T) {
	f := newAuthFixture(t)
	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{alg: "rsa-sha256"}))
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Equal(t, "invalid_signature", errCode(t, rec))
}

func TestVerifyNonceBurnedBeforeSignatureCheck(t *testing.T) {
	f := newAuthFixture(t)
	nonce := "burned-nonce"

	// An invalid signature still consumes the nonce.
	bad := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{nonce: nonce, signPath: "/other"}))
	require.Equal(t, http.StatusUnprocessableEntity, bad.Code)

	retry := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{nonce: nonce}))
	require.Equal(t, http.StatusConflict, retry.Code)
	require.Equal(t, "nonce_replay", errCode(t, retry))
}

func TestVerifySignedQueryString(t *testing.T) {
	f := newAuthFixture(t)

	ok := f.do(f.signedRequest(t, "GET", "/recent/alice?limit=5", nil, signOpts{}))
	require.Equal(t, http.StatusOK, ok.Code, ok.Body.String())

	// Signing without the query string must fail verification.
	bad := f.do(f.signedRequest(t, "GET", "/recent/alice?limit=5", nil, signOpts{signPath: "/recent/alice"}))
	require.Equal(t, http.StatusUnprocessableEntity, bad.Code)
	require.Equal(t, "invalid_signature", errCode(t, bad))
}

func TestVerifyNonceStorageFailureFailsClosed(t *testing.T) {
	f := newAuthFixture(t)
	f.store.FailNonces = true

	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{}))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
	require.Equal(t, "storage_failure", errCode(t, rec))
}

func TestVerifyTouchesAPIKeyAfterSuccess(t *testing.T) {
	f := newAuthFixture(t)

	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{}))
	require.Equal(t, http.StatusOK, rec.Code)

	require.Eventually(t, func() bool {
		return f.store.TouchCount() == 1
	}, time.Second, 5*time.Millisecond)
}

func TestVerifySkipsTouchOnErrorStatus(t *testing.T) {
	f := newAuthFixture(t)
	f.handler = f.mw.Verify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{}))
	require.Equal(t, http.StatusForbidden, rec.Code)

	time.Sleep(20 * time.Millisecond)
	require.Zero(t, f.store.TouchCount())
}

func TestVerifyTouchFailureDoesNotAffectResponse(t *testing.T) {
	f := newAuthFixture(t)
	f.store.FailTouch = true

	rec := f.do(f.signedRequest(t, "POST", "/send", nil, signOpts{}))
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestBearerToken(t *testing.T) {
	cases := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer tlk_abc", "tlk_abc", true},
		{"bearer tlk_abc", "tlk_abc", true},
		{"Bearer ", "", false},
		{"Basic dXNlcg==", "", false},
		{"", "", false},
		{"tlk_abc", "", false},
	}
	for _, tc := range cases {
		token, ok := bearerToken(tc.header)
		require.Equal(t, tc.ok, ok, tc.header)
		require.Equal(t, tc.token, token, tc.header)
	}
}
