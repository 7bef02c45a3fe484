package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mmeshcher/campus-rewards/internal/apperr"
	"github.com/mmeshcher/campus-rewards/internal/audit"
	"github.com/mmeshcher/campus-rewards/internal/ledger"
	"github.com/mmeshcher/campus-rewards/internal/model"
	"github.com/mmeshcher/campus-rewards/internal/redemption"
	"github.com/mmeshcher/campus-rewards/internal/repository"
	"github.com/mmeshcher/campus-rewards/internal/token"
)

const (
	student int64 = 1
	staff   int64 = 10
)

var testKey = bytes.Repeat([]byte{42}, token.KeySize)

type clock struct{ t time.Time }

func (c *clock) Now() time.Time { return c.t }

type testEnv struct {
	gw     *Gateway
	svc    *redemption.Service
	repo   *repository.MemoryRepository
	clock  *clock
	events *audit.Recorder
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	repo := repository.NewMemoryRepository()
	repo.PutUser(student, "Alice", model.RoleStudent)
	repo.PutUser(staff, "Front Desk", model.RoleStaff)

	c := &clock{t: time.Date(2026, 10, 1, 9, 0, 0, 0, time.UTC)}
	tokens, err := token.NewService(testKey, 5*time.Minute, token.WithClock(c.Now))
	require.NoError(t, err)

	l := ledger.New(repo, c.Now)
	_, err = l.Credit(context.Background(), student, 50, ledger.Ref{Key: "seed", Type: model.TxStreakCredit})
	require.NoError(t, err)

	events := &audit.Recorder{}
	svc := redemption.NewService(repo, l, tokens, nil, zap.NewNop(), redemption.WithClock(c.Now))

	return &testEnv{
		gw:     New(svc, tokens, events, zap.NewNop()),
		svc:    svc,
		repo:   repo,
		clock:  c,
		events: events,
	}
}

func (e *testEnv) redeem(t *testing.T) redemption.CreateResult {
	t.Helper()
	rewardID := e.repo.PutReward(model.Reward{Name: "Coffee", Cost: 10, Active: true})
	res, err := e.svc.Create(context.Background(), redemption.CreateRequest{UserID: student, RewardID: rewardID})
	require.NoError(t, err)
	return res
}

func (e *testEnv) status(t *testing.T, id string) model.RedemptionStatus {
	t.Helper()
	rec, err := e.repo.GetRedemption(context.Background(), id)
	require.NoError(t, err)
	return rec.Status
}

func forge(payload string) string {
	segment := base64.RawURLEncoding.EncodeToString([]byte(payload))
	m := hmac.New(sha256.New, testKey)
	m.Write([]byte(segment))
	return segment + "." + base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}

func TestClassify(t *testing.T) {
	const id = "5b0f1c9e-6f57-4b43-9a3e-0c1d2e3f4a5b"

	tests := []struct {
		name  string
		raw   string
		kind  InputKind
		value string
	}{
		{name: "empty", raw: "   ", kind: InputEmpty},
		{name: "token", raw: "eyJ2IjoxfQ.c2ln", kind: InputSignedToken, value: "eyJ2IjoxfQ.c2ln"},
		{name: "token with whitespace", raw: "\n eyJ2IjoxfQ.c2ln \t", kind: InputSignedToken, value: "eyJ2IjoxfQ.c2ln"},
		{name: "url with token param", raw: "https://rewards.campus.example/r?token=eyJ2IjoxfQ.c2ln", kind: InputSignedToken, value: "eyJ2IjoxfQ.c2ln"},
		{name: "url with token path", raw: "campus://redeem/eyJ2IjoxfQ.c2ln", kind: InputSignedToken, value: "eyJ2IjoxfQ.c2ln"},
		{name: "url with code param", raw: "https://rewards.campus.example/r?code=4992-7398-7168", kind: InputManualCode, value: "499273987168"},
		{name: "uuid", raw: "5B0F1C9E-6F57-4B43-9A3E-0C1D2E3F4A5B", kind: InputRedemptionID, value: id},
		{name: "code", raw: "7992 7398 7138", kind: InputManualCode, value: "799273987138"},
		{name: "code with bad check digit", raw: "799273987134", kind: InputUnknown, value: "799273987134"},
		{name: "garbage", raw: "hello", kind: InputUnknown, value: "hello"},
		{name: "dot without parts", raw: "abc.", kind: InputUnknown, value: "abc."},
		{name: "code with dots", raw: "799273.987138", kind: InputManualCode, value: "799273987138"},
		{name: "dotted digits with bad check digit", raw: "123456.789012", kind: InputUnknown, value: "123456.789012"},
		{name: "token outside alphabet", raw: "eyJ2Ijox+Q.c2ln", kind: InputSignedToken, value: "eyJ2Ijox+Q.c2ln"},
		{name: "url without scheme", raw: "rewards.campus.example/r?token=eyJ2IjoxfQ.c2ln", kind: InputSignedToken, value: "eyJ2IjoxfQ.c2ln"},
		{name: "url without scheme with port", raw: "localhost.campus:8080/r/799273987138", kind: InputManualCode, value: "799273987138"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := Classify(tt.raw)
			assert.Equal(t, tt.kind, in.Kind)
			assert.Equal(t, tt.value, in.Value)
		})
	}
}

func TestVerify_ScannedToken(t *testing.T) {
	env := newTestEnv(t)
	res := env.redeem(t)

	out := env.gw.Verify(context.Background(), res.Token.Token, staff)

	assert.True(t, out.Success)
	assert.True(t, out.SecurityValidated)
	assert.False(t, out.Flagged)
	assert.Empty(t, out.Kind)
	require.NotNil(t, out.Redemption)
	assert.Equal(t, res.Redemption.ID, out.Redemption.ID)
	assert.Equal(t, "Alice", out.Redemption.User.Name)
	assert.Equal(t, "Coffee", out.Redemption.Reward.Name)
	assert.Equal(t, model.RedemptionVerified, env.status(t, res.Redemption.ID))

	again := env.gw.Verify(context.Background(), "https://rewards.campus.example/r?token="+res.Token.Token, staff)
	assert.False(t, again.Success)
	assert.Equal(t, apperr.KindAlreadyVerified, again.Kind)
	require.NotNil(t, again.Redemption)
	require.NotNil(t, again.Redemption.VerifiedAt)
	assert.True(t, env.clock.t.Equal(*again.Redemption.VerifiedAt))

	assert.Equal(t, []string{audit.VerificationSucceeded, audit.VerificationAlreadyVerified}, env.events.Types())
}

func TestVerify_ManualFallback(t *testing.T) {
	env := newTestEnv(t)

	byCode := env.redeem(t)
	out := env.gw.Verify(context.Background(), byCode.Redemption.Code, staff)
	assert.True(t, out.Success)
	assert.False(t, out.SecurityValidated)
	assert.Equal(t, "code", out.Input)

	byID := env.redeem(t)
	out = env.gw.Verify(context.Background(), byID.Redemption.ID, staff)
	assert.True(t, out.Success)
	assert.False(t, out.SecurityValidated)
	assert.Equal(t, "redemption_id", out.Input)
}

func TestVerify_TamperedTokenIsFlagged(t *testing.T) {
	env := newTestEnv(t)
	res := env.redeem(t)

	tok := []byte(res.Token.Token)
	i := len(tok) - 2
	if tok[i] == 'A' {
		tok[i] = 'B'
	} else {
		tok[i] = 'A'
	}

	out := env.gw.Verify(context.Background(), string(tok), staff)
	assert.False(t, out.Success)
	assert.True(t, out.Flagged)
	assert.Equal(t, apperr.KindSignatureInvalid, out.Kind)
	assert.Equal(t, model.RedemptionPending, env.status(t, res.Redemption.ID))

	events := env.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.VerificationTampered, events[0].Type)
	assert.True(t, events[0].Security)
}

func TestVerify_OutOfAlphabetFlipIsFlagged(t *testing.T) {
	env := newTestEnv(t)
	res := env.redeem(t)
	tok := res.Token.Token
	dot := strings.IndexByte(tok, '.')

	for _, pos := range []int{3, dot + 3} {
		for _, c := range []string{"+", "/", "=", "!"} {
			tampered := tok[:pos] + c + tok[pos+1:]
			out := env.gw.Verify(context.Background(), tampered, staff)

			assert.False(t, out.Success, "pos %d char %s", pos, c)
			assert.True(t, out.Flagged, "pos %d char %s", pos, c)
			assert.Equal(t, apperr.KindSignatureInvalid, out.Kind, "pos %d char %s", pos, c)
			assert.Equal(t, "token", out.Input, "pos %d char %s", pos, c)
		}
	}

	assert.Equal(t, model.RedemptionPending, env.status(t, res.Redemption.ID))
	for _, e := range env.events.Events() {
		assert.Equal(t, audit.VerificationTampered, e.Type)
		assert.True(t, e.Security)
	}
	assert.Len(t, env.events.Events(), 8)
}

func TestVerify_DottedManualCode(t *testing.T) {
	env := newTestEnv(t)
	res := env.redeem(t)
	code := res.Redemption.Code

	out := env.gw.Verify(context.Background(), code[:6]+"."+code[6:], staff)
	assert.True(t, out.Success)
	assert.False(t, out.Flagged)
	assert.Equal(t, "code", out.Input)

	bad := env.gw.Verify(context.Background(), "123456.789012", staff)
	assert.False(t, bad.Flagged)
	assert.Equal(t, apperr.KindNotFound, bad.Kind)
	assert.Equal(t, []string{audit.VerificationSucceeded, audit.VerificationNotFound}, env.events.Types())
}

func TestVerify_ForgedPayloadIsTampered(t *testing.T) {
	env := newTestEnv(t)
	res := env.redeem(t)

	forged := forge(`{"redemption_id":"` + res.Redemption.ID + `","v":1,"issued_at":1790845200}`)
	out := env.gw.Verify(context.Background(), forged, staff)

	assert.False(t, out.Success)
	assert.True(t, out.Flagged)
	assert.Equal(t, apperr.KindTamperedPayload, out.Kind)
	assert.Equal(t, model.RedemptionPending, env.status(t, res.Redemption.ID))
}

func TestVerify_ExpiredTokenDoesNotFallBack(t *testing.T) {
	env := newTestEnv(t)
	res := env.redeem(t)

	env.clock.t = env.clock.t.Add(6 * time.Minute)
	out := env.gw.Verify(context.Background(), res.Token.Token, staff)

	assert.False(t, out.Success)
	assert.True(t, out.Flagged)
	assert.Equal(t, apperr.KindExpired, out.Kind)
	assert.Equal(t, model.RedemptionPending, env.status(t, res.Redemption.ID))

	events := env.events.Events()
	require.Len(t, events, 1)
	assert.Equal(t, audit.VerificationExpired, events[0].Type)
	assert.Equal(t, res.Redemption.ID, events[0].RedemptionID)

	fresh, err := env.svc.IssueToken(context.Background(), redemption.Actor{UserID: student, Role: model.RoleStudent}, res.Redemption.ID)
	require.NoError(t, err)
	out = env.gw.Verify(context.Background(), fresh.Token, staff)
	assert.True(t, out.Success)
	assert.True(t, out.SecurityValidated)
}

func TestVerify_Failures(t *testing.T) {
	env := newTestEnv(t)

	cancelled := env.redeem(t)
	_, err := env.svc.Cancel(context.Background(), redemption.Actor{UserID: student, Role: model.RoleStudent}, cancelled.Redemption.ID)
	require.NoError(t, err)

	tests := []struct {
		name string
		raw  string
		kind apperr.Kind
	}{
		{name: "empty", raw: "", kind: apperr.KindNotFound},
		{name: "garbage", raw: "not a code", kind: apperr.KindNotFound},
		{name: "unknown id", raw: "5b0f1c9e-6f57-4b43-9a3e-0c1d2e3f4a5b", kind: apperr.KindNotFound},
		{name: "unknown code", raw: "799273987138", kind: apperr.KindNotFound},
		{name: "cancelled", raw: cancelled.Redemption.ID, kind: apperr.KindCancelled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := env.gw.Verify(context.Background(), tt.raw, staff)
			assert.False(t, out.Success)
			assert.False(t, out.Flagged)
			assert.Equal(t, tt.kind, out.Kind)
			assert.NotEmpty(t, out.Message)
		})
	}

	assert.Len(t, env.events.Types(), len(tests))
}

func TestVerify_ConcurrentTerminals(t *testing.T) {
	env := newTestEnv(t)
	res := env.redeem(t)

	const terminals = 8
	results := make([]Result, terminals)
	var wg sync.WaitGroup
	for i := 0; i < terminals; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = env.gw.Verify(context.Background(), res.Redemption.Code, staff)
		}(i)
	}
	wg.Wait()

	success, repeated := 0, 0
	for _, r := range results {
		switch {
		case r.Success:
			success++
		case r.Kind == apperr.KindAlreadyVerified:
			repeated++
		}
	}
	assert.Equal(t, 1, success)
	assert.Equal(t, terminals-1, repeated)
}
