package handlers

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/SirClappington/jobq/internal/domain"
	"github.com/SirClappington/jobq/internal/worker"
)

type registry map[domain.Type]worker.Handler

func (r registry) Register(t domain.Type, h worker.Handler) error {
	r[t] = h
	return nil
}

func job(t *testing.T, typ domain.Type, p domain.Payload) *domain.Job {
	t.Helper()
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return &domain.Job{JobID: "j-1", Type: typ, Payload: raw}
}

func TestRegisterDefaultsCoversEveryType(t *testing.T) {
	r := registry{}
	require.NoError(t, RegisterDefaults(r, nil))
	for _, typ := range domain.Types {
		assert.NotNil(t, r[typ], typ)
	}
}

func TestRegisterDefaultsOnWorker(t *testing.T) {
	w, err := worker.New(nil, worker.Options{})
	require.NoError(t, err)
	require.NoError(t, RegisterDefaults(w, zap.NewNop()))
	assert.Error(t, RegisterDefaults(w, zap.NewNop()), "second registration collides")
}

func TestHandlersLogDelivery(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := registry{}
	require.NoError(t, RegisterDefaults(r, zap.New(core)))
	ctx := context.Background()

	cases := []struct {
		typ     domain.Type
		payload domain.Payload
		msg     string
	}{
		{domain.TypeEmail, &domain.EmailPayload{To: "a@example.com", Subject: "hi"}, "email delivered"},
		{domain.TypePush, &domain.PushPayload{UserID: "u1", Title: "New reply"}, "push delivered"},
		{domain.TypeSMS, &domain.SMSPayload{PhoneNumber: "+15551234567", Message: "code 1234"}, "sms delivered"},
		{domain.TypeContentDigest, &domain.ContentDigestPayload{UserID: "u1", Frequency: domain.DigestDaily}, "content digest built"},
		{domain.TypeSubscriptionExpiry, &domain.SubscriptionExpiryPayload{SubscriptionID: "s1", UserID: "u1", ExpiresAt: time.Now().Add(-time.Minute)}, "subscription expired"},
	}
	for _, tc := range cases {
		t.Run(string(tc.typ), func(t *testing.T) {
			require.NoError(t, r[tc.typ](ctx, job(t, tc.typ, tc.payload)))
			entries := logs.FilterMessage(tc.msg).TakeAll()
			require.Len(t, entries, 1)
			assert.Equal(t, "j-1", entries[0].ContextMap()["job_id"])
		})
	}
}

func TestHandlerRejectsInvalidPayload(t *testing.T) {
	r := registry{}
	require.NoError(t, RegisterDefaults(r, nil))

	err := r[domain.TypeSMS](context.Background(), job(t, domain.TypeSMS, &domain.SMSPayload{PhoneNumber: "555", Message: "x"}))
	assert.True(t, domain.IsValidation(err))
}
