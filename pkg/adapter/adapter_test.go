package adapter

import (
	"net/http"
	"net/url"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mu-ops/mu/pkg/identity"
	"github.com/mu-ops/mu/pkg/models"
)

const testNowMs = int64(1700000000000)

func emptyIdentities(t *testing.T) *identity.Store {
	t.Helper()
	s, err := identity.Open(t.TempDir())
	require.NoError(t, err)
	return s
}

func newAdapter(t *testing.T, channel models.Channel, secrets Secrets, identities *identity.Store) *Adapter {
	t.Helper()
	if identities == nil {
		identities = emptyIdentities(t)
	}
	a, err := New(Config{
		Channel:  channel,
		Secrets:  secrets,
		RepoRoot: "/repo",
		NowMs:    func() int64 { return testNowMs },
	}, identities)
	require.NoError(t, err)
	return a
}

func slackBody(text string) []byte {
	form := url.Values{}
	form.Set("command", "/mu")
	form.Set("text", text)
	form.Set("trigger_id", "trig-1")
	form.Set("team_id", "T1")
	form.Set("channel_id", "C1")
	form.Set("user_id", "U1")
	return []byte(form.Encode())
}

func signedHeaders(secret string, body []byte) http.Header {
	ts := strconv.FormatInt(testNowMs/1000, 10)
	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", ts)
	h.Set("X-Slack-Signature", Sign(secret, ts, body))
	return h
}

func TestNewRejectsUnknownChannel(t *testing.T) {
	_, err := New(Config{Channel: "irc", NowMs: func() int64 { return 0 }}, emptyIdentities(t))
	require.Error(t, err)
}

func TestSlackIngestValidSignature(t *testing.T) {
	a := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "s3cret"}, nil)
	body := slackBody("status")

	env, vErr := a.Ingest(signedHeaders("s3cret", body), body)
	require.Nil(t, vErr)
	assert.Equal(t, models.EnvelopeVersion, env.V)
	assert.Equal(t, models.ChannelSlack, env.Channel)
	assert.Equal(t, "T1", env.ChannelTenantID)
	assert.Equal(t, "C1", env.ChannelConversationID)
	assert.Equal(t, "U1", env.ActorID)
	assert.Equal(t, "/mu status", env.CommandText)
	assert.Equal(t, "dlv:slack:trig-1", env.IdempotencyKey)
	assert.NoError(t, env.Validate())
}

func TestSlackIngestRejectsBadSignature(t *testing.T) {
	a := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "s3cret"}, nil)
	body := slackBody("status")

	headers := signedHeaders("wrong-secret", body)
	_, vErr := a.Ingest(headers, body)
	require.NotNil(t, vErr)
	assert.Equal(t, http.StatusUnauthorized, vErr.Status)
	assert.Equal(t, models.ReasonSignatureInvalid, vErr.Reason)
}

func TestSlackIngestRejectsTamperedBody(t *testing.T) {
	a := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "s3cret"}, nil)
	body := slackBody("status")
	headers := signedHeaders("s3cret", body)

	_, vErr := a.Ingest(headers, slackBody("issue close mu-1"))
	require.NotNil(t, vErr)
	assert.Equal(t, models.ReasonSignatureInvalid, vErr.Reason)
}

func TestSlackIngestRejectsStaleTimestamp(t *testing.T) {
	a := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "s3cret"}, nil)
	body := slackBody("status")

	stale := strconv.FormatInt(testNowMs/1000-600, 10)
	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", stale)
	h.Set("X-Slack-Signature", Sign("s3cret", stale, body))

	_, vErr := a.Ingest(h, body)
	require.NotNil(t, vErr)
	assert.Equal(t, models.ReasonTimestampStale, vErr.Reason)
}

func TestSlackIngestRejectsFutureTimestamp(t *testing.T) {
	a := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "s3cret"}, nil)
	body := slackBody("status")

	future := strconv.FormatInt(testNowMs/1000+600, 10)
	h := http.Header{}
	h.Set("X-Slack-Request-Timestamp", future)
	h.Set("X-Slack-Signature", Sign("s3cret", future, body))

	_, vErr := a.Ingest(h, body)
	require.NotNil(t, vErr)
	assert.Equal(t, models.ReasonTimestampStale, vErr.Reason)
}

func TestSlackIngestRejectsMissingHeaders(t *testing.T) {
	a := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "s3cret"}, nil)
	_, vErr := a.Ingest(http.Header{}, slackBody("status"))
	require.NotNil(t, vErr)
	assert.Equal(t, http.StatusUnauthorized, vErr.Status)
}

func TestTelegramSharedSecret(t *testing.T) {
	a := newAdapter(t, models.ChannelTelegram, Secrets{SharedSecret: "tok"}, nil)
	body := []byte(`{"update_id":77,"message":{"text":"mu status","chat":{"id":-100123},"from":{"id":42}}}`)

	h := http.Header{}
	h.Set("X-Telegram-Bot-Api-Secret-Token", "tok")
	env, vErr := a.Ingest(h, body)
	require.Nil(t, vErr)
	assert.Equal(t, "77", env.DeliveryID)
	assert.Equal(t, "-100123", env.ChannelConversationID)
	assert.Equal(t, "42", env.ActorID)
	assert.Equal(t, "mu status", env.CommandText)

	h.Set("X-Telegram-Bot-Api-Secret-Token", "wrong")
	_, vErr = a.Ingest(h, body)
	require.NotNil(t, vErr)
	assert.Equal(t, http.StatusUnauthorized, vErr.Status)
}

func TestNeovimIngest(t *testing.T) {
	a := newAdapter(t, models.ChannelNeovim, Secrets{SharedSecret: "tok"}, nil)
	body := []byte(`{"delivery_id":"d1","conversation_id":"buf-1","actor_id":"dev","text":"mu ready","metadata":{"operator_session_id":"s1"}}`)

	h := http.Header{}
	h.Set("X-Mu-Neovim-Secret", "tok")
	env, vErr := a.Ingest(h, body)
	require.Nil(t, vErr)
	assert.Equal(t, "dlv:neovim:d1", env.IdempotencyKey)
	assert.Equal(t, "s1", env.Metadata["operator_session_id"])
}

func TestDiscordSignedJSON(t *testing.T) {
	a := newAdapter(t, models.ChannelDiscord, Secrets{SigningSecret: "s3cret"}, nil)
	body := []byte(`{"id":"m1","guild_id":"g1","channel_id":"ch1","content":"mu status","author":{"id":"u1"}}`)

	ts := strconv.FormatInt(testNowMs/1000, 10)
	h := http.Header{}
	h.Set("X-Discord-Request-Timestamp", ts)
	h.Set("X-Discord-Signature", Sign("s3cret", ts, body))

	env, vErr := a.Ingest(h, body)
	require.Nil(t, vErr)
	assert.Equal(t, "g1", env.ChannelTenantID)
	assert.Equal(t, "dlv:discord:m1", env.IdempotencyKey)

	// The signature rides discord-specific headers; others are ignored.
	other := http.Header{}
	other.Set("X-Slack-Request-Timestamp", ts)
	other.Set("X-Slack-Signature", Sign("s3cret", ts, body))
	_, vErr = a.Ingest(other, body)
	require.NotNil(t, vErr)
	assert.Equal(t, http.StatusUnauthorized, vErr.Status)
}

func TestMalformedPayloadIsBadRequest(t *testing.T) {
	a := newAdapter(t, models.ChannelNeovim, Secrets{SharedSecret: "tok"}, nil)
	h := http.Header{}
	h.Set("X-Mu-Neovim-Secret", "tok")

	_, vErr := a.Ingest(h, []byte("{not json"))
	require.NotNil(t, vErr)
	assert.Equal(t, http.StatusBadRequest, vErr.Status)
	assert.Contains(t, vErr.Reason, models.ReasonPayloadInvalid)
}

func TestMissingActorOrTextIsBadRequest(t *testing.T) {
	a := newAdapter(t, models.ChannelNeovim, Secrets{SharedSecret: "tok"}, nil)
	h := http.Header{}
	h.Set("X-Mu-Neovim-Secret", "tok")

	_, vErr := a.Ingest(h, []byte(`{"delivery_id":"d1","conversation_id":"buf-1","actor_id":"dev","text":"  "}`))
	require.NotNil(t, vErr)
	assert.Equal(t, http.StatusBadRequest, vErr.Status)
}

func TestUnlinkedActorGetsDeterministicBinding(t *testing.T) {
	a := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "s3cret"}, nil)
	body := slackBody("status")

	env, vErr := a.Ingest(signedHeaders("s3cret", body), body)
	require.Nil(t, vErr)
	assert.Equal(t, "unlinked:slack:U1", env.ActorBindingID)
	assert.Equal(t, models.TierC, env.AssuranceTier)
}

func TestLinkedActorResolvesBinding(t *testing.T) {
	identities := emptyIdentities(t)
	identities.Apply(identity.Binding{
		BindingID:     "bind-u1",
		Channel:       models.ChannelSlack,
		ChannelTenant: "T1",
		ActorID:       "U1",
		Scopes:        []string{"ops:read"},
		AssuranceTier: models.TierA,
	})
	a := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "s3cret"}, identities)
	body := slackBody("status")

	env, vErr := a.Ingest(signedHeaders("s3cret", body), body)
	require.Nil(t, vErr)
	assert.Equal(t, "bind-u1", env.ActorBindingID)
	assert.Equal(t, models.TierA, env.AssuranceTier)
}

func TestFingerprintWindowKeyWithoutDeliveryID(t *testing.T) {
	a := newAdapter(t, models.ChannelNeovim, Secrets{SharedSecret: "tok"}, nil)
	h := http.Header{}
	h.Set("X-Mu-Neovim-Secret", "tok")

	env, vErr := a.Ingest(h, []byte(`{"conversation_id":"buf-1","actor_id":"dev","text":"mu status"}`))
	require.Nil(t, vErr)
	minute := strconv.FormatInt(testNowMs/60000, 10)
	assert.Equal(t, "fpw:"+env.Fingerprint+":"+minute, env.IdempotencyKey)
}

func TestSpecPerChannel(t *testing.T) {
	slack := newAdapter(t, models.ChannelSlack, Secrets{SigningSecret: "x"}, nil).Spec()
	assert.Equal(t, "form", slack.PayloadFormat)
	assert.Equal(t, VerifyHMACSignature, slack.Verification)
	assert.Equal(t, "/webhooks/slack", slack.Route)

	neovim := newAdapter(t, models.ChannelNeovim, Secrets{SharedSecret: "x"}, nil).Spec()
	assert.Equal(t, "json", neovim.PayloadFormat)
	assert.Equal(t, VerifySharedSecret, neovim.Verification)
	assert.Equal(t, "at_least_once", neovim.DeliverySemantics)
}
