package adapter

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/mu-ops/mu/pkg/models"
)

func (a *Adapter) normalize(headers http.Header, body []byte) (*models.InboundEnvelope, *VerifyError) {
	switch a.channel {
	case models.ChannelSlack:
		return a.normalizeSlack(body)
	case models.ChannelDiscord:
		return a.normalizeDiscord(body)
	case models.ChannelTelegram:
		return a.normalizeTelegram(body)
	default:
		return a.normalizeNeovim(body)
	}
}

func payloadInvalid(detail string) *VerifyError {
	return &VerifyError{Status: http.StatusBadRequest, Reason: models.ReasonPayloadInvalid + ": " + detail}
}

// normalizeSlack handles the slash-command form payload.
func (a *Adapter) normalizeSlack(body []byte) (*models.InboundEnvelope, *VerifyError) {
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, payloadInvalid("malformed form body")
	}
	text := strings.TrimSpace(form.Get("command") + " " + form.Get("text"))
	return a.buildEnvelope(envelopeParts{
		DeliveryID:     form.Get("trigger_id"),
		TenantID:       form.Get("team_id"),
		ConversationID: form.Get("channel_id"),
		ActorID:        form.Get("user_id"),
		CommandText:    text,
	})
}

type discordMessage struct {
	ID        string `json:"id"`
	GuildID   string `json:"guild_id"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	Author    struct {
		ID string `json:"id"`
	} `json:"author"`
}

func (a *Adapter) normalizeDiscord(body []byte) (*models.InboundEnvelope, *VerifyError) {
	var msg discordMessage
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, payloadInvalid("malformed json body")
	}
	return a.buildEnvelope(envelopeParts{
		DeliveryID:     msg.ID,
		TenantID:       msg.GuildID,
		ConversationID: msg.ChannelID,
		ActorID:        msg.Author.ID,
		CommandText:    msg.Content,
	})
}

type telegramUpdate struct {
	UpdateID int64 `json:"update_id"`
	Message  struct {
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
		From struct {
			ID int64 `json:"id"`
		} `json:"from"`
	} `json:"message"`
}

func (a *Adapter) normalizeTelegram(body []byte) (*models.InboundEnvelope, *VerifyError) {
	var update telegramUpdate
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, payloadInvalid("malformed json body")
	}
	return a.buildEnvelope(envelopeParts{
		DeliveryID:     strconv.FormatInt(update.UpdateID, 10),
		ConversationID: strconv.FormatInt(update.Message.Chat.ID, 10),
		ActorID:        strconv.FormatInt(update.Message.From.ID, 10),
		CommandText:    update.Message.Text,
	})
}

type neovimRequest struct {
	DeliveryID     string         `json:"delivery_id"`
	ConversationID string         `json:"conversation_id"`
	ActorID        string         `json:"actor_id"`
	Text           string         `json:"text"`
	Metadata       map[string]any `json:"metadata"`
}

func (a *Adapter) normalizeNeovim(body []byte) (*models.InboundEnvelope, *VerifyError) {
	var req neovimRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, payloadInvalid("malformed json body")
	}
	return a.buildEnvelope(envelopeParts{
		DeliveryID:     req.DeliveryID,
		ConversationID: req.ConversationID,
		ActorID:        req.ActorID,
		CommandText:    req.Text,
		Metadata:       req.Metadata,
	})
}

type envelopeParts struct {
	DeliveryID     string
	TenantID       string
	ConversationID string
	ActorID        string
	CommandText    string
	Metadata       map[string]any
}

// buildEnvelope assembles the canonical envelope: identity resolution,
// fingerprint, and idempotency key derivation. Unlinked actors still get a
// deterministic binding id so the pipeline denies identity_not_linked instead
// of rejecting the payload.
func (a *Adapter) buildEnvelope(parts envelopeParts) (*models.InboundEnvelope, *VerifyError) {
	text := strings.TrimSpace(parts.CommandText)
	if parts.ActorID == "" || text == "" {
		return nil, payloadInvalid("missing actor or command text")
	}

	now := a.nowMs()
	fingerprint := models.Fingerprint(a.channel, parts.TenantID, parts.ConversationID, parts.ActorID, text)

	bindingID := "unlinked:" + string(a.channel) + ":" + parts.ActorID
	tier := models.TierC
	if binding, ok := a.identities.Find(a.channel, parts.TenantID, parts.ActorID); ok {
		bindingID = binding.BindingID
		tier = binding.AssuranceTier
	}

	// Channel delivery ids give exact retry detection; without one, retries
	// within a one-minute window collapse onto the same key.
	idempotencyKey := "dlv:" + string(a.channel) + ":" + parts.DeliveryID
	if parts.DeliveryID == "" {
		idempotencyKey = "fpw:" + fingerprint + ":" + strconv.FormatInt(now/60000, 10)
	}

	return &models.InboundEnvelope{
		V:                     models.EnvelopeVersion,
		ReceivedAtMs:          now,
		RequestID:             uuid.NewString(),
		DeliveryID:            parts.DeliveryID,
		Channel:               a.channel,
		ChannelTenantID:       parts.TenantID,
		ChannelConversationID: parts.ConversationID,
		ActorID:               parts.ActorID,
		ActorBindingID:        bindingID,
		AssuranceTier:         tier,
		RepoRoot:              a.repoRoot,
		CommandText:           text,
		IdempotencyKey:        idempotencyKey,
		Fingerprint:           fingerprint,
		Metadata:              parts.Metadata,
	}, nil
}
