// ABOUTME: Per-platform webhook payload normalization into one inbound shape
// ABOUTME: Secret/signature verification is each adapter's own concern

package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/convogrid/convogrid/internal/store"
)

// ErrIgnored marks a payload the adapter recognizes but does not
// dispatch (status callbacks, edits, non-message events). The handler
// acknowledges it without enqueueing work.
var ErrIgnored = errors.New("payload ignored")

// Inbound is the normalized form every platform adapter produces.
type Inbound struct {
	// ParticipantIdentifier is the platform-scoped handle: phone
	// number, chat id, page-scoped user id.
	ParticipantIdentifier string
	// MessageID is the platform's delivery id, used for dedup.
	MessageID string
	Text      string
	// ParticipantName and RemoteID are optional metadata recorded on
	// first contact.
	ParticipantName string
	RemoteID        string
	// ChallengeResponse, when non-empty, is written back verbatim and
	// nothing is dispatched (endpoint verification handshakes).
	ChallengeResponse string
}

// Normalizer converts one platform's webhook payload into an Inbound.
type Normalizer interface {
	Platform() store.Platform
	// Normalize parses and verifies a delivery. The channel gives the
	// adapter access to its platform config for secret checks.
	Normalize(r *http.Request, ch *store.Channel, body []byte) (*Inbound, error)
}

// Normalizers returns all supported platform adapters keyed by platform.
func Normalizers() map[store.Platform]Normalizer {
	all := []Normalizer{
		telegramNormalizer{},
		whatsappNormalizer{},
		facebookNormalizer{},
		sureAdhereNormalizer{},
		slackNormalizer{},
		commCareConnectNormalizer{},
	}
	m := make(map[store.Platform]Normalizer, len(all))
	for _, n := range all {
		m[n.Platform()] = n
	}
	return m
}

type telegramNormalizer struct{}

func (telegramNormalizer) Platform() store.Platform { return store.PlatformTelegram }

func (telegramNormalizer) Normalize(r *http.Request, ch *store.Channel, body []byte) (*Inbound, error) {
	// Telegram resends the secret configured at setWebhook time.
	if secret := ch.ExtraString("secret_token"); secret != "" {
		if r.Header.Get("X-Telegram-Bot-Api-Secret-Token") != secret {
			return nil, fmt.Errorf("telegram secret token mismatch")
		}
	}

	var update struct {
		UpdateID int64 `json:"update_id"`
		Message  *struct {
			MessageID int64 `json:"message_id"`
			From      struct {
				ID        int64  `json:"id"`
				FirstName string `json:"first_name"`
			} `json:"from"`
			Chat struct {
				ID int64 `json:"id"`
			} `json:"chat"`
			Text string `json:"text"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &update); err != nil {
		return nil, fmt.Errorf("parsing telegram update: %w", err)
	}
	if update.Message == nil || update.Message.Text == "" {
		return nil, ErrIgnored
	}
	return &Inbound{
		ParticipantIdentifier: strconv.FormatInt(update.Message.Chat.ID, 10),
		MessageID:             strconv.FormatInt(update.Message.MessageID, 10),
		Text:                  update.Message.Text,
		ParticipantName:       update.Message.From.FirstName,
		RemoteID:              strconv.FormatInt(update.Message.From.ID, 10),
	}, nil
}

type whatsappNormalizer struct{}

func (whatsappNormalizer) Platform() store.Platform { return store.PlatformWhatsApp }

func (whatsappNormalizer) Normalize(_ *http.Request, _ *store.Channel, body []byte) (*Inbound, error) {
	var payload struct {
		Entry []struct {
			Changes []struct {
				Value struct {
					Contacts []struct {
						Profile struct {
							Name string `json:"name"`
						} `json:"profile"`
						WaID string `json:"wa_id"`
					} `json:"contacts"`
					Messages []struct {
						From string `json:"from"`
						ID   string `json:"id"`
						Text struct {
							Body string `json:"body"`
						} `json:"text"`
					} `json:"messages"`
				} `json:"value"`
			} `json:"changes"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing whatsapp payload: %w", err)
	}
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			v := change.Value
			if len(v.Messages) == 0 {
				continue
			}
			msg := v.Messages[0]
			if msg.Text.Body == "" {
				return nil, ErrIgnored
			}
			in := &Inbound{
				ParticipantIdentifier: msg.From,
				MessageID:             msg.ID,
				Text:                  msg.Text.Body,
			}
			if len(v.Contacts) > 0 {
				in.ParticipantName = v.Contacts[0].Profile.Name
				in.RemoteID = v.Contacts[0].WaID
			}
			return in, nil
		}
	}
	return nil, ErrIgnored
}

type facebookNormalizer struct{}

func (facebookNormalizer) Platform() store.Platform { return store.PlatformFacebook }

func (facebookNormalizer) Normalize(_ *http.Request, _ *store.Channel, body []byte) (*Inbound, error) {
	var payload struct {
		Entry []struct {
			Messaging []struct {
				Sender struct {
					ID string `json:"id"`
				} `json:"sender"`
				Message struct {
					MID  string `json:"mid"`
					Text string `json:"text"`
				} `json:"message"`
			} `json:"messaging"`
		} `json:"entry"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing facebook payload: %w", err)
	}
	for _, entry := range payload.Entry {
		for _, m := range entry.Messaging {
			if m.Message.Text == "" {
				continue
			}
			return &Inbound{
				ParticipantIdentifier: m.Sender.ID,
				MessageID:             m.Message.MID,
				Text:                  m.Message.Text,
				RemoteID:              m.Sender.ID,
			}, nil
		}
	}
	return nil, ErrIgnored
}

type sureAdhereNormalizer struct{}

func (sureAdhereNormalizer) Platform() store.Platform { return store.PlatformSureAdhere }

func (sureAdhereNormalizer) Normalize(_ *http.Request, _ *store.Channel, body []byte) (*Inbound, error) {
	var payload struct {
		PatientID string `json:"patient_id"`
		MessageID string `json:"message_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing sureadhere payload: %w", err)
	}
	if payload.PatientID == "" || payload.Message == "" {
		return nil, ErrIgnored
	}
	return &Inbound{
		ParticipantIdentifier: payload.PatientID,
		MessageID:             payload.MessageID,
		Text:                  payload.Message,
	}, nil
}

type slackNormalizer struct{}

func (slackNormalizer) Platform() store.Platform { return store.PlatformSlack }

func (slackNormalizer) Normalize(_ *http.Request, _ *store.Channel, body []byte) (*Inbound, error) {
	var payload struct {
		Type      string `json:"type"`
		Challenge string `json:"challenge"`
		Event     struct {
			Type    string `json:"type"`
			User    string `json:"user"`
			BotID   string `json:"bot_id"`
			Text    string `json:"text"`
			TS      string `json:"ts"`
			Channel string `json:"channel"`
		} `json:"event"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing slack payload: %w", err)
	}
	if payload.Type == "url_verification" {
		return &Inbound{ChallengeResponse: payload.Challenge}, nil
	}
	if payload.Event.Type != "message" || payload.Event.BotID != "" || payload.Event.Text == "" {
		return nil, ErrIgnored
	}
	return &Inbound{
		ParticipantIdentifier: payload.Event.User,
		MessageID:             payload.Event.TS,
		Text:                  payload.Event.Text,
		RemoteID:              payload.Event.User,
	}, nil
}

type commCareConnectNormalizer struct{}

func (commCareConnectNormalizer) Platform() store.Platform { return store.PlatformCommCareConnect }

func (commCareConnectNormalizer) Normalize(_ *http.Request, _ *store.Channel, body []byte) (*Inbound, error) {
	var payload struct {
		ConnectID string `json:"connect_id"`
		MessageID string `json:"message_id"`
		Message   string `json:"message"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("parsing commcare connect payload: %w", err)
	}
	if payload.ConnectID == "" || payload.Message == "" {
		return nil, ErrIgnored
	}
	return &Inbound{
		ParticipantIdentifier: payload.ConnectID,
		MessageID:             payload.MessageID,
		Text:                  payload.Message,
	}, nil
}
