package twitch

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"
)

const (
	HeaderMessageID        = "Twitch-Eventsub-Message-Id"
	HeaderMessageTimestamp = "Twitch-Eventsub-Message-Timestamp"
	HeaderMessageSignature = "Twitch-Eventsub-Message-Signature"
	HeaderMessageType      = "Twitch-Eventsub-Message-Type"

	MessageTypeNotification = "notification"
	MessageTypeVerification = "webhook_callback_verification"
	MessageTypeRevocation   = "revocation"

	EventStreamOnline  = "stream.online"
	EventStreamOffline = "stream.offline"

	// MaxMessageAge bounds replayed deliveries.
	MaxMessageAge = 10 * time.Minute
)

var (
	ErrMissingHeaders   = errors.New("missing eventsub headers")
	ErrBadSignature     = errors.New("eventsub signature mismatch")
	ErrStaleMessage     = errors.New("eventsub message too old")
	ErrMalformedMessage = errors.New("malformed eventsub message")
)

type Subscription struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Version   string            `json:"version"`
	Status    string            `json:"status"`
	Condition map[string]string `json:"condition"`
}

// Envelope is the body of every EventSub webhook request.
type Envelope struct {
	Subscription Subscription    `json:"subscription"`
	Event        json.RawMessage `json:"event,omitempty"`
	Challenge    string          `json:"challenge,omitempty"`
}

type StreamOnlineEvent struct {
	ID                   string    `json:"id"`
	BroadcasterUserID    string    `json:"broadcaster_user_id"`
	BroadcasterUserLogin string    `json:"broadcaster_user_login"`
	BroadcasterUserName  string    `json:"broadcaster_user_name"`
	Type                 string    `json:"type"`
	StartedAt            time.Time `json:"started_at"`
}

type StreamOfflineEvent struct {
	BroadcasterUserID    string `json:"broadcaster_user_id"`
	BroadcasterUserLogin string `json:"broadcaster_user_login"`
	BroadcasterUserName  string `json:"broadcaster_user_name"`
}

// Sign computes the signature header value Twitch sends for a message.
func Sign(secret, messageID, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(messageID))
	mac.Write([]byte(timestamp))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the HMAC and the message age.
func VerifySignature(secret string, h http.Header, body []byte, now time.Time) error {
	id := h.Get(HeaderMessageID)
	ts := h.Get(HeaderMessageTimestamp)
	sig := h.Get(HeaderMessageSignature)
	if id == "" || ts == "" || sig == "" || secret == "" {
		return ErrMissingHeaders
	}

	expected := Sign(secret, id, ts, body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return ErrBadSignature
	}

	sent, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return ErrStaleMessage
	}
	if now.Sub(sent) > MaxMessageAge {
		return ErrStaleMessage
	}
	return nil
}

func ParseEnvelope(body []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, errors.Join(ErrMalformedMessage, err)
	}
	if env.Subscription.Type == "" {
		return nil, ErrMalformedMessage
	}
	return &env, nil
}
