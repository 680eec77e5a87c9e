package models

// Channel is an outbound announcement channel.
type Channel string

const (
	ChannelX       Channel = "x"
	ChannelDiscord Channel = "discord"
)

func (c Channel) Valid() bool {
	return c == ChannelX || c == ChannelDiscord
}

// DraftStatus is the announcement lifecycle. pending is the only non-terminal state.
type DraftStatus string

const (
	DraftStatusPending DraftStatus = "pending"
	DraftStatusPosted  DraftStatus = "posted"
	DraftStatusSkipped DraftStatus = "skipped"
)

func (s DraftStatus) Terminal() bool {
	return s == DraftStatusPosted || s == DraftStatusSkipped
}

type DeliveryStatus string

const (
	DeliveryStatusSent   DeliveryStatus = "sent"
	DeliveryStatusFailed DeliveryStatus = "failed"
)

const PlatformTwitch = "twitch"
