package directory

import (
	"context"
	"time"
)

// Credentials authorizes remote calls on behalf of one operator's account.
type Credentials struct {
	StringSession string `json:"string_session"`
	APIID         int    `json:"api_id"`
	APIHash       string `json:"api_hash"`
}

// PresenceKind identifies one variant of the remote presence status.
type PresenceKind string

const (
	PresenceOnline    PresenceKind = "online"
	PresenceOffline   PresenceKind = "offline"
	PresenceRecently  PresenceKind = "recently"
	PresenceLastWeek  PresenceKind = "last_week"
	PresenceLastMonth PresenceKind = "last_month"
)

// PresenceStatus captures the last-seen information reported for an identity.
// WasOnline is populated only for the offline variant.
type PresenceStatus struct {
	Kind      PresenceKind `json:"kind"`
	WasOnline time.Time    `json:"was_online,omitempty"`
}

// Identity describes an account matched on the remote service.
type Identity struct {
	ID                int64          `json:"id"`
	Username          string         `json:"username,omitempty"`
	FirstName         string         `json:"first_name,omitempty"`
	LastName          string         `json:"last_name,omitempty"`
	Phone             string         `json:"phone,omitempty"`
	Fake              bool           `json:"fake,omitempty"`
	Verified          bool           `json:"verified,omitempty"`
	Premium           bool           `json:"premium,omitempty"`
	MutualContact     bool           `json:"mutual_contact,omitempty"`
	Bot               bool           `json:"bot,omitempty"`
	BotChatHistory    bool           `json:"bot_chat_history,omitempty"`
	Restricted        bool           `json:"restricted,omitempty"`
	RestrictionReason string         `json:"restriction_reason,omitempty"`
	Status            PresenceStatus `json:"status"`
	HasPhoto          bool           `json:"has_photo,omitempty"`
}

// EntityRef identifies a group or channel resolved from a public handle.
type EntityRef struct {
	ID     int64  `json:"id"`
	Handle string `json:"handle"`
	Title  string `json:"title,omitempty"`
}

// Client is the contract for the remote identity service. Every call may fail
// with a transport error at any time.
type Client interface {
	ImportContact(ctx context.Context, phoneNumber string) ([]Identity, error)
	DeleteContacts(ctx context.Context, identityIDs []int64) error
	ResolveEntity(ctx context.Context, handle string) (EntityRef, error)
	InviteToGroup(ctx context.Context, group EntityRef, identityID int64) error
	DownloadProfilePhoto(ctx context.Context, identityID int64) ([]byte, error)
}

// ClientFactory binds one operator's credentials to a ready-to-use client.
type ClientFactory func(credentials Credentials) (Client, error)
