package resolver

// ErrorKind classifies a failed resolution.
type ErrorKind string

const (
	ErrorKindNotFound       ErrorKind = "not_found"
	ErrorKindAmbiguousMatch ErrorKind = "ambiguous_match"
	ErrorKindUnexpected     ErrorKind = "unexpected"
)

// Outcome is the tagged result of resolving one phone number. A resolved
// outcome carries the identity snapshot; a failed outcome carries only the
// error fields. Flags and the last-seen label are a point-in-time snapshot.
type Outcome struct {
	ID                int64     `json:"id,omitempty"`
	Username          string    `json:"username,omitempty"`
	FirstName         string    `json:"first_name,omitempty"`
	LastName          string    `json:"last_name,omitempty"`
	Fake              bool      `json:"fake,omitempty"`
	Verified          bool      `json:"verified,omitempty"`
	Premium           bool      `json:"premium,omitempty"`
	MutualContact     bool      `json:"mutual_contact,omitempty"`
	Bot               bool      `json:"bot,omitempty"`
	BotChatHistory    bool      `json:"bot_chat_history,omitempty"`
	Restricted        bool      `json:"restricted,omitempty"`
	RestrictionReason string    `json:"restriction_reason,omitempty"`
	LastSeen          string    `json:"user_was_online,omitempty"`
	Phone             string    `json:"phone,omitempty"`
	PhotoPath         string    `json:"photo_path,omitempty"`
	ErrorKind         ErrorKind `json:"error_kind,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// Resolved reports whether the outcome carries an identity.
func (outcome Outcome) Resolved() bool {
	return outcome.Error == "" && outcome.ID != 0
}
