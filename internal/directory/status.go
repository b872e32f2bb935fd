package directory

const (
	labelOnlineNow     = "online now"
	labelSeenRecently  = "seen recently"
	labelSeenLastWeek  = "seen last week"
	labelSeenLastMonth = "seen last month"
	labelUnknown       = "unknown"

	offlineTimestampLayout = "2006-01-02 15:04:05"
)

// PresenceLabel converts a presence status into a human-readable last-seen
// label. The mapping is total: unrecognized variants fall back to "unknown".
func PresenceLabel(status PresenceStatus) string {
	switch status.Kind {
	case PresenceOnline:
		return labelOnlineNow
	case PresenceOffline:
		return status.WasOnline.Format(offlineTimestampLayout)
	case PresenceRecently:
		return labelSeenRecently
	case PresenceLastWeek:
		return labelSeenLastWeek
	case PresenceLastMonth:
		return labelSeenLastMonth
	default:
		return labelUnknown
	}
}
