package models

// NotificationCount is the denormalised counter of a notification feed and the
// payload published on every change.
type NotificationCount struct {
	OwnerID     int64 `json:"owner_id"`
	UnreadCount int   `json:"unread_count"`
	UnseenCount int   `json:"unseen_count"`
}

// CountAggregates counts the unseen and unread aggregates of an owner.
func CountAggregates(ownerID int64, aggregates []*AggregatedActivity) NotificationCount {
	count := NotificationCount{OwnerID: ownerID}
	for _, agg := range aggregates {
		if !agg.IsSeen() {
			count.UnseenCount++
		}
		if !agg.IsRead() {
			count.UnreadCount++
		}
	}
	return count
}
