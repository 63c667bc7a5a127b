package domain

import "time"

// TimelineEvent описывает событие в жизненном цикле оформления.
type TimelineEvent struct {
	FlowID   string
	OrderID  string
	Type     string
	Reason   string
	Occurred time.Time
}
