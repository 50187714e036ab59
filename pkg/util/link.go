package util

const (
	LinkStateAbsent  = "absent"
	LinkStateUnknown = "unknown"
)
