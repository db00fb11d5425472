package ratelimit

import "strings"

// UserKey limits op per user
func UserKey(op, userID string) string {
	return join("user", op, userID)
}

// IPKey limits op per client address
func IPKey(op, ip string) string {
	return join("ip", op, ip)
}

// CustomKey limits op per caller-computed value, such as a tenant or a file hash
func CustomKey(op, value string) string {
	return join("custom", op, value)
}

// GlobalKey limits op across all callers
func GlobalKey(op string) string {
	return join("global", op)
}

func join(parts ...string) string {
	return strings.Join(parts, ":")
}
