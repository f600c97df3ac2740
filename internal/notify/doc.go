// Package notify posts operator-facing messages to a chat webhook or an
// ntfy-style push topic.
package notify
