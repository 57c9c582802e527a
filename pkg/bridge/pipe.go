package bridge

import "strings"

// Matcher selects messages, typically for a pipe or a routing table.
type Matcher func(Message) bool

// NamePrefix matches messages whose name starts with prefix.
func NamePrefix(prefix string) Matcher {
	return func(msg Message) bool {
		return strings.HasPrefix(msg.Name, prefix)
	}
}
