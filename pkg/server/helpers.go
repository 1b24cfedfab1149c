package server

import (
	"sort"
	"strings"

	"github.com/aeolun/concord/pkg/protocol"
)

// safeDeref safely dereferences a pointer, returning a default value if nil
func safeDeref[T any](ptr *T, defaultVal T) T {
	if ptr == nil {
		return defaultVal
	}
	return *ptr
}

// sortUsers orders user data by nickname, then id for equal nicknames
func sortUsers(users []protocol.UserData) {
	sort.Slice(users, func(i, j int) bool {
		if c := strings.Compare(users[i].Name, users[j].Name); c != 0 {
			return c < 0
		}
		return users[i].ID.String() < users[j].ID.String()
	})
}

// normalizeChannelName lower-cases a channel name and replaces whitespace runs with '-'
func normalizeChannelName(name string) string {
	return strings.Join(strings.Fields(strings.ToLower(name)), "-")
}
