package guild

import (
	"strings"

	"github.com/referee-bot/referee/automod/helpers"
)

// Matches a free-text member reference against a roster.
//
// Tries, in order: a mention ("<@123>" or "<@!123>"), an exact ID, an exact "user#1234" tag, an exact username, an exact nickname, then the same two case-insensitively, then ignoring accents and punctuation. As a last resort a case-insensitive prefix of username or nickname is accepted, but only if it matches a single member.
func matchMember(name string, roster []Member) *Member {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil
	}
	if strings.HasPrefix(name, "<@") && strings.HasSuffix(name, ">") {
		name = strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(name, "<@"), "!"), ">")
	}

	exact := []func(m *Member) bool{
		func(m *Member) bool { return m.ID == name },
		func(m *Member) bool { return m.Discriminator != "" && m.Tag() == name },
		func(m *Member) bool { return m.Username == name },
		func(m *Member) bool { return m.Nick != "" && m.Nick == name },
		func(m *Member) bool { return strings.EqualFold(m.Username, name) },
		func(m *Member) bool { return m.Nick != "" && strings.EqualFold(m.Nick, name) },
	}
	for _, fn := range exact {
		for i := range roster {
			if fn(&roster[i]) {
				return &roster[i]
			}
		}
	}

	// folded (accent and punctuation insensitive) match, if unambiguous
	if folded := helpers.FoldName(name); folded != "" {
		var found *Member
		ambiguous := false
		for i := range roster {
			m := &roster[i]
			if helpers.FoldName(m.Username) == folded || (m.Nick != "" && helpers.FoldName(m.Nick) == folded) {
				if found != nil {
					ambiguous = true
					break
				}
				found = m
			}
		}
		if found != nil && !ambiguous {
			return found
		}
	}

	lower := strings.ToLower(name)
	var found *Member
	for i := range roster {
		m := &roster[i]
		if strings.HasPrefix(strings.ToLower(m.Username), lower) || (m.Nick != "" && strings.HasPrefix(strings.ToLower(m.Nick), lower)) {
			if found != nil {
				// ambiguous
				return nil
			}
			found = m
		}
	}
	return found
}
