package registry

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	logx "wacron/pkg/logx"
)

// ResolveChat maps a schedule target to a chat id.
//
// Group targets are matched against the live group directory by name,
// case-insensitively; the first match in directory order wins (duplicate
// group names are unspecified upstream, so this is policy, not contract).
// Direct targets are normalized phone numbers formatted with the engine's
// addressing suffix.
func (r *Registry) ResolveChat(ctx context.Context, userID, target string, isGroup bool) (string, error) {
	if !isGroup {
		return normalizeNumber(target) + r.config().DirectSuffix, nil
	}

	groups, err := r.ListGroups(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("list groups: %w", err)
	}
	for _, g := range groups {
		if strings.EqualFold(g.Name, target) {
			return g.ID, nil
		}
	}
	r.log.Debug("no group matched target", logx.String("user_id", userID), logx.String("target", target))
	return "", ErrChatNotFound
}

// normalizeNumber strips whitespace, hyphens, and plus signs from a
// phone-number-like target.
func normalizeNumber(s string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) || r == '-' || r == '+' {
			return -1
		}
		return r
	}, s)
}
