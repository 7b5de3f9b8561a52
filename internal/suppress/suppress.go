// Package suppress computes deterministic suppression keys and the
// per-type expiry windows for suppression rules. A rule blocks
// re-proposal of a dismissed finding until it expires; expiry is
// evaluated lazily wherever the rule is consulted, never by a
// background sweep.
package suppress

import (
	"time"

	"github.com/steveyegge/keel/internal/configfile"
	"github.com/steveyegge/keel/internal/timeutil"
	"github.com/steveyegge/keel/internal/types"
)

// Key returns the suppression key for a candidate finding:
// "sup_" + hash of "type:client:brand:discriminator". The same
// canonicalization detectors use for aggregation scoping, so a
// dismissed finding and its re-submission always collide.
func Key(itemType types.InboxType, clientID, brandID, discriminator string) string {
	return timeutil.KeyHash("sup", string(itemType), clientID, brandID, discriminator)
}

// Window returns the configured suppression window for an item type.
func Window(itemType types.InboxType, cfg *configfile.Config) time.Duration {
	days := cfg.SuppressIssueDays
	switch itemType {
	case types.InboxTypeFlaggedSignal:
		days = cfg.SuppressSignalDays
	case types.InboxTypeOrphan:
		days = cfg.SuppressOrphanDays
	case types.InboxTypeAmbiguous:
		days = cfg.SuppressAmbiguousDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// NewRule builds the suppression rule recorded when an item is
// dismissed.
func NewRule(item *types.InboxItem, reason, actor string, now time.Time, cfg *configfile.Config) *types.SuppressionRule {
	return &types.SuppressionRule{
		SuppressionKey: item.SuppressionKey,
		ItemType:       item.Type,
		ClientID:       item.ClientID,
		BrandID:        item.BrandID,
		Reason:         reason,
		CreatedBy:      actor,
		CreatedAt:      now,
		ExpiresAt:      now.Add(Window(item.Type, cfg)),
	}
}
