package security

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Detection IDs are content-addressed: the same (kind, timestamp, entity)
// always hashes to the same ID, so re-processing identical input can never
// mint a second record for the same cause.

func hashID(data string, n int) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])[:n]
}

func isoTime(ts time.Time) string {
	return ts.UTC().Format(time.RFC3339Nano)
}

// VaultEventID derives the ID for a vault health event.
func VaultEventID(kind string, ts time.Time, entityID string) string {
	return "hlp-" + hashID(fmt.Sprintf("%s_%s_%s", kind, isoTime(ts), entityID), 16)
}

// OracleEventID derives the ID for an oracle deviation event.
func OracleEventID(asset string, ts time.Time) string {
	return "oracle-" + hashID(fmt.Sprintf("oracle_%s_%s", asset, isoTime(ts)), 16)
}

// PatternID derives the ID for a liquidation pattern. The prefix embeds the
// first three letters of the pattern type so operators can tell flash-loan,
// cascade, and coordinated detections apart at a glance.
func PatternID(pt PatternType, ts time.Time) string {
	short := string(pt)
	if len(short) > 3 {
		short = short[:3]
	}
	return "liq-" + short + "-" + hashID(fmt.Sprintf("%s_%s", pt, isoTime(ts)), 12)
}
