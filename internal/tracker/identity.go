package tracker

import (
	"crypto/sha1"
	"encoding/hex"
)

const identityLen = 16

// IdentityOf returns the stable identity of a scraped event: the first 16
// hex characters of SHA-1("title|timeText|detailURL"). Identities recorded
// by earlier deployments stay valid.
func IdentityOf(title, timeText, detailURL string) string {
	sum := sha1.Sum([]byte(title + "|" + timeText + "|" + detailURL))
	return hex.EncodeToString(sum[:])[:identityLen]
}
