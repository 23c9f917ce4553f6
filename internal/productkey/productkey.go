// Package productkey derives the canonical identity of a catalog item: a
// normalized URL used as the primary dedup key, and a deterministic SHA-1
// product key used for content-based dedup independent of URL.
//
// Both functions are pure and stable across processes and restarts, which is
// what makes dedup safe under horizontal scaling. A language-runtime hash must
// never be used here: it is not stable across runs.
package productkey

import (
	"crypto/sha1"
	"encoding/hex"
	"net/url"
	"regexp"
	"strings"
)

var (
	// numericIDRE matches a marketplace-internal numeric id (6+ digits) in a path.
	numericIDRE = regexp.MustCompile(`/(\d{6,})/?`)
	// cardSlugRE matches the slug of a /card/ style item URL.
	cardSlugRE = regexp.MustCompile(`/card/([^/?]+)`)
	// whitespaceRE collapses consecutive whitespace to a single space.
	whitespaceRE = regexp.MustCompile(`\s+`)
)

// Normalize converts a raw item reference into its canonical form.
//
// Rules, in priority order:
//  1. an `offerid` query parameter wins: "offer:<id>"
//  2. a numeric id (6+ digits) in the path: "id:<digits>"
//  3. a /card/<slug> path: "card:<slug>"
//  4. otherwise the cleaned, lowercased path: "path:<path>"
//
// Fragments and query noise are dropped. Normalize is idempotent:
// Normalize(Normalize(u)) == Normalize(u) for every input.
func Normalize(raw string) string {
	if raw == "" {
		return ""
	}
	clean := strings.ToLower(strings.TrimRight(strings.SplitN(raw, "#", 2)[0], "/"))

	// Already-canonical values pass through untouched (idempotence).
	for _, p := range []string{"offer:", "id:", "card:", "path:"} {
		if strings.HasPrefix(clean, p) {
			return clean
		}
	}

	u, err := url.Parse(clean)
	if err != nil {
		return clean
	}

	if offer := u.Query().Get("offerid"); offer != "" {
		return "offer:" + strings.ToLower(offer)
	}
	if m := numericIDRE.FindStringSubmatch(u.Path); m != nil {
		return "id:" + m[1]
	}
	if m := cardSlugRE.FindStringSubmatch(u.Path); m != nil {
		return "card:" + m[1]
	}
	if p := strings.Trim(u.Path, "/"); p != "" {
		return "path:" + p
	}
	return clean
}

// GenerateKey combines whichever identity fields are available into a single
// deterministic SHA-1 key (40 hex characters).
//
// Fields are joined in decreasing order of reliability: offer id, market id,
// normalized URL, cleaned title, vendor. The same logical input always yields
// the same key, including across restarts and across process instances.
func GenerateKey(title, vendor, offerID, marketID, rawURL string) string {
	var parts []string

	if offerID != "" {
		parts = append(parts, "offer:"+strings.ToLower(strings.TrimSpace(offerID)))
	}
	if marketID != "" {
		parts = append(parts, "id:"+strings.TrimSpace(marketID))
	}
	if rawURL != "" {
		if n := Normalize(rawURL); n != "" {
			parts = append(parts, n)
		}
	}
	if title != "" {
		clean := whitespaceRE.ReplaceAllString(strings.ToLower(strings.TrimSpace(title)), " ")
		if len(clean) > 100 {
			clean = clean[:100]
		}
		parts = append(parts, "title:"+clean)
	}
	if vendor != "" {
		parts = append(parts, "vendor:"+strings.ToLower(strings.TrimSpace(vendor)))
	}

	base := strings.Join(parts, "|")
	if base == "" {
		base = "empty"
	}

	sum := sha1.Sum([]byte(base))
	return hex.EncodeToString(sum[:])
}
