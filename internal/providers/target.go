package providers

import (
	"net/url"
	"strings"

	"golang.org/x/net/publicsuffix"
)

var platformDomains = map[string]string{
	"instagram.com":  "instagram",
	"instagr.am":     "instagram",
	"youtube.com":    "youtube",
	"youtu.be":       "youtube",
	"tiktok.com":     "tiktok",
	"twitter.com":    "twitter",
	"x.com":          "twitter",
	"facebook.com":   "facebook",
	"fb.com":         "facebook",
	"fb.watch":       "facebook",
	"t.me":           "telegram",
	"telegram.me":    "telegram",
	"spotify.com":    "spotify",
	"twitch.tv":      "twitch",
	"discord.com":    "discord",
	"discord.gg":     "discord",
	"linkedin.com":   "linkedin",
	"soundcloud.com": "soundcloud",
	"threads.net":    "threads",
}

// TargetPlatform returns the platform a link belongs to, or "" when the
// host is not a known platform domain.
func TargetPlatform(rawURL string) string {
	parsed, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil {
		return ""
	}
	host := strings.TrimSuffix(strings.ToLower(parsed.Hostname()), ".")
	if host == "" {
		return ""
	}
	if platform, ok := platformDomains[host]; ok {
		return platform
	}
	eTLD1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return ""
	}
	return platformDomains[eTLD1]
}

// TargetMatches reports whether a link may be sent to a service of the given
// platform. Unknown hosts and unclassified services always match; shorteners
// and mirrors are the provider's call.
func TargetMatches(servicePlatform, rawURL string) bool {
	if servicePlatform == "" || servicePlatform == Unclassified {
		return true
	}
	linked := TargetPlatform(rawURL)
	return linked == "" || linked == servicePlatform
}
