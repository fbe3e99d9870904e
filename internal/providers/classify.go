package providers

import (
	"strings"
	"unicode"
)

const Unclassified = "other"

type keyword struct {
	value string
	words []string
	parts []string
}

var platformKeywords = []keyword{
	{value: "instagram", words: []string{"ig", "insta"}, parts: []string{"instagram"}},
	{value: "youtube", words: []string{"yt"}, parts: []string{"youtube"}},
	{value: "tiktok", parts: []string{"tiktok", "tik tok"}},
	{value: "twitter", parts: []string{"twitter", "tweet"}},
	{value: "facebook", words: []string{"fb"}, parts: []string{"facebook"}},
	{value: "telegram", words: []string{"tg"}, parts: []string{"telegram"}},
	{value: "spotify", parts: []string{"spotify"}},
	{value: "twitch", parts: []string{"twitch"}},
	{value: "discord", parts: []string{"discord"}},
	{value: "linkedin", parts: []string{"linkedin"}},
	{value: "soundcloud", parts: []string{"soundcloud"}},
	{value: "threads", parts: []string{"threads"}},
}

var typeKeywords = []keyword{
	{value: "followers", parts: []string{"follower"}},
	{value: "subscribers", parts: []string{"subscriber", "subs"}},
	{value: "members", parts: []string{"member"}},
	{value: "likes", parts: []string{"like", "heart"}},
	{value: "views", parts: []string{"view", "watch"}},
	{value: "comments", parts: []string{"comment"}},
	{value: "shares", parts: []string{"share", "repost", "retweet"}},
	{value: "plays", parts: []string{"play", "stream", "listen"}},
	{value: "reactions", parts: []string{"reaction"}},
	{value: "votes", parts: []string{"vote", "poll"}},
}

// Classify derives the platform and type of an upstream service from its
// category and name. Anything unrecognised is Unclassified.
func Classify(category, name string) (platform, typ string) {
	platform = match(platformKeywords, category)
	if platform == "" {
		platform = match(platformKeywords, name)
	}
	typ = match(typeKeywords, name)
	if typ == "" {
		typ = match(typeKeywords, category)
	}
	if platform == "" {
		platform = Unclassified
	}
	if typ == "" {
		typ = Unclassified
	}
	return platform, typ
}

// match returns the keyword that appears earliest in text.
func match(keywords []keyword, text string) string {
	lower := strings.ToLower(text)
	if lower == "" {
		return ""
	}
	tokens := strings.FieldsFunc(lower, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	best, bestPos := "", len(lower)+1
	for _, kw := range keywords {
		for _, w := range kw.words {
			for _, tok := range tokens {
				if tok != w {
					continue
				}
				if pos := strings.Index(lower, tok); pos >= 0 && pos < bestPos {
					best, bestPos = kw.value, pos
				}
			}
		}
		for _, p := range kw.parts {
			if pos := strings.Index(lower, p); pos >= 0 && pos < bestPos {
				best, bestPos = kw.value, pos
			}
		}
	}
	return best
}
