// Package discovery implements original-post discovery: finding the
// destination URLs a reaction should be propagated to, from the silo
// activity's structured content and free-text body.
package discovery

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/mentionbridge/backend/internal/silo"
)

var (
	urlRe = regexp.MustCompile(`https?://[^\s()<>"]+`)

	// Legacy "(domain path)" shorthand: a bare domain-like token followed
	// by one path token inside parentheses. Authors used it to point back
	// at the original post before silos supported inline links. Tokens are
	// whitespace-delimited; the path token may not contain parentheses.
	shorthandRe = regexp.MustCompile(`\(([a-zA-Z0-9][\w.-]*\.[a-zA-Z]{2,})\s+([^\s()]+)\)`)
)

// TargetURLs extracts the ordered, deduplicated set of propagation
// targets from an activity object: article attachments first, then
// article tags, then URLs found in the free-text content. Candidates
// with blacklisted hosts or that fail URL parsing are dropped without
// affecting the rest.
func TargetURLs(obj *silo.Object, bl Blacklist) []string {
	if obj == nil {
		return nil
	}

	var candidates []string

	for _, att := range obj.Attachments {
		if att.Type == "article" {
			candidates = append(candidates, att.URL)
		}
	}

	for _, tag := range obj.Tags {
		if tag.Type == "article" {
			candidates = append(candidates, tag.URL)
		}
	}

	candidates = append(candidates, textURLs(obj.Content)...)

	valid := lo.Filter(candidates, func(candidate string, _ int) bool {
		return Valid(candidate, bl)
	})
	if len(valid) == 0 {
		return nil
	}

	return lo.Uniq(valid)
}

// TargetURLsFromText extracts targets from a bare text body, for
// reaction sub-objects that carry no structured content.
func TargetURLsFromText(content string, bl Blacklist) []string {
	valid := lo.Filter(textURLs(content), func(candidate string, _ int) bool {
		return Valid(candidate, bl)
	})
	if len(valid) == 0 {
		return nil
	}

	return lo.Uniq(valid)
}

// Valid reports whether candidate parses as an absolute http(s) URL with
// a non-blacklisted host.
func Valid(candidate string, bl Blacklist) bool {
	u, err := url.Parse(candidate)
	if err != nil {
		return false
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}

	if u.Host == "" {
		return false
	}

	// url.Parse tolerates stray brackets in the host. Hostname strips the
	// brackets off a well-formed IPv6 literal, so any left over mean the
	// candidate is malformed.
	if strings.ContainsAny(u.Hostname(), "[]") {
		return false
	}

	return !bl.Contains(u.Hostname())
}

type textMatch struct {
	pos int
	url string
}

// textURLs scans free text left to right, collecting absolute URL tokens
// and expanded "(domain path)" shorthands in order of appearance.
func textURLs(content string) []string {
	if content == "" {
		return nil
	}

	var matches []textMatch

	for _, loc := range urlRe.FindAllStringIndex(content, -1) {
		matches = append(matches, textMatch{loc[0], strings.TrimRight(content[loc[0]:loc[1]], ".,;:!?")})
	}

	for _, loc := range shorthandRe.FindAllStringSubmatchIndex(content, -1) {
		domain := content[loc[2]:loc[3]]
		path := content[loc[4]:loc[5]]
		matches = append(matches, textMatch{loc[0], fmt.Sprintf("http://%s/%s", domain, strings.TrimPrefix(path, "/"))})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].pos < matches[j].pos })

	urls := make([]string, len(matches))
	for i, m := range matches {
		urls[i] = m.url
	}

	return urls
}
