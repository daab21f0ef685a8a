// Package mf2 normalizes microformats2 payloads into a flat property bag
// and classifies the bag into a post kind. Both JSON-mf2 and form-encoded
// Micropub bodies end up in the same bag shape, so everything downstream
// works on one representation.
package mf2

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"webstead/pkg/storage"
)

// Properties is the normalized property bag: every key maps to a list of
// values, `[]` suffixes are stripped, and structured content/photo values
// are flattened. Unknown properties pass through verbatim.
type Properties map[string][]any

// Control keys carried alongside mf2 properties in a Micropub body.
var controlKeys = []string{"action", "url", "replace", "add", "delete", "type"}

var ErrInvalidJSON = fmt.Errorf("invalid JSON payload")

// ParseJSON normalizes a JSON-mf2 body. It accepts both the canonical
// {"type": [...], "properties": {...}} shape and a flat object.
func ParseJSON(body []byte) (Properties, error) {
	if len(body) == 0 {
		return Properties{}, nil
	}

	var raw map[string]any
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidJSON, err)
	}

	bag := make(map[string][]any)
	if props, ok := raw["properties"].(map[string]any); ok {
		for key, value := range props {
			bag[key] = asList(value)
		}
		for _, key := range controlKeys {
			if _, taken := bag[key]; taken {
				continue
			}
			if value, ok := raw[key]; ok {
				bag[key] = asList(value)
			}
		}
	} else {
		for key, value := range raw {
			bag[key] = asList(value)
		}
	}

	return normalize(bag), nil
}

// ParseForm normalizes a form-encoded Micropub body.
func ParseForm(form url.Values) Properties {
	bag := make(map[string][]any, len(form))
	for key, values := range form {
		list := make([]any, 0, len(values))
		for _, v := range values {
			list = append(list, v)
		}
		bag[key] = list
	}

	return normalize(bag)
}

func asList(value any) []any {
	if list, ok := value.([]any); ok {
		return list
	}
	return []any{value}
}

func normalize(raw map[string][]any) Properties {
	bag := make(Properties, len(raw))
	for key, values := range raw {
		normKey := strings.TrimSuffix(key, "[]")
		bag[normKey] = append(bag[normKey], normalizeValues(normKey, values)...)
	}

	return bag
}

// normalizeValues flattens the structured value shapes Micropub clients
// send: content as {"html": ...} or {"value": ...}, photo as
// {"value": url, "alt": text}.
func normalizeValues(key string, values []any) []any {
	out := make([]any, 0, len(values))
	for _, item := range values {
		obj, isObj := item.(map[string]any)
		if !isObj {
			out = append(out, item)
			continue
		}

		switch key {
		case "content":
			if html, ok := obj["html"].(string); ok {
				out = append(out, html)
				continue
			}
			if value, ok := obj["value"].(string); ok {
				out = append(out, value)
				continue
			}
		case "photo":
			photo := map[string]any{}
			if u, ok := obj["value"].(string); ok && u != "" {
				photo["url"] = u
			} else if u, ok := firstOf(obj["url"]); ok {
				photo["url"] = u
			}
			if alt, ok := firstOf(obj["alt"]); ok {
				photo["alt"] = alt
			}
			if _, ok := photo["url"]; ok {
				out = append(out, photo)
				continue
			}
		}
		out = append(out, item)
	}

	return out
}

func firstOf(value any) (string, bool) {
	switch v := value.(type) {
	case string:
		return v, v != ""
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

// First returns the first string value of a property.
func (p Properties) First(key string) string {
	s, _ := firstOf([]any(p[key]))
	return s
}

// Has reports property presence with at least one value.
func (p Properties) Has(key string) bool {
	return len(p[key]) > 0
}

// Strings returns all string values of a property.
func (p Properties) Strings(key string) []string {
	var out []string
	for _, v := range p[key] {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Objects returns the nested mf2 objects of a property: values shaped like
// {"type": [...], "properties": {...}}.
func (p Properties) Objects(key string) []map[string]any {
	var out []map[string]any
	for _, v := range p[key] {
		obj, ok := v.(map[string]any)
		if !ok {
			continue
		}
		if obj["type"] != nil && obj["properties"] != nil {
			out = append(out, obj)
		}
	}
	return out
}

// HasType reports whether the bag's mf2 type list contains the given h-* type.
func (p Properties) HasType(hType string) bool {
	for _, v := range p["type"] {
		if s, ok := v.(string); ok && s == hType {
			return true
		}
	}
	return false
}

var geoURIRe = regexp.MustCompile(`^geo:(-?\d+(?:\.\d+)?),(-?\d+(?:\.\d+)?)(?:,(-?\d+(?:\.\d+)?))?(?:;.*)?$`)

// Geo is a parsed geo: URI.
type Geo struct {
	Latitude  float64
	Longitude float64
	Altitude  *float64
}

// ParseGeoURI parses an RFC 5870 geo: URI (geo:lat,lon[,alt][;params]).
func ParseGeoURI(uri string) (Geo, bool) {
	m := geoURIRe.FindStringSubmatch(strings.TrimSpace(uri))
	if m == nil {
		return Geo{}, false
	}

	lat, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return Geo{}, false
	}
	lon, err := strconv.ParseFloat(m[2], 64)
	if err != nil {
		return Geo{}, false
	}

	g := Geo{Latitude: lat, Longitude: lon}
	if m[3] != "" {
		if alt, err := strconv.ParseFloat(m[3], 64); err == nil {
			g.Altitude = &alt
		}
	}

	return g, true
}

// noteMaxLen is the cutoff between a note and an article when no explicit
// title is present.
const noteMaxLen = 500

// Classification is the classifier outcome: the kind plus, for interaction
// kinds, the URL the interaction points at.
type Classification struct {
	Kind   storage.Kind
	Target string
}

// Classify maps a property bag onto exactly one post kind. First match
// wins, and interaction properties take precedence over content-shape
// heuristics: a client that sets both like-of and a long body still means
// "like". Evaluation is on property presence, not string content.
func Classify(props Properties) Classification {
	switch {
	case props.Has("rsvp"):
		// An RSVP answers the event named by in-reply-to, when present.
		return Classification{Kind: storage.KindRSVP, Target: props.First("in-reply-to")}
	case props.Has("like-of"):
		return Classification{Kind: storage.KindLike, Target: props.First("like-of")}
	case props.Has("repost-of"):
		return Classification{Kind: storage.KindRepost, Target: props.First("repost-of")}
	case props.Has("in-reply-to"):
		return Classification{Kind: storage.KindReply, Target: props.First("in-reply-to")}
	case props.Has("bookmark-of"):
		return Classification{Kind: storage.KindBookmark, Target: props.First("bookmark-of")}
	case props.Has("checkin"):
		return Classification{Kind: storage.KindCheckin}
	}

	if _, ok := ParseGeoURI(props.First("location")); ok {
		return Classification{Kind: storage.KindCheckin}
	}
	if props.HasType("h-event") && props.Has("start") {
		return Classification{Kind: storage.KindEvent}
	}

	name := props.First("name")
	content := props.First("content")
	short := utf8.RuneCountInString(content) <= noteMaxLen

	if props.Has("photo") && name == "" && short {
		return Classification{Kind: storage.KindPhoto}
	}
	if name == "" && short {
		return Classification{Kind: storage.KindNote}
	}

	return Classification{Kind: storage.KindArticle}
}
