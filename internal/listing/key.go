package listing

import (
	"net/url"
	"strings"
)

// Key derives a listing's identity from its content: name plus address,
// falling back to name plus URL. Handles and panel positions are never part
// of it, since virtualized panels recycle nodes. An empty name yields "".
func Key(name, address, link string) string {
	name = normalize(name)
	if name == "" {
		return ""
	}
	second := normalize(address)
	if second == "" {
		second = normalize(link)
	}
	return name + "|" + second
}

// PlaceKey derives identity from a card's place link. Google Maps encodes
// the place id as a "!1s" token in the link's data segment; links without
// one fall back to their path. Query strings vary between page loads and are
// ignored. An empty or unparsable link yields "".
func PlaceKey(href string) string {
	href = strings.TrimSpace(href)
	if href == "" {
		return ""
	}
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}

	path := u.Path
	if i := strings.Index(path, "!1s"); i >= 0 {
		id := path[i+3:]
		if j := strings.IndexByte(id, '!'); j >= 0 {
			id = id[:j]
		}
		if id != "" {
			return "place:" + id
		}
	}

	path = strings.TrimSuffix(path, "/")
	if path == "" {
		return ""
	}
	return "place:" + strings.ToLower(path)
}

// AttrKey derives identity from a persistent attribute value.
func AttrKey(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return ""
	}
	return "id:" + value
}

func normalize(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
