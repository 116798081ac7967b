package types

import "net/url"

// URLParts is the path-level view of a request URL used for filtering,
// record keys and matching.
type URLParts struct {
	Path     string
	RawQuery string
}

// PathAndQuery returns the path followed by ?query when a query is present.
func (u URLParts) PathAndQuery() string {
	if u.RawQuery == "" {
		return u.Path
	}
	return u.Path + "?" + u.RawQuery
}

// ParseURLParts splits a request URL into path and raw query.
func ParseURLParts(raw string) (URLParts, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return URLParts{}, err
	}
	p := u.EscapedPath()
	if p == "" {
		p = "/"
	}
	return URLParts{Path: p, RawQuery: u.RawQuery}, nil
}
