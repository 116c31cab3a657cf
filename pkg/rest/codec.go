package rest

import (
	"encoding/json"
	"encoding/xml"
	"net/url"
	"strings"

	"github.com/pkg/errors"
)

func DecodeXML(resp *Response, v interface{}) error {
	if err := xml.Unmarshal(resp.Body, v); err != nil {
		return errors.Wrap(err, "failed to decode xml response")
	}
	return nil
}

func DecodeJSON(resp *Response, v interface{}) error {
	if err := json.Unmarshal(resp.Body, v); err != nil {
		return errors.Wrap(err, "failed to decode json response")
	}
	return nil
}

// JSONRequest returns a request with v encoded as its body.
func JSONRequest(method, rawURL string, v interface{}) (*Request, error) {
	var body []byte
	if v != nil {
		var err error
		body, err = json.Marshal(v)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode json request")
		}
	}
	req, err := NewRequest(method, rawURL, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if v != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// JoinURL appends escaped path segments to base. Slashes inside a segment
// are kept so blob names map to nested paths.
func JoinURL(base string, segments ...string) string {
	out := strings.TrimRight(base, "/")
	for _, s := range segments {
		out += "/" + escapePath(s)
	}
	return out
}

func escapePath(s string) string {
	parts := strings.Split(s, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
