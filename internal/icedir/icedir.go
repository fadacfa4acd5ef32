// Package icedir fetches the STUN/TURN server list used for connectivity
// establishment from a remote directory endpoint.
package icedir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/1ureka/morph/internal/util"
)

// ErrNoServers is returned when the directory answered but yielded no usable
// server entry.
var ErrNoServers = errors.New("no ICE servers available")

// maxResponseSize bounds the directory response body.
const maxResponseSize = 1 << 20

// Server is one STUN/TURN server entry. A nil Credential means the server
// needs no authentication.
type Server struct {
	URLs       []string
	Username   string
	Credential *string
}

// Authenticated reports whether the entry carries a credential.
func (s Server) Authenticated() bool { return s.Credential != nil }

// Response envelope:
//
//	{"s": "ok", "v": {"iceServers": [{"url"|"urls": ..., "username": "...", "credential": "..."|null}]}}
//
// Each entry carries its own credential. The older shape with a single
// shared credential object under "iceServers" is not accepted.
type response struct {
	Status string `json:"s"`
	Value  struct {
		IceServers []serverJSON `json:"iceServers"`
	} `json:"v"`
}

type serverJSON struct {
	URL        stringOrStringSlice `json:"url"`
	URLs       stringOrStringSlice `json:"urls"`
	Username   string              `json:"username"`
	Credential *string             `json:"credential"`
}

type stringOrStringSlice []string

func (s *stringOrStringSlice) UnmarshalJSON(b []byte) error {
	var single string
	if err := json.Unmarshal(b, &single); err == nil {
		*s = []string{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return err
	}
	*s = many
	return nil
}

// Options configures a Client.
type Options struct {
	// URL is the directory endpoint (GET).
	URL string
	// HTTPClient defaults to a client with a 10 second timeout.
	HTTPClient *http.Client
	Logger     *util.Logger
}

// Client fetches server lists from a directory endpoint.
type Client struct {
	url  string
	http *http.Client
	log  *util.Logger
}

// New creates a directory client.
func New(opts Options) *Client {
	c := &Client{
		url:  opts.URL,
		http: opts.HTTPClient,
		log:  opts.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 10 * time.Second}
	}
	if c.log == nil {
		c.log = util.NewLogger("icedir")
	}
	return c
}

// Fetch requests the current server list. Any failure yields no servers and
// an error; invalid entries are skipped with a warning.
func (c *Client) Fetch(ctx context.Context) ([]Server, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch ICE servers: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch ICE servers: unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read directory response: %w", err)
	}

	servers, err := c.parse(body)
	if err != nil {
		return nil, err
	}
	c.log.Debugf("directory returned %d ICE server(s)", len(servers))
	return servers, nil
}

func (c *Client) parse(body []byte) ([]Server, error) {
	var r response
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, fmt.Errorf("decode directory response: %w", err)
	}
	if r.Status != "" && !strings.EqualFold(r.Status, "ok") {
		return nil, fmt.Errorf("directory status %q", r.Status)
	}

	out := make([]Server, 0, len(r.Value.IceServers))
	for i, entry := range r.Value.IceServers {
		srv := Server{
			URLs:       trimURLs(append(append([]string(nil), entry.URL...), entry.URLs...)),
			Username:   strings.TrimSpace(entry.Username),
			Credential: entry.Credential,
		}
		if err := validate(srv); err != nil {
			c.log.Warnf("skipping iceServers[%d]: %v", i, err)
			continue
		}
		out = append(out, srv)
	}

	if len(out) == 0 {
		return nil, ErrNoServers
	}
	return out, nil
}

func trimURLs(urls []string) []string {
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

func validate(s Server) error {
	if len(s.URLs) == 0 {
		return errors.New("missing urls")
	}
	for _, u := range s.URLs {
		switch {
		case strings.HasPrefix(u, "stun:"), strings.HasPrefix(u, "stuns:"):
		case strings.HasPrefix(u, "turn:"), strings.HasPrefix(u, "turns:"):
			if s.Username == "" || !s.Authenticated() {
				return fmt.Errorf("turn url %q requires username and credential", u)
			}
		default:
			return fmt.Errorf("unsupported url scheme: %q", u)
		}
	}
	return nil
}

// Static serves a fixed server list.
type Static []Server

// Fetch returns the list, or ErrNoServers when it is empty.
func (s Static) Fetch(context.Context) ([]Server, error) {
	if len(s) == 0 {
		return nil, ErrNoServers
	}
	return append([]Server(nil), s...), nil
}

// FromURLs builds an unauthenticated entry from plain STUN URLs.
func FromURLs(urls []string) Static {
	urls = trimURLs(urls)
	if len(urls) == 0 {
		return nil
	}
	return Static{{URLs: urls}}
}
