package main

import (
	"fmt"
	"net/http"
	"net/url"

	"github.com/risa-org/collector/transport"
	"github.com/risa-org/collector/transport/tcp"
	"github.com/risa-org/collector/transport/websocket"
)

// newDialer picks the transport from the URL scheme.
func newDialer(rawURL string, header http.Header) (transport.Dialer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse socket url: %w", err)
	}

	switch u.Scheme {
	case "ws", "wss":
		return &websocket.Dialer{URL: rawURL, Header: header}, nil
	case "tcp", "tcps":
		d, err := tcp.NewDialer(rawURL, header)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("unsupported socket url scheme %q", u.Scheme)
	}
}
