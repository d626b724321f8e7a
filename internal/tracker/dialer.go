package tracker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"
)

// WebsocketDial builds the production DialFunc for a server's progress
// channel endpoint. baseURL is the server root (http, https, ws, or wss
// scheme); header carries the session credentials the server checks before
// upgrading.
func WebsocketDial(baseURL, jobID, subscriberID string, header http.Header) (DialFunc, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = fmt.Sprintf("/ws/reports/%s/progress", jobID)
	u.RawQuery = url.Values{"subscriber_id": []string{subscriberID}}.Encode()
	target := u.String()

	return func(ctx context.Context) (Conn, error) {
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, target, header)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", target, err)
		}
		return conn, nil
	}, nil
}
