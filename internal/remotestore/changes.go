package remotestore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"nhooyr.io/websocket"
)

// Changes opens the websocket change feed served by the paksync document
// server. Servers without it return an error from the handshake.
func (c *CouchClient) Changes(ctx context.Context) (<-chan Change, error) {
	wsURL := c.baseURL + "/" + url.PathEscape(c.database) + "/_changes?feed=websocket"
	switch {
	case strings.HasPrefix(wsURL, "https://"):
		wsURL = "wss://" + strings.TrimPrefix(wsURL, "https://")
	case strings.HasPrefix(wsURL, "http://"):
		wsURL = "ws://" + strings.TrimPrefix(wsURL, "http://")
	}
	header := http.Header{}
	if c.username != "" {
		token := base64.StdEncoding.EncodeToString([]byte(c.username + ":" + c.password))
		header.Set("Authorization", "Basic "+token)
	}
	header.Set("X-Correlation-Id", correlationID())
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, classifyTransportError(err)
	}
	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer conn.Close(websocket.StatusNormalClosure, "")
		for {
			_, data, err := conn.Read(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Warn("change feed closed", "error", err)
				}
				return
			}
			var change Change
			if err := json.Unmarshal(data, &change); err != nil {
				c.logger.Warn("bad change event", "error", err)
				continue
			}
			select {
			case out <- change:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
