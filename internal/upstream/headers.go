package upstream

import (
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Identity is the browser fingerprint presented to the backend. One identity
// is generated per process.
type Identity struct {
	DeviceID  string
	SessionID string
	TrafficID string
}

func NewIdentity() Identity {
	return Identity{
		DeviceID:  strconv.FormatUint(7_000_000_000_000_000_000+rand.Uint64N(3_000_000_000_000_000_000), 10),
		SessionID: strconv.FormatUint(1_700_000_000_000_000_000+rand.Uint64N(300_000_000_000_000_000), 10),
		TrafficID: strings.ReplaceAll(uuid.NewString(), "-", "")[:20],
	}
}

// Headers sent on every upstream call.
var baseHeaders = map[string]string{
	"Accept":          "*/*",
	"Accept-Language": "zh-CN,zh;q=0.9,en;q=0.8",
	"Cache-Control":   "no-cache",
	"User-Agent":      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/139.0.0.0 Safari/537.36",
	"X-Msh-Platform":  "web",
	"R-Timezone":      "Asia/Shanghai",
	"X-Language":      "zh-CN",
}

func (c *Client) prepareHeaders(bearer string) http.Header {
	h := make(http.Header, len(baseHeaders)+5)
	for k, v := range baseHeaders {
		h.Set(k, v)
	}
	h.Set("Origin", c.origin)
	h.Set("Referer", c.origin+"/")
	h.Set("X-Msh-Device-Id", c.identity.DeviceID)
	h.Set("X-Msh-Session-Id", c.identity.SessionID)
	if bearer != "" {
		h.Set("Authorization", "Bearer "+bearer)
	}
	return h
}

// prepareChatHeaders adds the connect protocol labels the chat endpoint
// requires for framed bodies.
func (c *Client) prepareChatHeaders(accessToken string) http.Header {
	h := c.prepareHeaders(accessToken)
	h.Set("Content-Type", "application/connect+json")
	h.Set("Connect-Protocol-Version", "1")
	h.Set("X-Traffic-Id", c.identity.TrafficID)
	return h
}
