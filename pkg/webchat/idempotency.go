package webchat

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

// exchangeIDFromRequest picks the client supplied exchange id or generates one.
func exchangeIDFromRequest(r *http.Request, fallback string) string {
	var key string
	if r != nil {
		for _, h := range []string{"Idempotency-Key", "X-Idempotency-Key", "X-Exchange-Id"} {
			if key = strings.TrimSpace(r.Header.Get(h)); key != "" {
				break
			}
		}
	}
	if key == "" {
		key = strings.TrimSpace(fallback)
	}
	if key == "" {
		key = uuid.NewString()
	}
	return key
}
