// Package wsapi builds and signs requests for the exchange WebSocket API.
package wsapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Sign returns the hex HMAC-SHA256 of the sorted `key=value&...` form of params, ignoring
// any existing signature.
func Sign(params map[string]any, secret string) string {
	return signPayload(Canonical(params), secret)
}

func signPayload(payload, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Canonical renders params in signing order.
func Canonical(params map[string]any) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == "signature" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(formatValue(params[k]))
	}
	return b.String()
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case decimal.Decimal:
		return val.String()
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case uint64:
		return strconv.FormatUint(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	case []string:
		return "[" + strings.Join(val, ",") + "]"
	default:
		return fmt.Sprint(val)
	}
}

// NewUUIDID derives a 36 character id from the sha256 of a random uuid.
func NewUUIDID() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	h := hex.EncodeToString(sum[:])
	return h[0:12] + "-" + h[12:16] + "-" + h[16:20] + "-" + h[20:24] + "-" + h[24:32]
}
