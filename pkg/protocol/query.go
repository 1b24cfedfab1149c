package protocol

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// ErrInvalidQueryParam is returned when a history query key or value contains a separator.
var ErrInvalidQueryParam = errors.New("query parameters must not contain ';' or '='")

// NewChatHistoryRequest builds a history request from key/value parameters.
// Recognized keys are count, from, to and id.
func NewChatHistoryRequest(channelID uuid.UUID, params map[string]string) (*ChatHistoryRequest, error) {
	keys := make([]string, 0, len(params))
	for k, v := range params {
		if strings.ContainsAny(k, ";=") || strings.ContainsAny(v, ";=") {
			return nil, fmt.Errorf("%w: %q=%q", ErrInvalidQueryParam, k, v)
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, k+"="+params[k])
	}
	return &ChatHistoryRequest{ChannelID: channelID, Query: strings.Join(pairs, ";")}, nil
}

// Params parses the query string. Pairs that are not exactly key=value are skipped.
func (m *ChatHistoryRequest) Params() map[string]string {
	params := make(map[string]string)
	if m.Query == "" {
		return params
	}
	for _, pair := range strings.Split(m.Query, ";") {
		kv := strings.Split(pair, "=")
		if len(kv) != 2 {
			continue
		}
		params[kv[0]] = kv[1]
	}
	return params
}
