package dispatch

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/Trustflow-Network-Labs/dht-node/internal/message"
)

// ResponseHistory remembers the ids of recently resolved requests so that
// duplicates can be told apart from unknown responses.
type ResponseHistory struct {
	cache *lru.Cache[message.ID, struct{}]
}

func NewResponseHistory(size int) (*ResponseHistory, error) {
	cache, err := lru.New[message.ID, struct{}](size)
	if err != nil {
		return nil, err
	}
	return &ResponseHistory{cache: cache}, nil
}

// Add records id. It reports whether id was already present.
func (h *ResponseHistory) Add(id message.ID) bool {
	seen, _ := h.cache.ContainsOrAdd(id, struct{}{})
	return seen
}

func (h *ResponseHistory) Contains(id message.ID) bool {
	return h.cache.Contains(id)
}

func (h *ResponseHistory) Len() int {
	return h.cache.Len()
}
