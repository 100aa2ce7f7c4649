package gateway

import (
	"hash/fnv"
	"strings"
)

// Stub synthesizes a deterministic response when no upstream provider is
// usable. Responses come from a small fixed pool; the same request always
// yields the same response, and no network call is made.
type Stub struct {
	pool map[string][]string
}

// NewStub creates the stub with the built-in response pool.
func NewStub() *Stub {
	return &Stub{pool: defaultStubPool()}
}

// Respond picks a response for the request. Topic metadata selects the pool
// category; the last user message breaks ties deterministically.
func (s *Stub) Respond(req *RequestContext) string {
	category := categorize(req.Topic, req.lastUserContent())
	pool := s.pool[category]
	if len(pool) == 0 {
		pool = s.pool["general"]
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(req.Topic))
	_, _ = h.Write([]byte(req.lastUserContent()))
	return pool[h.Sum32()%uint32(len(pool))]
}

// categorize maps topic metadata and message keywords onto a pool category.
func categorize(topic, lastMessage string) string {
	haystack := strings.ToLower(topic + " " + lastMessage)
	switch {
	case containsAny(haystack, "summary", "summarize", "recap", "tl;dr"):
		return "summary"
	case containsAny(haystack, "explain", "what is", "define", "meaning"):
		return "explain"
	case containsAny(haystack, "next", "step", "how do i", "how to"):
		return "guidance"
	default:
		return "general"
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func defaultStubPool() map[string][]string {
	return map[string][]string{
		"general": {
			"I'm temporarily unable to reach the language model service. Your request has been noted; please try again in a moment, or rephrase your question and I'll do my best with a simpler answer.",
			"The assistant service is briefly unavailable. Nothing was lost: your conversation is intact, and retrying in a minute will usually succeed.",
			"I can't generate a full answer right now because the upstream model service isn't responding. Please retry shortly.",
		},
		"summary": {
			"I can't produce a full summary right now because the model service is unreachable. As a placeholder: review the key points of the conversation above, focusing on the most recent exchanges, and retry shortly for a complete summary.",
			"Summarization is temporarily unavailable. The conversation history is preserved, so a retry in a moment will produce the summary you asked for.",
		},
		"explain": {
			"I can't fetch a detailed explanation at the moment because the model service is unavailable. Try asking again shortly; if it's urgent, breaking the question into smaller parts often helps.",
			"An explanation isn't available right now due to a temporary service interruption. Your question has been kept and a retry should succeed.",
		},
		"guidance": {
			"I can't suggest concrete next steps right now because the model service is unreachable. A safe default: review what you've covered so far and retry this request in a minute.",
			"Step-by-step guidance is temporarily unavailable. Please retry shortly; the service usually recovers within moments.",
		},
	}
}
