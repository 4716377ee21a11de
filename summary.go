package dm

import (
	"sort"
)

// summaries recomputes the derived conversation list from the current map,
// most recently active first.
func (r *reducer) summaries() []Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Summary, 0, len(r.participants))
	for peer, b := range r.participants {
		if len(b.Messages) == 0 {
			continue
		}

		isKnown := false
		for _, msg := range b.Messages {
			if msg.PubKey == r.self {
				isKnown = true
				break
			}
		}

		last := b.Messages[len(b.Messages)-1]
		out = append(out, Summary{
			PubKey:              peer,
			LastMessage:         last,
			LastActivity:        b.LastActivity,
			HasNIP04:            b.HasNIP04,
			HasNIP17:            b.HasNIP17,
			IsKnown:             isKnown,
			IsRequest:           !isKnown,
			LastMessageFromUser: last.PubKey == r.self,
		})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].LastActivity != out[j].LastActivity {
			return out[i].LastActivity > out[j].LastActivity
		}
		return out[i].PubKey.Hex() < out[j].PubKey.Hex()
	})
	return out
}
