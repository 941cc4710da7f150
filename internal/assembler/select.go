// Package assembler implements the Context Assembler: it turns a
// conversation's stored messages plus a fresh user turn into the message
// sequence a provider will see (version selection, group ordering,
// attachment expansion, system prompt rendering, and tool wiring).
package assembler

import (
	"sort"

	"github.com/deskassist/core/pkg/models"
)

// SelectLatestVersions applies invariant 1 (version chain monotonic): for
// every ParentID shared by more than one message, only the greatest-ID
// child survives and the parent it replaced is dropped. IDs are UUIDv7
// strings (see DESIGN.md), so a plain string comparison tracks creation
// order without needing CreatedAt.
//
// A single pass suffices even for multi-generation chains (regenerate a
// regeneration): a message that both wins one round and loses a later one
// appears as a key in childrenByParent for the round it won and as a
// losing/parent entry for the round it lost, so it is still correctly
// dropped.
func SelectLatestVersions(messages []*models.Message) []*models.Message {
	childrenByParent := make(map[string][]*models.Message)
	for _, m := range messages {
		if m.ParentID != "" {
			childrenByParent[m.ParentID] = append(childrenByParent[m.ParentID], m)
		}
	}

	drop := make(map[string]bool, len(childrenByParent)*2)
	for parentID, children := range childrenByParent {
		drop[parentID] = true
		sort.Slice(children, func(i, j int) bool { return children[i].ID > children[j].ID })
		for _, loser := range children[1:] {
			drop[loser.ID] = true
		}
	}

	out := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		if !drop[m.ID] {
			out = append(out, m)
		}
	}
	return out
}

// groupKey returns the sort key for a message under invariant 2: messages
// in the same generation group sort together by the group's minimum id;
// messages with no group sort standalone by their own id.
func groupKey(m *models.Message, minIDByGroup map[string]string) string {
	if m.GenerationGroupID == "" {
		return m.ID
	}
	return minIDByGroup[m.GenerationGroupID]
}

// OrderByGroup applies invariant 2 (group coherence): ordering within a
// generation group is by id; ordering across groups (and of ungrouped
// messages) is by each group's minimum id, so a multi-message assistant
// turn (e.g. a reasoning message followed by its response) never gets
// split across other turns.
func OrderByGroup(messages []*models.Message) []*models.Message {
	minIDByGroup := make(map[string]string)
	for _, m := range messages {
		if m.GenerationGroupID == "" {
			continue
		}
		cur, ok := minIDByGroup[m.GenerationGroupID]
		if !ok || m.ID < cur {
			minIDByGroup[m.GenerationGroupID] = m.ID
		}
	}

	out := make([]*models.Message, len(messages))
	copy(out, messages)
	sort.SliceStable(out, func(i, j int) bool {
		ki, kj := groupKey(out[i], minIDByGroup), groupKey(out[j], minIDByGroup)
		if ki != kj {
			return ki < kj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// SelectAndOrder composes SelectLatestVersions and OrderByGroup, the first
// two of the Context Assembler's six responsibilities (§4.C.1-2).
func SelectAndOrder(messages []*models.Message) []*models.Message {
	return OrderByGroup(SelectLatestVersions(messages))
}
