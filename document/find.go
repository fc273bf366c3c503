// Package document interprets a weave as a set of bots with tags and values
// and reconciles concurrent character edits into final tag text.
//
// Lookups return the first non-tombstoned match in weave order. Newer
// siblings sort first, so that is the most recently created declaration
// that is still alive.
package document

import (
	"weavelab/atom"
	"weavelab/weave"
)

// IsTombstoned reports whether n has a range-less Delete child.
func IsTombstoned(n weave.Node) bool {
	for c := range n.Children() {
		if d, ok := c.Op().(atom.Delete); ok && !d.IsRanged() {
			return true
		}
	}
	return false
}

// FindBotNode returns the live declaration of the given bot.
func FindBotNode(w *weave.Weave, botID string) (weave.Node, bool) {
	for root := range w.Roots() {
		for c := range root.Children() {
			if b, ok := c.Op().(atom.Bot); ok && b.ID == botID && !IsTombstoned(c) {
				return c, true
			}
		}
	}
	return weave.Node{}, false
}

// FindTagNode returns the live tag declaration with the given name under bot.
func FindTagNode(bot weave.Node, name string) (weave.Node, bool) {
	for c := range bot.Children() {
		if t, ok := c.Op().(atom.Tag); ok && t.Name == name && !IsTombstoned(c) {
			return c, true
		}
	}
	return weave.Node{}, false
}

// FindValueNode returns the live value under a tag or tag mask node.
func FindValueNode(tag weave.Node) (weave.Node, bool) {
	for c := range tag.Children() {
		if _, ok := c.Op().(atom.Value); ok && !IsTombstoned(c) {
			return c, true
		}
	}
	return weave.Node{}, false
}

// FindTagMaskNode returns the live tag mask for the bot and tag.
func FindTagMaskNode(w *weave.Weave, botID, name string) (weave.Node, bool) {
	for root := range w.Roots() {
		for c := range root.Children() {
			if m, ok := c.Op().(atom.TagMask); ok && m.BotID == botID && m.Name == name && !IsTombstoned(c) {
				return c, true
			}
		}
	}
	return weave.Node{}, false
}

// BotIDs returns the IDs of every live bot in weave order.
func BotIDs(w *weave.Weave) []string {
	var ids []string
	seen := make(map[string]bool)
	for root := range w.Roots() {
		for c := range root.Children() {
			b, ok := c.Op().(atom.Bot)
			if !ok || seen[b.ID] || IsTombstoned(c) {
				continue
			}
			seen[b.ID] = true
			ids = append(ids, b.ID)
		}
	}
	return ids
}

// ValueOf returns the materialized value of a value node: its initial value
// when it was never edited, or the reconciled text otherwise.
func ValueOf(value weave.Node) any {
	v, ok := value.Op().(atom.Value)
	if !ok {
		return nil
	}
	if !hasEdits(value) {
		return v.Initial
	}
	return CalculateFinalEditValue(value)
}

func hasEdits(value weave.Node) bool {
	for c := range value.Children() {
		switch op := c.Op().(type) {
		case atom.Insert:
			return true
		case atom.Delete:
			if op.IsRanged() {
				return true
			}
		}
	}
	return false
}
