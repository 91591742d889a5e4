package chat

import (
	"fmt"
	"strings"
)

// CannedReply maps one category of trigger phrases to a fixed response.
type CannedReply struct {
	Category string
	Phrases  []string
	Reply    string
}

// Classifier short-circuits known questions with canned replies so the
// reply provider is never contacted for them. Matching is case-insensitive
// substring containment; categories are checked in order and the first hit
// wins.
type Classifier struct {
	entries []CannedReply
}

func NewClassifier(entries ...CannedReply) *Classifier {
	return &Classifier{entries: entries}
}

// NewCreatorClassifier seeds the two built-in categories: questions about
// who made the bot, and questions about the creator themself.
func NewCreatorClassifier(creator string) *Classifier {
	creator = strings.TrimSpace(creator)
	return NewClassifier(
		CannedReply{
			Category: "creator_credit",
			Phrases: []string{
				"who created you",
				"who made you",
				"who built you",
				"who developed you",
				"who designed you",
				"who named you",
				"who is your creator",
			},
			Reply: fmt.Sprintf("I was created and named by %s!", creator),
		},
		CannedReply{
			Category: "creator_identity",
			Phrases: []string{
				"who is " + strings.ToLower(creator),
				"tell me about " + strings.ToLower(creator),
			},
			Reply: fmt.Sprintf("%s is the developer who built me and gave me my name.", creator),
		},
	)
}

// Classify reports the canned reply for text, if any category matches.
func (c *Classifier) Classify(text string) (reply, category string, ok bool) {
	lower := strings.ToLower(text)
	for _, entry := range c.entries {
		for _, phrase := range entry.Phrases {
			if phrase == "" {
				continue
			}
			if strings.Contains(lower, phrase) {
				return entry.Reply, entry.Category, true
			}
		}
	}
	return "", "", false
}
