package chat

import "testing"

func TestCreatorClassifier(t *testing.T) {
	c := NewCreatorClassifier("Andrea")

	tests := []struct {
		name         string
		text         string
		wantReply    string
		wantCategory string
		wantMatch    bool
	}{
		{
			name:         "creator credit question",
			text:         "Hey, who created you?",
			wantReply:    "I was created and named by Andrea!",
			wantCategory: "creator_credit",
			wantMatch:    true,
		},
		{
			name:         "case insensitive",
			text:         "WHO MADE YOU",
			wantReply:    "I was created and named by Andrea!",
			wantCategory: "creator_credit",
			wantMatch:    true,
		},
		{
			name:         "creator identity question",
			text:         "who is andrea?",
			wantReply:    "Andrea is the developer who built me and gave me my name.",
			wantCategory: "creator_identity",
			wantMatch:    true,
		},
		{
			name:      "ordinary question passes through",
			text:      "what's the weather like",
			wantMatch: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, category, ok := c.Classify(tt.text)
			if ok != tt.wantMatch {
				t.Fatalf("Classify(%q) match = %v, want %v", tt.text, ok, tt.wantMatch)
			}
			if !tt.wantMatch {
				return
			}
			if reply != tt.wantReply {
				t.Fatalf("reply = %q, want %q", reply, tt.wantReply)
			}
			if category != tt.wantCategory {
				t.Fatalf("category = %q, want %q", category, tt.wantCategory)
			}
		})
	}
}
