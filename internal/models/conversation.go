package models

// Conversation is an ordered message log identified by a sequential id.
type Conversation struct {
	ID       int64     `json:"id"`
	Messages []Message `json:"messages"`
}

// Clone returns a deep copy so callers never share a message slice with the
// store that produced it.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	msgs := make([]Message, len(c.Messages))
	copy(msgs, c.Messages)
	return &Conversation{ID: c.ID, Messages: msgs}
}
