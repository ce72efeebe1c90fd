package realtime

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// StockTopic returns the update topic for a tradable instrument.
func StockTopic(id string) string {
	return fmt.Sprintf("/topic/stock%s/update", id)
}

// Message is one payload delivered on a topic.
type Message struct {
	Topic   string
	Headers map[string]string
	Body    []byte
}

// Get extracts a value from the JSON body by gjson path.
func (m Message) Get(path string) gjson.Result {
	return gjson.GetBytes(m.Body, path)
}

// JSON unmarshals the body into v.
func (m Message) JSON(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Callback receives messages for a subscribed topic.
type Callback func(Message)
