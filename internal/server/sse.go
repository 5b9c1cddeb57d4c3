package server

import (
	"bufio"
	"encoding/json"
	"fmt"
)

// uiEvent is one server-sent event of the answer stream.
type uiEvent struct {
	Type      string `json:"type"`
	Delta     string `json:"delta,omitempty"`
	Data      any    `json:"data,omitempty"`
	Transient bool   `json:"transient,omitempty"`
	ErrorText string `json:"errorText,omitempty"`
}

// sseSink writes answer events as "data: <json>" frames and flushes each
// one. A failed flush means the client went away.
type sseSink struct {
	w *bufio.Writer
}

func (s *sseSink) write(ev uiEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", payload); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *sseSink) Delta(text string) error {
	return s.write(uiEvent{Type: "text-delta", Delta: text})
}

func (s *sseSink) ChatID(id string) error {
	return s.write(uiEvent{Type: "data-chatId", Data: map[string]string{"chatId": id}, Transient: true})
}

func (s *sseSink) Error(text string) error {
	return s.write(uiEvent{Type: "error", ErrorText: text})
}

func (s *sseSink) Finish() error {
	return s.write(uiEvent{Type: "finish"})
}
