package tools

import "encoding/json"

// Destination says who a result is meant for.
type Destination int

// Result destinations.
const (
	ToServer Destination = iota
	ToClient
)

func (d Destination) String() string {
	if d == ToClient {
		return "client"
	}
	return "server"
}

// Result is the text output of one tool call.
type Result struct {
	Text        string
	Destination Destination
}

// TextResult builds a result for the model.
func TextResult(text string) Result {
	return Result{Text: text, Destination: ToServer}
}

// ErrorResult is the output sent upstream when a call fails, so the model
// can recover the conversation.
func ErrorResult(err error) Result {
	data, _ := json.Marshal(map[string]string{
		"error": "Tool execution failed: " + err.Error(),
	})
	return Result{Text: string(data), Destination: ToServer}
}
