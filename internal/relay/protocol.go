package relay

import (
	"encoding/json"
)

// Kind is a recognized realtime event type. Unrecognized types map to
// KindOther and are forwarded verbatim.
type Kind int

const (
	KindOther Kind = iota
	KindSessionCreated
	KindSessionUpdate
	KindOutputItemAdded
	KindItemCreated
	KindArgumentsDelta
	KindArgumentsDone
	KindOutputItemDone
	KindResponseDone
	KindUIResetState
	KindUIManualSearch
	KindUISelectJob
	KindUIViewSearchResults
)

// Wire names of events the relay reads or writes.
const (
	typeSessionCreated  = "session.created"
	typeSessionUpdate   = "session.update"
	typeOutputItemAdded = "response.output_item.added"
	typeItemCreated     = "conversation.item.created"
	typeArgumentsDelta  = "response.function_call_arguments.delta"
	typeArgumentsDone   = "response.function_call_arguments.done"
	typeOutputItemDone  = "response.output_item.done"
	typeResponseDone    = "response.done"
	typeResponseCreate  = "response.create"
	typeItemCreate      = "conversation.item.create"
	typeUIStateUpdate   = "ui_state_update"
	typeToolResponse    = "extension.middle_tier_tool.response"
	itemFunctionCall    = "function_call"
	itemFunctionOutput  = "function_call_output"
	typeUIResetState    = "reset_state"
	typeUIManualSearch  = "manual_search"
	typeUISelectJob     = "select_job"
	typeUIViewResults   = "view_search_results"
)

var kinds = map[string]Kind{
	typeSessionCreated:  KindSessionCreated,
	typeSessionUpdate:   KindSessionUpdate,
	typeOutputItemAdded: KindOutputItemAdded,
	typeItemCreated:     KindItemCreated,
	typeArgumentsDelta:  KindArgumentsDelta,
	typeArgumentsDone:   KindArgumentsDone,
	typeOutputItemDone:  KindOutputItemDone,
	typeResponseDone:    KindResponseDone,
	typeUIResetState:    KindUIResetState,
	typeUIManualSearch:  KindUIManualSearch,
	typeUISelectJob:     KindUISelectJob,
	typeUIViewResults:   KindUIViewSearchResults,
}

// KindOf maps an event type string to its Kind.
func KindOf(eventType string) Kind {
	if k, ok := kinds[eventType]; ok {
		return k
	}
	return KindOther
}

// IsUI reports whether k is handled locally and never sent upstream.
func (k Kind) IsUI() bool {
	switch k {
	case KindUIResetState, KindUIManualSearch, KindUISelectJob, KindUIViewSearchResults:
		return true
	default:
		return false
	}
}

// header is the part of every event the relay needs to route it.
type header struct {
	Type string `json:"type"`
}

func parseKind(data []byte) (Kind, string, error) {
	var h header
	if err := json.Unmarshal(data, &h); err != nil {
		return KindOther, "", err
	}
	return KindOf(h.Type), h.Type, nil
}

// item is the conversation item carried by output_item and item.created
// events.
type item struct {
	Type      string `json:"type"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// itemEvent is any event with an item and an optional previous item id.
type itemEvent struct {
	PreviousItemID string `json:"previous_item_id"`
	Item           item   `json:"item"`
}

// Outgoing frames.

type functionOutputItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

type itemCreateEvent struct {
	Type string             `json:"type"`
	Item functionOutputItem `json:"item"`
}

func newFunctionOutput(callID, output string) itemCreateEvent {
	return itemCreateEvent{
		Type: typeItemCreate,
		Item: functionOutputItem{Type: itemFunctionOutput, CallID: callID, Output: output},
	}
}

type responseCreateEvent struct {
	Type string `json:"type"`
}

type uiStateEvent struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

type toolResponseEvent struct {
	Type           string `json:"type"`
	PreviousItemID string `json:"previous_item_id"`
	ToolName       string `json:"tool_name"`
	ToolResult     string `json:"tool_result"`
}
