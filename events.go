package main

// EventType is the SSE event name.
type EventType string

const (
	EventStage       EventType = "stage"
	EventModelStatus EventType = "model_status"
	EventModelChunk  EventType = "model_chunk"
	EventComplete    EventType = "complete"
	EventError       EventType = "error"
)

// StageStatus is the lifecycle of one stage.
type StageStatus string

const (
	StageIdle     StageStatus = "idle"
	StageStarted  StageStatus = "started"
	StageComplete StageStatus = "complete"
)

// Model status values carried by model_status events.
const (
	StatusGenerating   = "generating"
	StatusEvaluating   = "evaluating"
	StatusSynthesizing = "synthesizing"
	StatusComplete     = "complete"
)

// Event is one progress notification of a deliberation. Which fields are
// meaningful depends on Type; Payload renders the wire form.
type Event struct {
	Type    EventType
	Stage   int
	Status  string
	ModelID string

	Chunk         string
	Content       string
	Evaluation    string
	ParsedRanking []string
	Synthesis     string

	Stage1 []Stage1Response
	Stage2 *Stage2Result
	Stage3 *Stage3Result
	Result *DeliberationResult

	Message string
}

// EventSink receives events in emission order.
type EventSink interface {
	Send(ev Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(ev Event)

// Send implements EventSink.
func (f EventSinkFunc) Send(ev Event) { f(ev) }

type stagePayload struct {
	Stage  int         `json:"stage"`
	Status string      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
}

type modelStatusPayload struct {
	Stage         int      `json:"stage"`
	ModelID       string   `json:"modelId"`
	Status        string   `json:"status"`
	Content       string   `json:"content,omitempty"`
	Evaluation    string   `json:"evaluation,omitempty"`
	ParsedRanking []string `json:"parsedRanking,omitempty"`
	Synthesis     string   `json:"synthesis,omitempty"`
}

type modelChunkPayload struct {
	Stage   int    `json:"stage"`
	ModelID string `json:"modelId"`
	Chunk   string `json:"chunk"`
}

type errorPayload struct {
	Message string `json:"message"`
}

// Payload returns the JSON-serializable body of the event.
func (ev Event) Payload() interface{} {
	switch ev.Type {
	case EventStage:
		p := stagePayload{Stage: ev.Stage, Status: ev.Status}
		switch {
		case ev.Stage1 != nil:
			p.Data = ev.Stage1
		case ev.Stage2 != nil:
			p.Data = ev.Stage2
		case ev.Stage3 != nil:
			p.Data = ev.Stage3
		}
		return p
	case EventModelStatus:
		return modelStatusPayload{
			Stage:         ev.Stage,
			ModelID:       ev.ModelID,
			Status:        ev.Status,
			Content:       ev.Content,
			Evaluation:    ev.Evaluation,
			ParsedRanking: ev.ParsedRanking,
			Synthesis:     ev.Synthesis,
		}
	case EventModelChunk:
		return modelChunkPayload{Stage: ev.Stage, ModelID: ev.ModelID, Chunk: ev.Chunk}
	case EventComplete:
		return ev.Result
	default:
		return errorPayload{Message: ev.Message}
	}
}
