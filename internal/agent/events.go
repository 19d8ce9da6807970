package agent

import "github.com/firebase/genkit/go/ai"

// Event is one progress notification from a running loop. Exactly one
// field is set: Chunk for model output fragments, Tool for the start of a
// tool execution.
type Event struct {
	Chunk *ai.ModelResponseChunk
	Tool  string
}

// EmitFunc receives loop events in order. Returning an error aborts the
// loop; the transport uses this to stop generating for a disconnected
// client.
type EmitFunc func(Event) error
