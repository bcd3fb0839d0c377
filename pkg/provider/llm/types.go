package llm

import "github.com/MrWong99/toolrelay/pkg/types"

// Aliases so that provider implementations can refer to the shared
// conversation types without importing pkg/types everywhere.
type (
	Message           = types.Message
	ToolCall          = types.ToolCall
	ToolDefinition    = types.ToolDefinition
	ModelCapabilities = types.ModelCapabilities
)
