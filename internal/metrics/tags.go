package metrics

import "fmt"

// Tag creates a formatted DataDog tag string in "key:value" format.
func Tag(key, value string) string {
	return fmt.Sprintf("%s:%s", key, value)
}

// ProviderTag names the provider that handled a tile.
func ProviderTag(provider string) string {
	return Tag("provider", provider)
}

// OutcomeTag creates a load outcome tag (loaded/expired/miss/failed/queue_full).
func OutcomeTag(outcome string) string {
	return Tag("outcome", outcome)
}

// StateTag creates a cached tile freshness tag.
func StateTag(state string) string {
	return Tag("state", state)
}

// OperationTag creates an operation tag.
func OperationTag(op string) string {
	return Tag("operation", op)
}

// ComponentTag names the component reporting an error.
func ComponentTag(component string) string {
	return Tag("component", component)
}

// DirectionTag creates a rescale direction tag (in/out).
func DirectionTag(direction string) string {
	return Tag("direction", direction)
}

// StatusTag creates a status tag (hit/miss/error).
func StatusTag(status string) string {
	return Tag("status", status)
}

// LayerTag creates a store layer tag (memory/redis/sqlite).
func LayerTag(layer string) string {
	return Tag("layer", layer)
}

// CircuitStateTag creates a circuit breaker state tag.
func CircuitStateTag(state string) string {
	return Tag("circuit_state", state)
}
