package tools

import (
	"fmt"

	"mealscan/usda"
)

// Registry maps tool names to implementations
type Registry map[string]Tool

// NewRegistry creates a new tool registry over the given nutrition database.
func NewRegistry(db usda.Database) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("registry requires a database")
	}

	tools := map[string]Tool{
		"search_database": NewSearchDatabase(db),
		"get_nutrition":   NewGetNutrition(db),
	}

	registry := Registry(tools)
	return &registry, nil
}

// GetTools returns all tools in the registry as a slice
func (r *Registry) GetTools() []Tool {
	tools := make([]Tool, 0, len(*r))
	for _, tool := range *r {
		tools = append(tools, tool)
	}
	return tools
}

// GetTool retrieves a tool by name from the registry
func (r Registry) GetTool(name string) (Tool, error) {
	tool, exists := r[name]
	if !exists {
		return nil, fmt.Errorf("tool %q not found in registry", name)
	}
	return tool, nil
}
