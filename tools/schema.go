package tools

// Schema is a JSON Schema fragment.
type Schema = map[string]any

// ObjectSchema creates an object schema with the given properties.
func ObjectSchema(properties map[string]any, required ...string) Schema {
	schema := Schema{
		"type":                 "object",
		"properties":           properties,
		"additionalProperties": false,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// StringProperty creates a string property.
func StringProperty(description string) Schema {
	return Schema{
		"type":        "string",
		"description": description,
	}
}

// TimeProperty creates an RFC 3339 timestamp property.
func TimeProperty(description string) Schema {
	return Schema{
		"type":        "string",
		"format":      "date-time",
		"description": description,
	}
}

// IntegerRange creates an integer property bounded to [min, max].
func IntegerRange(description string, min, max int) Schema {
	return Schema{
		"type":        "integer",
		"description": description,
		"minimum":     min,
		"maximum":     max,
	}
}

// BooleanProperty creates a boolean property.
func BooleanProperty(description string) Schema {
	return Schema{
		"type":        "boolean",
		"description": description,
	}
}

// WithThought adds an optional "thought" parameter so the model can state
// why it is reading the archive.
func WithThought(schema Schema) Schema {
	result := make(Schema, len(schema))
	for k, v := range schema {
		result[k] = v
	}

	props := make(map[string]any)
	if existing, ok := result["properties"].(map[string]any); ok {
		for k, v := range existing {
			props[k] = v
		}
	}
	props["thought"] = StringProperty("Why you are looking this up and what you expect to find.")
	result["properties"] = props
	return result
}
