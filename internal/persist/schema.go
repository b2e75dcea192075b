package persist

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// chatRecordSchema guards the shape of the persisted chat record before the
// store attempts rehydration.
const chatRecordSchema = `{
	"type": "object",
	"required": ["conversations", "settings"],
	"properties": {
		"conversations": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "owner_id", "messages", "created_at", "updated_at"],
				"properties": {
					"id": {"type": "string"},
					"title": {"type": "string"},
					"owner_id": {"type": "string"},
					"messages": {"type": "array"},
					"created_at": {"type": "string"},
					"updated_at": {"type": "string"}
				}
			}
		},
		"activeConversationId": {"type": "string"},
		"settings": {"type": "object"},
		"sidebarOpen": {"type": "boolean"}
	}
}`

// authRecordSchema guards the persisted auth record.
const authRecordSchema = `{
	"type": "object",
	"required": ["isAuthenticated", "token", "expiresAt"],
	"properties": {
		"isAuthenticated": {"type": "boolean"},
		"identity": {"type": "object"},
		"token": {"type": "string"},
		"expiresAt": {"type": "string"}
	}
}`

func defaultSchemas() map[string]string {
	return map[string]string{
		ChatRecord: chatRecordSchema,
		AuthRecord: authRecordSchema,
	}
}

// validateRecord checks a raw record against its JSON schema.
func validateRecord(schema, data string) error {
	schemaLoader := gojsonschema.NewStringLoader(schema)
	documentLoader := gojsonschema.NewStringLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}
	if !result.Valid() {
		var msgs []string
		for _, desc := range result.Errors() {
			msgs = append(msgs, desc.String())
		}
		return fmt.Errorf("record does not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
