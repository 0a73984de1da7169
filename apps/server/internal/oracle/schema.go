package oracle

import "github.com/santhosh-tekuri/jsonschema/v5"

const intentSchemaJSON = `{
  "type": "object",
  "required": ["intent"],
  "properties": {
    "intent": {"type": "string"},
    "entities": {
      "type": ["object", "null"],
      "properties": {
        "item": {"type": ["string", "null"]},
        "quantity": {"type": ["integer", "null"]},
        "target": {"type": ["string", "null"]}
      }
    },
    "grammar_features": {
      "type": ["object", "null"],
      "properties": {
        "tense": {"type": ["string", "null"]},
        "politeness": {"type": ["string", "null"]},
        "required_constructs_present": {"type": ["array", "null"], "items": {"type": "string"}}
      }
    },
    "confidence": {"type": "number"},
    "canonical_transcript": {"type": ["string", "null"]},
    "feedback_keys": {"type": ["array", "null"], "items": {"type": "string"}}
  }
}`

const objectiveSchemaJSON = `{
  "type": "object",
  "properties": {
    "mission": {"$ref": "#/$defs/mission"},
    "reasoning": {"type": "string"}
  },
  "anyOf": [
    {"required": ["mission"]},
    {"$ref": "#/$defs/mission"}
  ],
  "$defs": {
    "mission": {
      "type": "object",
      "required": ["id", "title"],
      "properties": {
        "id": {"type": "string", "minLength": 1},
        "title": {"type": "string", "minLength": 1},
        "description": {"type": "string"},
        "grammar_requirement": {"type": "string"},
        "success_condition": {"type": "string"}
      }
    }
  }
}`

var (
	intentSchema    = jsonschema.MustCompileString("intent.json", intentSchemaJSON)
	objectiveSchema = jsonschema.MustCompileString("objective.json", objectiveSchemaJSON)
)
