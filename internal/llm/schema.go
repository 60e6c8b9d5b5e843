package llm

// briefingSchema is the target schema handed to the summarization model and
// used to validate what comes back.
const briefingSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["summary", "actions_needed", "new_matches", "activity_log", "metrics"],
  "properties": {
    "summary": {"type": "string", "minLength": 1},
    "actions_needed": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title"],
        "properties": {
          "title":    {"type": "string", "minLength": 1},
          "detail":   {"type": "string"},
          "link":     {"type": "string"},
          "priority": {"enum": ["high", "medium", "low"]}
        }
      }
    },
    "new_matches": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["job_id", "title", "company", "score"],
        "properties": {
          "job_id":  {"type": "string"},
          "title":   {"type": "string"},
          "company": {"type": "string"},
          "score":   {"type": "number", "minimum": 0, "maximum": 1},
          "reason":  {"type": "string"}
        }
      }
    },
    "activity_log": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["title", "severity"],
        "properties": {
          "title":      {"type": "string"},
          "agent_type": {"type": "string"},
          "severity":   {"enum": ["info", "warning", "action_required"]},
          "at":         {"type": "string", "format": "date-time"}
        }
      }
    },
    "metrics": {
      "type": "object",
      "additionalProperties": {"type": "number"}
    }
  }
}`
