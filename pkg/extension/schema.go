package extension

// manifestSchema describes manifest.json. Unknown top-level keys are allowed
// so a manifest can double as a package descriptor.
const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["name", "version", "main"],
  "properties": {
    "name": {
      "type": "string",
      "pattern": "^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$"
    },
    "version": {
      "type": "string",
      "minLength": 1
    },
    "main": {
      "type": "string",
      "minLength": 1
    },
    "description": {
      "type": "string"
    },
    "permissions": {
      "type": "object",
      "properties": {
        "env": {
          "type": "array",
          "uniqueItems": true,
          "items": {
            "type": "string",
            "pattern": "^[A-Za-z_][A-Za-z0-9_]*$"
          }
        }
      }
    }
  }
}`
