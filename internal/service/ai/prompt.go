package ai

import (
	"encoding/json"
	"strings"

	"github.com/jc2409/jsonify/internal/models"
)

const userTemplate = "Extract metadata and keywords from the following file information:\n{format_instructions}\n{context}\n"

const systemPrompt = "You catalogue educational resources. Answer with a single JSON object and nothing else."

var fieldDescriptions = map[string]string{
	"title":       "The name given to the resource by the creator or publisher",
	"creator":     "The person or organization primarily responsible for the intellectual content of the resource",
	"description": "A textual description of the content of the resource",
	"publisher":   "The entity responsible for making the resource available",
	"contributor": "A person or organization (other than the Creator) who is responsible for making significant contributions to the intellectual content of the resource",
	"date":        "A date associated with the creation or availability of the resource",
	"identifier":  "An unambiguous reference that uniquely identifies the resource within a given context",
	"source":      "A reference to a second resource from which the present resource is derived",
	"language":    "The language of the intellectual content of the resource",
	"relation":    "A reference to a related resource, and the nature of its relationship",
	"subject":     "The subjects of the resource",
	"type":        "The nature or genre of the content of the resource",
	"format":      "The physical or digital manifestation of the resource",
	"keywords":    "Keywords used",
}

type schemaProperty struct {
	Type        string       `json:"type"`
	Description string       `json:"description"`
	Items       *schemaItems `json:"items,omitempty"`
}

type schemaItems struct {
	Type string   `json:"type"`
	Enum []string `json:"enum,omitempty"`
}

func enumOf[T ~string](v *models.Vocabulary[T]) []string {
	terms := v.Terms()
	out := make([]string, len(terms))
	for i, t := range terms {
		out[i] = string(t)
	}
	return out
}

// FormatInstructions describes the record schema, vocabularies included, to the model.
func FormatInstructions() string {
	enums := map[string][]string{
		"subject": enumOf(models.Subjects),
		"type":    enumOf(models.ResourceTypes),
		"format":  enumOf(models.Formats),
	}
	props := make(map[string]schemaProperty, len(models.RequiredFields))
	for _, field := range models.RequiredFields {
		p := schemaProperty{Type: "string", Description: fieldDescriptions[field]}
		if enum, ok := enums[field]; ok {
			p.Type = "array"
			p.Items = &schemaItems{Type: "string", Enum: enum}
		} else if field == "keywords" {
			p.Type = "array"
			p.Items = &schemaItems{Type: "string"}
		}
		props[field] = p
	}
	schema, _ := json.Marshal(map[string]any{
		"type":       "object",
		"properties": props,
		"required":   models.RequiredFields,
	})

	var b strings.Builder
	b.WriteString("The output should be formatted as a JSON instance that conforms to the JSON schema below.\n")
	b.WriteString("Array fields with an enum accept only the listed values, spelled exactly as listed.\n")
	b.WriteString("Here is the output schema:\n```\n")
	b.Write(schema)
	b.WriteString("\n```")
	return b.String()
}
