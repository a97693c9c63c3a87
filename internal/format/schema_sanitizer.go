// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file sanitizes tool JSON Schemas so Cloud Code's function-calling API
// (which only understands a small, strict subset of JSON Schema) accepts them.
package format

import (
	"fmt"
	"strings"
)

// placeholderSchema is handed back for tools that declared no input schema at
// all: Cloud Code rejects a functionDeclaration with empty parameters, so one
// harmless required field is synthesized.
func placeholderSchema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"reason": map[string]interface{}{
				"type":        "string",
				"description": "Reason for calling this tool",
			},
		},
		"required": []string{"reason"},
	}
}

// schemaAllowlist is the set of JSON Schema keywords SanitizeSchema keeps.
// Everything else is dropped rather than risk sending a keyword Cloud Code
// doesn't understand.
var schemaAllowlist = map[string]bool{
	"type":        true,
	"description": true,
	"properties":  true,
	"required":    true,
	"items":       true,
	"enum":        true,
	"title":       true,
}

// SanitizeSchema strips a tool's JSON Schema down to an allowlisted subset,
// folding "const" into "enum" and filling in a placeholder for tools that
// declared no real schema.
func SanitizeSchema(schema map[string]interface{}) map[string]interface{} {
	if len(schema) == 0 {
		return placeholderSchema()
	}

	sanitized := make(map[string]interface{})

	for key, value := range schema {
		if key == "const" {
			sanitized["enum"] = []interface{}{value}
			continue
		}
		if !schemaAllowlist[key] {
			continue
		}

		switch key {
		case "properties":
			if props, ok := value.(map[string]interface{}); ok {
				sanitized["properties"] = sanitizeProperties(props)
			}
		case "items":
			sanitized["items"] = sanitizeItems(value)
		default:
			if valueMap, ok := value.(map[string]interface{}); ok {
				sanitized[key] = SanitizeSchema(valueMap)
			} else {
				sanitized[key] = value
			}
		}
	}

	if _, ok := sanitized["type"]; !ok {
		sanitized["type"] = "object"
	}
	ensureObjectHasProperties(sanitized)

	return sanitized
}

func sanitizeProperties(props map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(props))
	for key, value := range props {
		if propMap, ok := value.(map[string]interface{}); ok {
			result[key] = SanitizeSchema(propMap)
		} else {
			result[key] = value
		}
	}
	return result
}

func sanitizeItems(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		return SanitizeSchema(v)
	case []interface{}:
		result := make([]interface{}, 0, len(v))
		for _, item := range v {
			if itemMap, ok := item.(map[string]interface{}); ok {
				result = append(result, SanitizeSchema(itemMap))
			} else {
				result = append(result, item)
			}
		}
		return result
	default:
		return value
	}
}

// ensureObjectHasProperties synthesizes a placeholder property on an object
// schema that sanitization left with none, since Cloud Code rejects those too.
func ensureObjectHasProperties(sanitized map[string]interface{}) {
	if sanitized["type"] != "object" {
		return
	}
	props, hasProps := sanitized["properties"].(map[string]interface{})
	if hasProps && len(props) > 0 {
		return
	}
	sanitized["properties"] = map[string]interface{}{
		"reason": map[string]interface{}{
			"type":        "string",
			"description": "Reason for calling this tool",
		},
	}
	sanitized["required"] = []string{"reason"}
}

// schemaPass is one step of the CleanSchema pipeline: given a schema, return
// a (possibly new) schema with that step applied.
type schemaPass func(map[string]interface{}) map[string]interface{}

// cleanSchemaPipeline runs in order: constructs that Cloud Code can't express
// ($ref, enum, additionalProperties, numeric/string constraints, allOf,
// anyOf/oneOf, type arrays) get folded into description hints or merged down
// to a single concrete shape before the keyword-stripping pass runs.
var cleanSchemaPipeline = []schemaPass{
	resolveRefHints,
	collapseEnumHints,
	noteAdditionalPropertiesRestriction,
	demoteConstraintsToDescription,
	mergeAllOfSchemas,
	flattenUnion,
	func(s map[string]interface{}) map[string]interface{} { return flattenNullableTypes(s, nil, "") },
}

// unsupportedKeywords are stripped unconditionally after the hint passes
// have had a chance to preserve their information in a description.
var unsupportedKeywords = []string{
	"additionalProperties", "default", "$schema", "$defs",
	"definitions", "$ref", "$id", "$comment", "title",
	"minLength", "maxLength", "pattern", "format",
	"minItems", "maxItems", "examples", "allOf", "anyOf", "oneOf",
}

// allowedStringFormats are the only "format" values Cloud Code is known to
// respect; anything else is dropped along with the other unsupported keywords.
var allowedStringFormats = map[string]bool{"enum": true, "date-time": true}

// CleanSchema reshapes a JSON Schema for Gemini's generateContent function
// declarations: unsupported composition keywords are flattened or merged
// away, remaining constraints move into the description, and primitive
// types are uppercased to Google's protobuf-style names.
func CleanSchema(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	result := cloneMap(schema)
	for _, pass := range cleanSchemaPipeline {
		result = pass(result)
	}

	for _, key := range unsupportedKeywords {
		delete(result, key)
	}
	if schemaType, _ := result["type"].(string); schemaType == "string" {
		if format, ok := result["format"].(string); ok && !allowedStringFormats[format] {
			delete(result, "format")
		}
	}

	cleanNestedSchemas(result)
	pruneMissingRequired(result)

	if schemaType, ok := result["type"].(string); ok {
		result["type"] = googleTypeName(schemaType)
	}

	return result
}

// cleanNestedSchemas recurses CleanSchema into properties and items after
// the top-level passes have run.
func cleanNestedSchemas(result map[string]interface{}) {
	if props, ok := result["properties"].(map[string]interface{}); ok {
		newProps := make(map[string]interface{}, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = CleanSchema(valueMap)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = CleanSchema(items)
	case []interface{}:
		newItems := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, CleanSchema(itemMap))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}
}

// pruneMissingRequired drops any required-array entries that don't name a
// surviving property, which earlier passes (nullable flattening especially)
// can otherwise leave dangling.
func pruneMissingRequired(result map[string]interface{}) {
	required, ok := result["required"].([]interface{})
	if !ok {
		return
	}
	props, ok := result["properties"].(map[string]interface{})
	if !ok {
		return
	}

	newRequired := make([]interface{}, 0, len(required))
	for _, prop := range required {
		if propStr, ok := prop.(string); ok {
			if _, exists := props[propStr]; exists {
				newRequired = append(newRequired, propStr)
			}
		}
	}

	if len(newRequired) == 0 {
		delete(result, "required")
	} else {
		result["required"] = newRequired
	}
}

// withDescriptionHint appends a parenthesized hint to a schema's description,
// used whenever a keyword CleanSchema is about to drop still carries
// information worth keeping for the model to read.
func withDescriptionHint(schema map[string]interface{}, hint string) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := cloneMap(schema)
	if desc, ok := result["description"].(string); ok && desc != "" {
		result["description"] = fmt.Sprintf("%s (%s)", desc, hint)
	} else {
		result["description"] = hint
	}
	return result
}

// scoreUnionOption ranks an anyOf/oneOf branch by how much structure it
// carries, so flattenUnion can keep the most informative branch.
func scoreUnionOption(schema map[string]interface{}) int {
	if schema == nil {
		return 0
	}
	switch {
	case schema["type"] == "object" || schema["properties"] != nil:
		return 3
	case schema["type"] == "array" || schema["items"] != nil:
		return 2
	}
	if schemaType, ok := schema["type"].(string); ok && schemaType != "null" {
		return 1
	}
	return 0
}

// resolveRefHints replaces a $ref with a generic object schema carrying a
// description hint naming the referenced definition, since CleanSchema
// doesn't resolve $defs/$definitions.
func resolveRefHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := cloneMap(schema)

	if ref, ok := result["$ref"].(string); ok {
		parts := strings.Split(ref, "/")
		defName := parts[len(parts)-1]
		if defName == "" {
			defName = "unknown"
		}
		hint := fmt.Sprintf("See: %s", defName)

		description := hint
		if desc, ok := result["description"].(string); ok && desc != "" {
			description = fmt.Sprintf("%s (%s)", desc, hint)
		}
		return map[string]interface{}{"type": "object", "description": description}
	}

	mapSchemaTree(result, resolveRefHints)
	for _, key := range []string{"anyOf", "oneOf", "allOf"} {
		if arr, ok := result[key].([]interface{}); ok {
			result[key] = mapSchemaList(arr, resolveRefHints)
		}
	}
	return result
}

// mergeAllOfSchemas collapses an allOf array into a single schema: later
// branches' properties override earlier ones, required arrays union, and
// the parent schema's own fields win over any branch.
func mergeAllOfSchemas(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := cloneMap(schema)

	if allOfArr, ok := result["allOf"].([]interface{}); ok && len(allOfArr) > 0 {
		mergedProperties := make(map[string]interface{})
		mergedRequired := make(map[string]bool)
		otherFields := make(map[string]interface{})

		for _, subSchema := range allOfArr {
			subMap, ok := subSchema.(map[string]interface{})
			if !ok {
				continue
			}
			if props, ok := subMap["properties"].(map[string]interface{}); ok {
				for key, value := range props {
					mergedProperties[key] = value
				}
			}
			if required, ok := subMap["required"].([]interface{}); ok {
				for _, req := range required {
					if reqStr, ok := req.(string); ok {
						mergedRequired[reqStr] = true
					}
				}
			}
			for key, value := range subMap {
				if key == "properties" || key == "required" {
					continue
				}
				if _, exists := otherFields[key]; !exists {
					otherFields[key] = value
				}
			}
		}

		delete(result, "allOf")
		for key, value := range otherFields {
			if _, exists := result[key]; !exists {
				result[key] = value
			}
		}
		mergeInProperties(result, mergedProperties)
		mergeInRequired(result, mergedRequired)
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		result["properties"] = mapSchemaMap(props, mergeAllOfSchemas)
	}
	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = mergeAllOfSchemas(items)
	case []interface{}:
		result["items"] = mapSchemaList(items, mergeAllOfSchemas)
	}

	return result
}

func mergeInProperties(result map[string]interface{}, merged map[string]interface{}) {
	if len(merged) == 0 {
		return
	}
	existing, _ := result["properties"].(map[string]interface{})
	if existing == nil {
		existing = make(map[string]interface{})
	}
	for key, value := range merged {
		if _, exists := existing[key]; !exists {
			existing[key] = value
		}
	}
	result["properties"] = existing
}

func mergeInRequired(result map[string]interface{}, merged map[string]bool) {
	if len(merged) == 0 {
		return
	}
	existing := make(map[string]bool)
	if req, ok := result["required"].([]interface{}); ok {
		for _, r := range req {
			if rStr, ok := r.(string); ok {
				existing[rStr] = true
			}
		}
	}
	for key := range merged {
		existing[key] = true
	}
	newRequired := make([]interface{}, 0, len(existing))
	for key := range existing {
		newRequired = append(newRequired, key)
	}
	result["required"] = newRequired
}

// flattenUnion replaces anyOf/oneOf with its single most-informative branch
// (scoreUnionOption), folding the other branches' type names into a
// description hint so the model still knows what's accepted.
func flattenUnion(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := cloneMap(schema)

	for _, unionKey := range []string{"anyOf", "oneOf"} {
		options, ok := result[unionKey].([]interface{})
		if !ok || len(options) == 0 {
			continue
		}

		var typeNames []string
		var bestOption map[string]interface{}
		bestScore := -1

		for _, option := range options {
			optMap, ok := option.(map[string]interface{})
			if !ok {
				continue
			}
			typeName, _ := optMap["type"].(string)
			if typeName == "" && optMap["properties"] != nil {
				typeName = "object"
			}
			if typeName != "" && typeName != "null" {
				typeNames = append(typeNames, typeName)
			}
			if score := scoreUnionOption(optMap); score > bestScore {
				bestScore = score
				bestOption = optMap
			}
		}

		delete(result, unionKey)
		if bestOption == nil {
			continue
		}

		parentDescription, _ := result["description"].(string)
		flattened := flattenUnion(bestOption)
		for key, value := range flattened {
			if key == "description" {
				if valueStr, ok := value.(string); ok && valueStr != "" && valueStr != parentDescription {
					if parentDescription != "" {
						result["description"] = fmt.Sprintf("%s (%s)", parentDescription, valueStr)
					} else {
						result["description"] = valueStr
					}
				}
				continue
			}
			if _, exists := result[key]; !exists || key == "type" || key == "properties" || key == "items" {
				result[key] = value
			}
		}

		if len(typeNames) > 1 {
			result = withDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(dedupeStrings(typeNames), " | ")))
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		result["properties"] = mapSchemaMap(props, flattenUnion)
	}
	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = flattenUnion(items)
	case []interface{}:
		result["items"] = mapSchemaList(items, flattenUnion)
	}

	return result
}

// collapseEnumHints appends an "Allowed: a, b, c" hint for small enums
// (up to 10 values) before any later pass might drop the enum keyword.
func collapseEnumHints(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := cloneMap(schema)

	if enumArr, ok := result["enum"].([]interface{}); ok && len(enumArr) > 1 && len(enumArr) <= 10 {
		vals := make([]string, 0, len(enumArr))
		for _, v := range enumArr {
			vals = append(vals, fmt.Sprintf("%v", v))
		}
		result = withDescriptionHint(result, fmt.Sprintf("Allowed: %s", strings.Join(vals, ", ")))
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		result["properties"] = mapSchemaMap(props, collapseEnumHints)
	}
	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = collapseEnumHints(items)
	}

	return result
}

// noteAdditionalPropertiesRestriction records "additionalProperties: false"
// as a description hint before the keyword itself is stripped.
func noteAdditionalPropertiesRestriction(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := cloneMap(schema)

	if result["additionalProperties"] == false {
		result = withDescriptionHint(result, "No extra properties allowed")
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		result["properties"] = mapSchemaMap(props, noteAdditionalPropertiesRestriction)
	}
	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = noteAdditionalPropertiesRestriction(items)
	}

	return result
}

// demoteConstraintsToDescription records length/range/pattern constraints as
// description hints before CleanSchema strips the keywords themselves.
func demoteConstraintsToDescription(schema map[string]interface{}) map[string]interface{} {
	if schema == nil {
		return schema
	}

	constraints := []string{"minLength", "maxLength", "pattern", "minimum", "maximum", "minItems", "maxItems", "format"}
	result := cloneMap(schema)

	for _, constraint := range constraints {
		if value, ok := result[constraint]; ok {
			if _, isMap := value.(map[string]interface{}); !isMap {
				result = withDescriptionHint(result, fmt.Sprintf("%s: %v", constraint, value))
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		result["properties"] = mapSchemaMap(props, demoteConstraintsToDescription)
	}
	if items, ok := result["items"].(map[string]interface{}); ok {
		result["items"] = demoteConstraintsToDescription(items)
	}

	return result
}

// flattenNullableTypes collapses a JSON Schema type array (e.g. ["string",
// "null"]) down to its first non-null type, noting nullability and any
// dropped alternate types in the description, and strips nullable
// properties out of the parent's required array.
func flattenNullableTypes(schema map[string]interface{}, nullableProps map[string]bool, currentPropName string) map[string]interface{} {
	if schema == nil {
		return schema
	}
	result := cloneMap(schema)

	if typeArr, ok := result["type"].([]interface{}); ok {
		hasNull := false
		var nonNullTypes []string

		for _, t := range typeArr {
			tStr, ok := t.(string)
			if !ok {
				continue
			}
			if tStr == "null" {
				hasNull = true
			} else if tStr != "" {
				nonNullTypes = append(nonNullTypes, tStr)
			}
		}

		firstType := "string"
		if len(nonNullTypes) > 0 {
			firstType = nonNullTypes[0]
		}
		result["type"] = firstType

		if len(nonNullTypes) > 1 {
			result = withDescriptionHint(result, fmt.Sprintf("Accepts: %s", strings.Join(nonNullTypes, " | ")))
		}
		if hasNull {
			result = withDescriptionHint(result, "nullable")
			if nullableProps != nil && currentPropName != "" {
				nullableProps[currentPropName] = true
			}
		}
	}

	if props, ok := result["properties"].(map[string]interface{}); ok {
		childNullableProps := make(map[string]bool)
		newProps := make(map[string]interface{}, len(props))
		for key, value := range props {
			if valueMap, ok := value.(map[string]interface{}); ok {
				newProps[key] = flattenNullableTypes(valueMap, childNullableProps, key)
			} else {
				newProps[key] = value
			}
		}
		result["properties"] = newProps

		if required, ok := result["required"].([]interface{}); ok && len(childNullableProps) > 0 {
			newRequired := make([]interface{}, 0, len(required))
			for _, prop := range required {
				if propStr, ok := prop.(string); ok && !childNullableProps[propStr] {
					newRequired = append(newRequired, propStr)
				}
			}
			if len(newRequired) == 0 {
				delete(result, "required")
			} else {
				result["required"] = newRequired
			}
		}
	}

	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = flattenNullableTypes(items, nullableProps, "")
	case []interface{}:
		newItems := make([]interface{}, 0, len(items))
		for _, item := range items {
			if itemMap, ok := item.(map[string]interface{}); ok {
				newItems = append(newItems, flattenNullableTypes(itemMap, nullableProps, ""))
			} else {
				newItems = append(newItems, item)
			}
		}
		result["items"] = newItems
	}

	return result
}

// googleTypeName maps a JSON Schema primitive type name to Google's
// protobuf-style uppercase type name ("string" -> "STRING"). An unrecognized
// type is uppercased as-is; "null" falls back to STRING since Cloud Code has
// no null schema type.
func googleTypeName(typeName string) string {
	if typeName == "" {
		return typeName
	}
	switch strings.ToLower(typeName) {
	case "string":
		return "STRING"
	case "number":
		return "NUMBER"
	case "integer":
		return "INTEGER"
	case "boolean":
		return "BOOLEAN"
	case "array":
		return "ARRAY"
	case "object":
		return "OBJECT"
	case "null":
		return "STRING"
	default:
		return strings.ToUpper(typeName)
	}
}

// mapSchemaTree applies fn to a schema's nested properties and items in place.
func mapSchemaTree(result map[string]interface{}, fn schemaPass) {
	if props, ok := result["properties"].(map[string]interface{}); ok {
		result["properties"] = mapSchemaMap(props, fn)
	}
	switch items := result["items"].(type) {
	case map[string]interface{}:
		result["items"] = fn(items)
	case []interface{}:
		result["items"] = mapSchemaList(items, fn)
	}
}

func mapSchemaMap(props map[string]interface{}, fn schemaPass) map[string]interface{} {
	result := make(map[string]interface{}, len(props))
	for key, value := range props {
		if valueMap, ok := value.(map[string]interface{}); ok {
			result[key] = fn(valueMap)
		} else {
			result[key] = value
		}
	}
	return result
}

func mapSchemaList(items []interface{}, fn schemaPass) []interface{} {
	result := make([]interface{}, 0, len(items))
	for _, item := range items {
		if itemMap, ok := item.(map[string]interface{}); ok {
			result = append(result, fn(itemMap))
		} else {
			result = append(result, item)
		}
	}
	return result
}

func cloneMap(m map[string]interface{}) map[string]interface{} {
	result := make(map[string]interface{}, len(m))
	for k, v := range m {
		result[k] = v
	}
	return result
}

func dedupeStrings(arr []string) []string {
	seen := make(map[string]bool, len(arr))
	result := make([]string, 0, len(arr))
	for _, v := range arr {
		if !seen[v] {
			seen[v] = true
			result = append(result, v)
		}
	}
	return result
}
