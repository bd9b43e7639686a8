package merging

import (
	"encoding/json"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/models"
)

// mergeMetadata combines two open metadata maps. Scalars are first-writer-
// wins: the survivor's value is kept and the disagreement is recorded as a
// conflict. Arrays are unioned, nested objects merge recursively.
func mergeMetadata(survivor, duplicate json.RawMessage) (json.RawMessage, []models.MergeConflict, error) {
	survivorMap := map[string]any{}
	if len(survivor) > 0 {
		if err := json.Unmarshal(survivor, &survivorMap); err != nil {
			return nil, nil, fmt.Errorf("invalid survivor metadata: %w", err)
		}
	}

	duplicateMap := map[string]any{}
	if len(duplicate) > 0 {
		if err := json.Unmarshal(duplicate, &duplicateMap); err != nil {
			return nil, nil, fmt.Errorf("invalid duplicate metadata: %w", err)
		}
	}

	conflicts := mergeMaps(survivorMap, duplicateMap, "")

	merged, err := json.Marshal(survivorMap)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal merged metadata: %w", err)
	}
	return merged, conflicts, nil
}

// mergeMaps merges source into target in place and returns the conflicts.
func mergeMaps(target, source map[string]any, prefix string) []models.MergeConflict {
	var conflicts []models.MergeConflict

	for key, sourceValue := range source {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}

		targetValue, exists := target[key]
		if !exists || targetValue == nil {
			target[key] = sourceValue
			continue
		}
		if sourceValue == nil {
			continue
		}

		targetMap, targetIsMap := targetValue.(map[string]any)
		sourceMap, sourceIsMap := sourceValue.(map[string]any)
		if targetIsMap && sourceIsMap {
			conflicts = append(conflicts, mergeMaps(targetMap, sourceMap, path)...)
			continue
		}

		targetList, targetIsList := targetValue.([]any)
		sourceList, sourceIsList := sourceValue.([]any)
		if targetIsList && sourceIsList {
			target[key] = unionLists(targetList, sourceList)
			continue
		}

		// Scalar disagreement: survivor wins, record the loss.
		if fmt.Sprintf("%v", targetValue) != fmt.Sprintf("%v", sourceValue) {
			conflicts = append(conflicts, models.MergeConflict{
				Field:          path,
				KeptValue:      targetValue,
				DiscardedValue: sourceValue,
			})
		}
	}

	return conflicts
}

// unionLists appends source elements missing from target, preserving order.
func unionLists(target, source []any) []any {
	seen := make(map[string]bool, len(target))
	for _, v := range target {
		seen[fmt.Sprintf("%v", v)] = true
	}
	for _, v := range source {
		key := fmt.Sprintf("%v", v)
		if !seen[key] {
			target = append(target, v)
			seen[key] = true
		}
	}
	return target
}
