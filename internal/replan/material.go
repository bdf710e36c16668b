package replan

import (
	"reflect"

	"tascade/internal/types"
)

// materialUpdate reports whether a task update changes what the work IS.
// Work spec content, capability requirements, task class and path
// footprints are material; priority, title and description are routing
// metadata and leave in-flight claims untouched.
func materialUpdate(before, after types.Task) bool {
	if !reflect.DeepEqual(before.WorkSpec, after.WorkSpec) {
		return true
	}
	if before.Class != after.Class {
		return true
	}
	if !sameStrings(before.CapabilityTags, after.CapabilityTags) {
		return true
	}
	if !sameStrings(before.ExclusivePaths, after.ExclusivePaths) {
		return true
	}
	if !sameStrings(before.SharedPaths, after.SharedPaths) {
		return true
	}
	return false
}

// sameStrings compares two lists treating nil and empty as equal.
func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
