package output

import "testing"

func TestCategoryConstants(t *testing.T) {
	// Verify category codes follow the 222 structure (CC part)
	categories := map[string]int{
		"CAT_SUCCESS":   CAT_SUCCESS,
		"CAT_PARAM":     CAT_PARAM,
		"CAT_PERM":      CAT_PERM,
		"CAT_DEPEND":    CAT_DEPEND,
		"CAT_NETWORK":   CAT_NETWORK,
		"CAT_RESOURCE":  CAT_RESOURCE,
		"CAT_STATE":     CAT_STATE,
		"CAT_CONFIG":    CAT_CONFIG,
		"CAT_OPERATION": CAT_OPERATION,
		"CAT_INTERNAL":  CAT_INTERNAL,
	}

	expectedCategories := map[string]int{
		"CAT_SUCCESS":   0,
		"CAT_PARAM":     100,
		"CAT_PERM":      200,
		"CAT_DEPEND":    300,
		"CAT_NETWORK":   400,
		"CAT_RESOURCE":  500,
		"CAT_STATE":     600,
		"CAT_CONFIG":    700,
		"CAT_OPERATION": 800,
		"CAT_INTERNAL":  900,
	}

	for name, expected := range expectedCategories {
		if categories[name] != expected {
			t.Errorf("%s = %d, want %d", name, categories[name], expected)
		}
	}
}

func TestExitCode(t *testing.T) {
	const module = 140000 // arbitrary module offset, exercises the MMCCNN extraction

	tests := []struct {
		name     string
		code     int
		expected int
	}{
		// Success cases
		{"zero code", 0, 0},
		{"success category", module + CAT_SUCCESS, 0},
		{"success with specific", module + CAT_SUCCESS + 1, 0},

		// Parameter errors (CC=01) → Exit 2
		{"param error", module + CAT_PARAM, 2},
		{"param error with specific", module + CAT_PARAM + 5, 2},

		// Permission errors (CC=02) → Exit 3
		{"perm error", module + CAT_PERM, 3},
		{"perm error with specific", module + CAT_PERM + 10, 3},

		// Dependency errors (CC=03) → Exit 4
		{"depend error", module + CAT_DEPEND, 4},
		{"depend error with specific", module + CAT_DEPEND + 1, 4},

		// Network errors (CC=04) → Exit 5
		{"network error", module + CAT_NETWORK, 5},
		{"network error with specific", module + CAT_NETWORK + 3, 5},

		// Resource errors (CC=05) → Exit 6
		{"resource error", module + CAT_RESOURCE, 6},
		{"resource error with specific", module + CAT_RESOURCE + 2, 6},

		// State errors (CC=06) → Exit 9
		{"state error", module + CAT_STATE, 9},
		{"state error with specific", module + CAT_STATE + 1, 9},

		// Config errors (CC=07) → Exit 8
		{"config error", module + CAT_CONFIG, 8},
		{"config error with specific", module + CAT_CONFIG + 5, 8},

		// Operation errors (CC=08) → Exit 1
		{"operation error", module + CAT_OPERATION, 1},
		{"operation error with specific", module + CAT_OPERATION + 99, 1},

		// Internal errors (CC=09) → Exit 1
		{"internal error", module + CAT_INTERNAL, 1},
		{"internal error with specific", module + CAT_INTERNAL + 1, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.code); got != tt.expected {
				t.Errorf("ExitCode(%d) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestExitCodeEdgeCases(t *testing.T) {
	// Test edge cases
	tests := []struct {
		name     string
		code     int
		expected int
	}{
		{"negative code defaults to 1", -1, 1},
		{"very large code", 9999999, 1},
		{"unknown category defaults to 1", 1099, 1}, // Category 10 doesn't exist
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExitCode(tt.code); got != tt.expected {
				t.Errorf("ExitCode(%d) = %v, want %v", tt.code, got, tt.expected)
			}
		})
	}
}

func TestCodeComposition(t *testing.T) {
	// Test that module + category + specific error code can be composed correctly
	tests := []struct {
		name     string
		module   int
		category int
		specific int
		expected int
	}{
		{"module a param error 1", 100000, CAT_PARAM, 1, 100101},
		{"module b perm error 5", 110000, CAT_PERM, 5, 110205},
		{"module c state error 0", 130000, CAT_STATE, 0, 130600},
		{"module d internal 99", 990000, CAT_INTERNAL, 99, 990999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			composed := tt.module + tt.category + tt.specific
			if composed != tt.expected {
				t.Errorf("Composed code = %d, want %d", composed, tt.expected)
			}
		})
	}
}

func TestCategoryExtraction(t *testing.T) {
	// Verify that ExitCode correctly extracts the category from various codes
	tests := []struct {
		code             int
		expectedCategory int
		expectedExit     int
	}{
		{100101, 1, 2}, // module + PARAM + 01 → category 1 → exit 2
		{110205, 2, 3}, // module + PERM + 05 → category 2 → exit 3
		{130600, 6, 9}, // module + STATE + 00 → category 6 → exit 9
		{990999, 9, 1}, // module + INTERNAL + 99 → category 9 → exit 1
		{120301, 3, 4}, // module + DEPEND + 01 → category 3 → exit 4
		{170701, 7, 8}, // module + CONFIG + 01 → category 7 → exit 8
	}

	for _, tt := range tests {
		exitCode := ExitCode(tt.code)
		if exitCode != tt.expectedExit {
			t.Errorf("ExitCode(%d) = %d, want %d", tt.code, exitCode, tt.expectedExit)
		}
	}
}
