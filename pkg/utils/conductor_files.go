// Package utils provides utilities for managing the .conductor directory and user instruction files.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// ConductorDir is the directory name for conductor-specific files.
	ConductorDir = ".conductor"

	// StateDirName holds session snapshots under ConductorDir.
	StateDirName = "state"
	// ArtifactsDirName holds task output artifacts under ConductorDir.
	ArtifactsDirName = "artifacts"
	// LogsDirName holds workflow event logs under ConductorDir.
	LogsDirName = "logs"

	// CommonInstructionsFile is the filename for common user instructions.
	CommonInstructionsFile = "COMMON.md"
	// PlanningInstructionsFile is the filename for planning-role user instructions.
	PlanningInstructionsFile = "PLANNING.md"
	// ReviewInstructionsFile is the filename for review-role user instructions.
	ReviewInstructionsFile = "REVIEW.md"

	// UserInstructionsTokenLimit is the token limit for user instruction files (2000 tokens ~ 8000 chars).
	UserInstructionsTokenLimit = 2000
	// UserInstructionsCharLimit is the character limit for user instruction files (~8000 chars).
	UserInstructionsCharLimit = 8000
)

// UserInstructions holds the content of user instruction files.
type UserInstructions struct {
	Common   string
	Planning string
	Review   string
}

// ConductorPath returns the path of the .conductor directory under workDir.
func ConductorPath(workDir string) string {
	return filepath.Join(workDir, ConductorDir)
}

// CreateConductorDirectory creates the .conductor directory structure with empty instruction files.
func CreateConductorDirectory(workDir string) error {
	conductorPath := ConductorPath(workDir)

	if err := os.MkdirAll(conductorPath, 0755); err != nil {
		return fmt.Errorf("failed to create .conductor directory: %w", err)
	}

	// Create subdirectories for snapshots, artifacts, and logs.
	for _, sub := range []string{StateDirName, ArtifactsDirName, LogsDirName} {
		subPath := filepath.Join(conductorPath, sub)
		if err := os.MkdirAll(subPath, 0755); err != nil {
			return fmt.Errorf("failed to create .conductor/%s directory: %w", sub, err)
		}
	}

	// Create empty instruction files
	instructionFiles := map[string]string{
		CommonInstructionsFile:   "# Common Instructions\n\n<!-- Add instructions that apply to all roles here -->\n<!-- Maximum 2,000 tokens (≈8,000 characters) -->\n",
		PlanningInstructionsFile: "# Planning Instructions\n\n<!-- Add instructions for planning and implementation roles here -->\n<!-- Examples: coding standards, file naming conventions, testing requirements -->\n<!-- Maximum 2,000 tokens (≈8,000 characters) -->\n",
		ReviewInstructionsFile:   "# Review Instructions\n\n<!-- Add instructions for review and validation roles here -->\n<!-- Examples: review criteria, severity guidance, acceptance thresholds -->\n<!-- Maximum 2,000 tokens (≈8,000 characters) -->\n",
	}

	for filename, defaultContent := range instructionFiles {
		filePath := filepath.Join(conductorPath, filename)

		// Only create if file doesn't exist
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			if err := os.WriteFile(filePath, []byte(defaultContent), 0644); err != nil {
				return fmt.Errorf("failed to create %s: %w", filename, err)
			}
		}
	}

	return nil
}

// LoadUserInstructions loads user instruction files from the .conductor directory.
// Returns empty strings for missing/empty files, returns error for unreadable files.
func LoadUserInstructions(workDir string) (*UserInstructions, error) {
	conductorPath := ConductorPath(workDir)

	instructions := &UserInstructions{}

	files := map[string]*string{
		CommonInstructionsFile:   &instructions.Common,
		PlanningInstructionsFile: &instructions.Planning,
		ReviewInstructionsFile:   &instructions.Review,
	}

	for filename, target := range files {
		filePath := filepath.Join(conductorPath, filename)

		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			*target = ""
			continue
		}

		content, err := os.ReadFile(filePath)
		if err != nil {
			// Unreadable file is a fatal error
			return nil, fmt.Errorf("failed to read %s: %w (please check file permissions)", filename, err)
		}

		contentStr := string(content)

		if len(contentStr) > UserInstructionsCharLimit {
			return nil, fmt.Errorf("%s exceeds character limit of %d (current: %d)",
				filename, UserInstructionsCharLimit, len(contentStr))
		}

		// Use tiktoken for more accurate token counting
		tokenCount := CountTokensSimple(contentStr)
		if tokenCount > UserInstructionsTokenLimit {
			return nil, fmt.Errorf("%s exceeds token limit of %d (current: %d)",
				filename, UserInstructionsTokenLimit, tokenCount)
		}

		*target = contentStr
	}

	return instructions, nil
}

// FormatUserInstructions formats user instructions for inclusion in role prompts.
// roleKind is "planning" or "review"; returns empty string if no instructions apply.
func FormatUserInstructions(instructions *UserInstructions, roleKind string) string {
	if instructions == nil {
		return ""
	}

	var parts []string

	if instructions.Common != "" {
		parts = append(parts, "---\n## Common Instructions\n"+instructions.Common)
	}

	switch roleKind {
	case "planning":
		if instructions.Planning != "" {
			parts = append(parts, "---\n## Role-Specific Instructions\n"+instructions.Planning)
		}
	case "review":
		if instructions.Review != "" {
			parts = append(parts, "---\n## Role-Specific Instructions\n"+instructions.Review)
		}
	}

	if len(parts) == 0 {
		return ""
	}

	result := "\n" + parts[0]
	for i := 1; i < len(parts); i++ {
		result += "\n" + parts[i]
	}
	return result
}
