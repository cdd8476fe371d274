package agent

import (
	"embed"
	"fmt"
	"strings"

	"conductor/pkg/proto"
)

//go:embed prompts/*.md
var promptFS embed.FS

// rolePrompt returns the embedded system prompt for a role. Prompt files are
// named after the role key (prompts/planner.md, prompts/code_reviewer.md, ...).
func rolePrompt(role proto.Role) (string, error) {
	data, err := promptFS.ReadFile(fmt.Sprintf("prompts/%s.md", role))
	if err != nil {
		return "", fmt.Errorf("no system prompt for role %s: %w", role, err)
	}
	return strings.TrimSpace(string(data)), nil
}

// roleKind maps a role to the user-instruction category that applies to it.
func roleKind(role proto.Role) string {
	switch role {
	case proto.RolePlanner, proto.RoleImplementer, proto.RoleTester, proto.RoleFinalizer:
		return "planning"
	case proto.RoleDesignReviewer, proto.RoleValidator, proto.RoleCodeReviewer:
		return "review"
	case proto.RolePresenter:
		return ""
	default:
		return ""
	}
}
