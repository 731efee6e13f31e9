package acp

import (
	"strconv"
	"strings"

	"github.com/coder/acp-go-sdk"
)

// Permission modes understood by the local permission policy.
const (
	PermissionDefault     = "default"
	PermissionAcceptEdits = "acceptEdits"
	PermissionPlan        = "plan"
	PermissionBypass      = "bypassPermissions"
)

type permissionAction int

const (
	askQuestion permissionAction = iota
	askPlan
	approve
)

// classifyPermission decides how a permission request is handled under the
// session's current mode and permission mode.
func classifyPermission(mode, permissionMode, title string) permissionAction {
	if isPlanRequest(mode, permissionMode, title) {
		return askPlan
	}
	switch permissionMode {
	case PermissionBypass:
		return approve
	case PermissionAcceptEdits:
		if isEditTool(title) {
			return approve
		}
	}
	return askQuestion
}

// isPlanRequest reports whether a permission request asks to leave planning
// and execute a plan.
func isPlanRequest(mode, permissionMode, title string) bool {
	if mode == PermissionPlan || permissionMode == PermissionPlan {
		return true
	}
	return strings.Contains(strings.ToLower(title), "plan")
}

func isEditTool(title string) bool {
	t := strings.ToLower(strings.TrimSpace(title))
	for _, prefix := range []string{"edit", "write", "create", "multiedit", "notebookedit"} {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}

func selected(o acp.PermissionOption) acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{
			Selected: &acp.RequestPermissionOutcomeSelected{OptionId: o.OptionId},
		},
	}
}

func cancelledPermission() acp.RequestPermissionResponse {
	return acp.RequestPermissionResponse{
		Outcome: acp.RequestPermissionOutcome{Cancelled: &acp.RequestPermissionOutcomeCancelled{}},
	}
}

func isAllow(o acp.PermissionOption) bool {
	return o.Kind == acp.PermissionOptionKindAllowOnce || o.Kind == acp.PermissionOptionKindAllowAlways
}

// approveResponse picks the first allow option, falling back to the first option.
func approveResponse(options []acp.PermissionOption) acp.RequestPermissionResponse {
	for _, o := range options {
		if isAllow(o) {
			return selected(o)
		}
	}
	if len(options) > 0 {
		return selected(options[0])
	}
	return cancelledPermission()
}

// rejectResponse picks the first non-allow option, or cancels.
func rejectResponse(options []acp.PermissionOption) acp.RequestPermissionResponse {
	for _, o := range options {
		if !isAllow(o) {
			return selected(o)
		}
	}
	return cancelledPermission()
}

// answerResponse matches an answer against the offered options by id, by
// case-insensitive name, or by 1-based position.
func answerResponse(options []acp.PermissionOption, answer string) (acp.RequestPermissionResponse, bool) {
	answer = strings.TrimSpace(answer)
	for _, o := range options {
		if string(o.OptionId) == answer {
			return selected(o), true
		}
	}
	for _, o := range options {
		if strings.EqualFold(o.Name, answer) {
			return selected(o), true
		}
	}
	if i, err := strconv.Atoi(answer); err == nil && i >= 1 && i <= len(options) {
		return selected(options[i-1]), true
	}
	return acp.RequestPermissionResponse{}, false
}

func optionNames(options []acp.PermissionOption) []string {
	names := make([]string, len(options))
	for i, o := range options {
		names[i] = o.Name
	}
	return names
}
