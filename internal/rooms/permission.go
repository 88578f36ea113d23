package rooms

// IsMutating reports whether the operation changes shared diagram state
func (op OperationType) IsMutating() bool {
	switch op {
	case OpDiagramUpdate, OpShapeCreated, OpShapeDeleted, OpElementEdit, OpLockElement, OpUnlockElement:
		return true
	default:
		return false
	}
}

// CheckPermission gates one operation against the sender's current role.
// Roles may change mid-session so callers must pass the live role on every
// message.
func CheckPermission(role Role, op OperationType) error {
	if op.IsMutating() && !role.CanEdit() {
		return &PermissionDeniedError{Operation: op, Role: role}
	}
	return nil
}
