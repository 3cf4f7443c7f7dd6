// Package rbac decides what each kind of user may do.
package rbac

type UserType string
type Action string

const (
	UserStudent UserType = "student"
	UserTeacher UserType = "teacher"
	UserAdmin   UserType = "admin"
)

const (
	ActionReadProfile    Action = "read_profile"
	ActionEditProfile    Action = "edit_profile"
	ActionViewSpace      Action = "view_space"
	ActionCreateSpace    Action = "create_space"
	ActionViewAnySpace   Action = "view_any_space"
	ActionPublishMindmap Action = "publish_mindmap"
)

func Can(userType UserType, action Action) bool {
	switch userType {
	case UserAdmin:
		return true
	case UserTeacher:
		return action == ActionReadProfile || action == ActionViewSpace || action == ActionViewAnySpace
	case UserStudent:
		return action == ActionReadProfile || action == ActionEditProfile || action == ActionViewSpace || action == ActionCreateSpace
	default:
		return false
	}
}

// Normalize maps unknown or empty values to the least privileged type that
// still lets a newly signed-up user in.
func Normalize(userType string) UserType {
	switch UserType(userType) {
	case UserStudent, UserTeacher, UserAdmin:
		return UserType(userType)
	default:
		return UserStudent
	}
}
