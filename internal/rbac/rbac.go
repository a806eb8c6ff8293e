package rbac

type Role string
type Action string

const (
	RoleStudent Role = "student"
	RoleGrader  Role = "grader"
	RoleAdmin   Role = "admin"
)

const (
	ActionRead   Action = "read"
	ActionSubmit Action = "submit"
	ActionReview Action = "review"
	ActionGrade  Action = "grade"
	ActionManage Action = "manage"
	ActionAdmin  Action = "admin"
)

func Can(role Role, action Action) bool {
	switch role {
	case RoleAdmin:
		return true
	case RoleGrader:
		return action == ActionRead || action == ActionReview || action == ActionGrade || action == ActionManage
	case RoleStudent:
		return action == ActionRead || action == ActionSubmit
	default:
		return false
	}
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleStudent, RoleGrader, RoleAdmin:
		return Role(role)
	default:
		return RoleStudent
	}
}
