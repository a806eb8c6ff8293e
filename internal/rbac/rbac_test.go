package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		role   Role
		action Action
		want   bool
	}{
		{RoleAdmin, ActionAdmin, true},
		{RoleAdmin, ActionSubmit, true},
		{RoleGrader, ActionRead, true},
		{RoleGrader, ActionReview, true},
		{RoleGrader, ActionGrade, true},
		{RoleGrader, ActionManage, true},
		{RoleGrader, ActionSubmit, false},
		{RoleGrader, ActionAdmin, false},
		{RoleStudent, ActionRead, true},
		{RoleStudent, ActionSubmit, true},
		{RoleStudent, ActionReview, false},
		{RoleStudent, ActionGrade, false},
		{Role("unknown"), ActionRead, false},
	}
	for _, tc := range cases {
		if got := Can(tc.role, tc.action); got != tc.want {
			t.Errorf("Can(%s, %s) = %v, want %v", tc.role, tc.action, got, tc.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if Normalize("grader") != RoleGrader {
		t.Error("expected grader to pass through")
	}
	if Normalize("") != RoleStudent {
		t.Error("expected empty role to default to student")
	}
	if Normalize("superuser") != RoleStudent {
		t.Error("expected unknown role to default to student")
	}
}
