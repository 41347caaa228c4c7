package rbac

// Permissions used by the proctoring API.
const (
	PermExamCreate     = "exam:create"
	PermExamView       = "exam:view"
	PermExamAssign     = "exam:assign"
	PermExamMonitor    = "exam:monitor"
	PermAttemptStart   = "attempt:start"
	PermAttemptSave    = "attempt:save"
	PermAttemptSubmit  = "attempt:submit"
	PermAttemptReport  = "attempt:report"
	PermAttemptViewOwn = "attempt:view-own"
	PermAttemptViewAll = "attempt:view-all"
	PermAttemptGrade   = "attempt:grade"
)

// RolePermissions is the default policy.
var RolePermissions = map[string][]string{
	"student": {
		PermExamView,
		PermAttemptStart,
		PermAttemptSave,
		PermAttemptSubmit,
		PermAttemptReport,
		PermAttemptViewOwn,
	},
	"teacher": {
		"exam:*",
		PermAttemptViewAll,
		PermAttemptGrade,
		// teachers may close a running attempt on a student's behalf
		PermAttemptSubmit,
	},
	"admin": {
		"*", // everything
	},
}
