package auth

// permissions are strings like "assignment:write", "job:read", "admin:*"
const (
	PermAssignmentRead    = "assignment:read"
	PermAssignmentWrite   = "assignment:write"
	PermAssignmentPublish = "assignment:publish"
	PermGenerate          = "generate:run"
	PermJobRead           = "job:read"
	PermAdminAll          = "admin:*"
)

var roleToPerms = map[string][]string{
	"author": {
		PermAssignmentRead, PermAssignmentWrite,
		PermAssignmentPublish, PermGenerate, PermJobRead,
	},
	"reviewer": {PermAssignmentRead, PermJobRead},
	"admin": {
		PermAssignmentRead, PermAssignmentWrite,
		PermAssignmentPublish, PermGenerate, PermJobRead, PermAdminAll,
	},
}

func PermsForRoles(roles []string) map[string]struct{} {
	out := make(map[string]struct{}, 8)
	for _, r := range roles {
		if perms, ok := roleToPerms[r]; ok {
			for _, p := range perms {
				out[p] = struct{}{}
			}
		}
	}
	return out
}
