package audit

import (
	"strings"
	"unicode"
)

// ActionResource is the audit action and resource for one RPC.
type ActionResource struct {
	Action   string
	Resource string
}

// ParseFullMethod maps a gRPC full method such as /clinix.profile.v1.ProfileService/GetMyProfile
// to {get_my_profile, profile}: the method in snake case, and the package segment after the
// clinix prefix (or the service name without its Service suffix for other packages).
func ParseFullMethod(fullMethod string) ActionResource {
	service, method, ok := strings.Cut(strings.TrimPrefix(fullMethod, "/"), "/")
	if !ok || method == "" {
		return ActionResource{Action: "unknown", Resource: "unknown"}
	}
	return ActionResource{Action: snakeCase(method), Resource: resourceOf(service)}
}

func resourceOf(service string) string {
	parts := strings.Split(service, ".")
	if len(parts) >= 3 && parts[0] == "clinix" {
		return parts[1]
	}
	if len(parts) < 2 {
		return "unknown"
	}
	name := strings.TrimSuffix(parts[len(parts)-1], "Service")
	if name == "" {
		return "unknown"
	}
	return snakeCase(name)
}

func snakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}
