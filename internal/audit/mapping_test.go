package audit

import "testing"

func TestParseFullMethod(t *testing.T) {
	tests := []struct {
		fullMethod string
		action     string
		resource   string
	}{
		{"/clinix.profile.v1.ProfileService/GetMyProfile", "get_my_profile", "profile"},
		{"/clinix.auth.v1.AuthService/Register", "register", "auth"},
		{"/clinix.auth.v1.AuthService/Logout", "logout", "auth"},
		{"/grpc.health.v1.Health/Check", "check", "health"},
		{"/acme.BillingService/ListInvoices", "list_invoices", "billing"},
		{"/NoPackage/Refresh", "refresh", "unknown"},
		{"/pkg.Service/", "unknown", "unknown"},
		{"garbage", "unknown", "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.fullMethod, func(t *testing.T) {
			ar := ParseFullMethod(tt.fullMethod)
			if ar.Action != tt.action {
				t.Errorf("action = %q, want %q", ar.Action, tt.action)
			}
			if ar.Resource != tt.resource {
				t.Errorf("resource = %q, want %q", ar.Resource, tt.resource)
			}
		})
	}
}
