// Package authv1 is the wire contract of clinix.auth.v1.AuthService.
package authv1

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"clinix/backend/api/rpc"
)

const ServiceName = "clinix.auth.v1.AuthService"

var (
	AuthService_Register_FullMethodName = rpc.FullMethod(ServiceName, "Register")
	AuthService_Login_FullMethodName    = rpc.FullMethod(ServiceName, "Login")
	AuthService_Refresh_FullMethodName  = rpc.FullMethod(ServiceName, "Refresh")
	AuthService_Logout_FullMethodName   = rpc.FullMethod(ServiceName, "Logout")
)

type User struct {
	ID          string     `json:"id"`
	Email       string     `json:"email"`
	FirstName   string     `json:"firstName"`
	LastName    string     `json:"lastName"`
	Roles       []string   `json:"roles"`
	Status      string     `json:"status"`
	LastLoginAt *time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type RegisterRequest struct {
	Email     string   `json:"email"`
	Password  string   `json:"password"`
	FirstName string   `json:"firstName"`
	LastName  string   `json:"lastName"`
	Roles     []string `json:"roles,omitempty"`
}

type RegisterResponse struct {
	User *User `json:"user"`
}

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

type LoginResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	User             *User     `json:"user"`
	DeviceRevoked    bool      `json:"deviceRevoked"`
	ActiveSessions   int       `json:"activeSessions"`
}

type RefreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type RefreshResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	AccessExpiresAt  time.Time `json:"accessExpiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
}

// LogoutRequest is empty: the user and device come from the access token.
type LogoutRequest struct{}

type LogoutResponse struct{}

// AuthServiceServer is the server API for AuthService.
type AuthServiceServer interface {
	Register(context.Context, *RegisterRequest) (*RegisterResponse, error)
	Login(context.Context, *LoginRequest) (*LoginResponse, error)
	Refresh(context.Context, *RefreshRequest) (*RefreshResponse, error)
	Logout(context.Context, *LogoutRequest) (*LogoutResponse, error)
}

var AuthService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AuthServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "Register", AuthServiceServer.Register),
		rpc.Unary(ServiceName, "Login", AuthServiceServer.Login),
		rpc.Unary(ServiceName, "Refresh", AuthServiceServer.Refresh),
		rpc.Unary(ServiceName, "Logout", AuthServiceServer.Logout),
	},
	Metadata: "clinix/auth/v1/auth",
}

func RegisterAuthServiceServer(s grpc.ServiceRegistrar, srv AuthServiceServer) {
	s.RegisterService(&AuthService_ServiceDesc, srv)
}

// AuthServiceClient is the client API for AuthService.
type AuthServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewAuthServiceClient(cc grpc.ClientConnInterface) *AuthServiceClient {
	return &AuthServiceClient{cc: cc}
}

func (c *AuthServiceClient) Register(ctx context.Context, in *RegisterRequest, opts ...grpc.CallOption) (*RegisterResponse, error) {
	return rpc.Invoke[RegisterResponse](ctx, c.cc, AuthService_Register_FullMethodName, in, opts...)
}

func (c *AuthServiceClient) Login(ctx context.Context, in *LoginRequest, opts ...grpc.CallOption) (*LoginResponse, error) {
	return rpc.Invoke[LoginResponse](ctx, c.cc, AuthService_Login_FullMethodName, in, opts...)
}

func (c *AuthServiceClient) Refresh(ctx context.Context, in *RefreshRequest, opts ...grpc.CallOption) (*RefreshResponse, error) {
	return rpc.Invoke[RefreshResponse](ctx, c.cc, AuthService_Refresh_FullMethodName, in, opts...)
}

func (c *AuthServiceClient) Logout(ctx context.Context, in *LogoutRequest, opts ...grpc.CallOption) (*LogoutResponse, error) {
	return rpc.Invoke[LogoutResponse](ctx, c.cc, AuthService_Logout_FullMethodName, in, opts...)
}
