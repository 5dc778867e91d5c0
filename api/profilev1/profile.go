// Package profilev1 is the wire contract of clinix.profile.v1.ProfileService.
package profilev1

import (
	"context"
	"time"

	"google.golang.org/grpc"

	"clinix/backend/api/rpc"
)

const ServiceName = "clinix.profile.v1.ProfileService"

var ProfileService_GetMyProfile_FullMethodName = rpc.FullMethod(ServiceName, "GetMyProfile")

type Profile struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Kind      string    `json:"kind"`
	Email     string    `json:"email"`
	FirstName string    `json:"firstName"`
	LastName  string    `json:"lastName"`
	CreatedAt time.Time `json:"createdAt"`
}

// GetMyProfileRequest is empty: the user comes from the access token.
type GetMyProfileRequest struct{}

type GetMyProfileResponse struct {
	Profile *Profile `json:"profile"`
}

// ProfileServiceServer is the server API for ProfileService.
type ProfileServiceServer interface {
	GetMyProfile(context.Context, *GetMyProfileRequest) (*GetMyProfileResponse, error)
}

var ProfileService_ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ProfileServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		rpc.Unary(ServiceName, "GetMyProfile", ProfileServiceServer.GetMyProfile),
	},
	Metadata: "clinix/profile/v1/profile",
}

func RegisterProfileServiceServer(s grpc.ServiceRegistrar, srv ProfileServiceServer) {
	s.RegisterService(&ProfileService_ServiceDesc, srv)
}

// ProfileServiceClient is the client API for ProfileService.
type ProfileServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewProfileServiceClient(cc grpc.ClientConnInterface) *ProfileServiceClient {
	return &ProfileServiceClient{cc: cc}
}

func (c *ProfileServiceClient) GetMyProfile(ctx context.Context, in *GetMyProfileRequest, opts ...grpc.CallOption) (*GetMyProfileResponse, error) {
	return rpc.Invoke[GetMyProfileResponse](ctx, c.cc, ProfileService_GetMyProfile_FullMethodName, in, opts...)
}
