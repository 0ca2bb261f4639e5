package port

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/aelexs/storefront-otp/internal/domain"
	"github.com/aelexs/storefront-otp/internal/errmap"
	"github.com/aelexs/storefront-otp/internal/otpgate/app"
	"github.com/aelexs/storefront-otp/pkg/otpapi"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "otp.v1.OTPService"

// otpServiceServer is the server API for otp.v1.OTPService. Requests and
// responses are Struct messages with the same fields as the JSON bodies.
type otpServiceServer interface {
	Issue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
	IntrospectToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*otpServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Issue", Handler: unaryHandler("Issue", otpServiceServer.Issue)},
		{MethodName: "Verify", Handler: unaryHandler("Verify", otpServiceServer.Verify)},
		{MethodName: "IntrospectToken", Handler: unaryHandler("IntrospectToken", otpServiceServer.IntrospectToken)},
	},
	Streams: []grpc.StreamDesc{},
}

// unaryHandler adapts a Struct-in Struct-out method to grpc.MethodHandler.
func unaryHandler(method string, call func(otpServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	fullMethod := "/" + ServiceName + "/" + method
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(otpServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		})
	}
}

// GRPCHandler implements otp.v1.OTPService. Verification outcomes and rate
// limiting are answered in-band; everything else is a gRPC status.
type GRPCHandler struct {
	svc      otpService
	validate *validator.Validate
}

// NewGRPCHandler creates a GRPCHandler backed by the given service.
func NewGRPCHandler(svc *app.Service) *GRPCHandler {
	return &GRPCHandler{svc: svc, validate: newValidator()}
}

// Register adds the service to s.
func (h *GRPCHandler) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&serviceDesc, h)
}

// Issue sends a code for the requested flow.
func (h *GRPCHandler) Issue(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req otpapi.IssueRequest
	if err := h.decode(in, &req); err != nil {
		return nil, errmap.ToGRPCError(err)
	}

	res, err := h.svc.Issue(ctx, app.IssueRequest{
		Purpose:  req.Purpose,
		EntityID: req.EntityID,
		Mobile:   req.Mobile,
		ClientIP: grpcClientIP(ctx),
	})
	if err != nil && !inBand(err) {
		return nil, errmap.ToGRPCError(err)
	}
	return toStruct(issueResponse(res, err))
}

// Verify checks a submitted code and returns a scoped token on success.
func (h *GRPCHandler) Verify(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req otpapi.VerifyRequest
	if err := h.decode(in, &req); err != nil {
		return nil, errmap.ToGRPCError(err)
	}

	res, err := h.svc.Verify(ctx, app.VerifyRequest{
		Purpose:  req.Purpose,
		EntityID: req.EntityID,
		Mobile:   req.Mobile,
		OTP:      req.OTP,
		ClientIP: grpcClientIP(ctx),
	})
	if err != nil && !inBand(err) {
		return nil, errmap.ToGRPCError(err)
	}
	return toStruct(verifyResponse(res, err))
}

// IntrospectToken reports whether a token grants a purpose on an entity.
func (h *GRPCHandler) IntrospectToken(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req otpapi.IntrospectRequest
	if err := h.decode(in, &req); err != nil {
		return nil, errmap.ToGRPCError(err)
	}

	info, err := h.svc.IntrospectToken(ctx, req.Token, req.Purpose, req.EntityID)
	if err != nil {
		return nil, errmap.ToGRPCError(err)
	}
	return toStruct(introspectResponse(info, nil))
}

// decode maps a Struct onto a wire type through its JSON form and
// validates it.
func (h *GRPCHandler) decode(in *structpb.Struct, dst any) error {
	raw, err := protojson.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode struct: %w", errors.Join(domain.ErrInvalidInput, err))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode struct: %w", errors.Join(domain.ErrInvalidInput, err))
	}
	if err := h.validate.Struct(dst); err != nil {
		return fmt.Errorf("validate struct: %w", errors.Join(domain.ErrInvalidInput, err))
	}
	return nil
}

// toStruct converts a wire response to a Struct message.
func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, errmap.ToGRPCError(fmt.Errorf("encode response: %w", err))
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, errmap.ToGRPCError(fmt.Errorf("encode response: %w", err))
	}
	return out, nil
}
